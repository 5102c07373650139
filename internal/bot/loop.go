package bot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/safety"
	"github.com/zulandar/switchboard/internal/session"
	"github.com/zulandar/switchboard/internal/surface"
)

const (
	// sendEndpoint is the admission endpoint every reply is gated on.
	sendEndpoint = "send"
	// errorCeiling is the number of consecutive failed cycles tolerated
	// before the bot stops itself.
	errorCeiling = 5
	// maxBackoff caps the error backoff between cycles.
	maxBackoff = 60 * time.Second
)

// errDeferred marks a message held back by admission control.
var errDeferred = errors.New("bot: deferred by admission control")

// pending is a message awaiting processing. recorded is true once its
// inbound entry is in the session log.
type pending struct {
	msg      surface.InboundMessage
	recorded bool
}

// run is the polling loop.
func (b *Bot) run(ctx context.Context) {
	consecutive := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if b.State() == Paused {
			if !b.sleep(ctx, b.pauseCheck()) {
				return
			}
			continue
		}

		err := b.cycle(ctx)
		if ctx.Err() != nil {
			return
		}

		var delay time.Duration
		if err != nil {
			consecutive++
			b.updateStats(func(s *Stats) { s.Errors++ })
			b.metrics.RecordBotError()
			b.log.Error(err, "cycle failed", "consecutive", consecutive)
			if consecutive > errorCeiling {
				b.log.Info("too many consecutive errors, stopping", "consecutive", consecutive)
				b.transition(Error, Active, Processing, Paused)
				go b.Stop()
				return
			}
			delay = backoff(consecutive)
		} else {
			consecutive = 0
			delay = b.cycleDelay()
		}

		if !b.sleep(ctx, delay) {
			return
		}
	}
}

// cycle polls once and processes deferred and new messages. Messages of one
// session run in order on one worker; sessions run concurrently. Once ctx
// ends no new message is started, but messages already started finish.
func (b *Bot) cycle(ctx context.Context) error {
	cfg := b.cfg.Load()

	msgs, err := b.surface.PollNewMessages(ctx, cfg.RateLimiting.MessagesPerHour)
	if err != nil {
		return fmt.Errorf("bot: poll: %w", err)
	}

	b.deferMu.Lock()
	work := b.deferred
	b.deferred = nil
	b.deferMu.Unlock()
	for _, m := range msgs {
		work = append(work, pending{msg: m})
	}
	if len(work) == 0 {
		return nil
	}

	if !b.transition(Processing, Active) {
		// Paused between the state check and here; keep the work for later.
		if b.State() == Paused {
			b.requeue(work)
			return nil
		}
	}
	defer b.transition(Active, Processing)

	inflight := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(max(1, cfg.Polling.MaxConcurrency))
	for _, group := range groupBySession(work) {
		g.Go(func() error {
			return b.processSession(ctx, inflight, group)
		})
	}
	return g.Wait()
}

// processSession handles one session's messages in order on work. After a
// deferral, or once ctx ends, the rest of the session's messages are
// deferred.
func (b *Bot) processSession(ctx, work context.Context, items []pending) error {
	var errs []error
	for i := range items {
		if ctx.Err() != nil {
			b.requeue(items[i:])
			return errors.Join(errs...)
		}
		item := &items[i]
		err := b.process(work, item)
		if errors.Is(err, errDeferred) {
			b.requeue(items[i:])
			return errors.Join(errs...)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// process runs one message through record, filter, generate, admit, send.
func (b *Bot) process(ctx context.Context, item *pending) error {
	b.reloadMu.RLock()
	defer b.reloadMu.RUnlock()

	m := item.msg
	sess := b.registry.GetOrCreate(m.SessionID, m.PeerName)

	if !item.recorded {
		ts := m.Timestamp
		if ts.IsZero() {
			ts = b.now()
		}
		var err error
		sess, err = b.registry.RecordInbound(m.SessionID, m.Text, ts)
		if err != nil {
			return fmt.Errorf("bot: record inbound %s: %w", m.SessionID, err)
		}
		item.recorded = true
		b.updateStats(func(s *Stats) { s.MessagesRead++ })
		b.metrics.RecordMessage(string(session.Inbound))
		b.archiveMessage(ctx, sess, session.Inbound, m.Text, ts)
	}

	if !sess.Active {
		b.log.V(1).Info("session inactive, not replying", "session", sess.ID)
		return nil
	}
	if b.policy.IsBlacklisted(m.Text) {
		b.updateStats(func(s *Stats) { s.Blacklisted++ })
		b.log.Info("message contains blacklisted content, skipping", "session", sess.ID)
		return nil
	}

	text := b.generate(ctx, sess, m.Text)

	if b.compliance != nil {
		level, err := b.compliance.Check(ctx, safety.ActionSendMessage, map[string]string{
			"session_id": sess.ID,
			"peer_name":  sess.PeerName,
			"text":       text,
		})
		if err != nil {
			return fmt.Errorf("bot: compliance check %s: %w", sess.ID, err)
		}
		if level >= safety.Violation {
			b.updateStats(func(s *Stats) { s.ComplianceSkipped++ })
			b.log.Info("compliance violation, skipping send", "session", sess.ID, "level", level.String())
			return nil
		}
	}

	if !b.admission.TryAcquire(ctx, sendEndpoint) {
		b.updateStats(func(s *Stats) { s.Deferred++ })
		b.log.V(1).Info("rate limit reached, deferring", "session", sess.ID)
		return errDeferred
	}

	disclose := b.policy.ShouldDiscloseBot(sess)
	if disclose {
		text = b.policy.ApplyDisclosure(text)
	}

	if err := b.surface.SendMessage(ctx, sess.ID, text); err != nil {
		b.admission.RecordFailure(sendEndpoint)
		return fmt.Errorf("bot: send to %s: %w", sess.ID, err)
	}
	b.admission.RecordSuccess(sendEndpoint)

	if disclose {
		if err := b.registry.MarkDisclosed(sess.ID); err != nil {
			b.log.Error(err, "mark disclosed", "session", sess.ID)
		}
	}

	sentAt := b.now()
	updated, err := b.registry.RecordOutbound(sess.ID, text, sentAt)
	if err != nil {
		return fmt.Errorf("bot: record outbound %s: %w", sess.ID, err)
	}
	b.updateStats(func(s *Stats) { s.MessagesSent++ })
	b.metrics.RecordMessage(string(session.Outbound))
	b.archiveMessage(ctx, updated, session.Outbound, text, sentAt)

	if b.policy.ShouldAutoStop(updated) {
		if err := b.registry.Deactivate(sess.ID); err != nil {
			b.log.Error(err, "deactivate session", "session", sess.ID)
		}
		b.log.Info("auto-stopping conversation", "session", sess.ID, "peer", sess.PeerName, "responses", updated.ResponseCount)
	}
	return nil
}

// generate asks the responder for text, falling back to a canned reply.
func (b *Bot) generate(ctx context.Context, sess session.Session, inbound string) string {
	text, err := b.responder.Generate(ctx, sess, inbound)
	if err == nil && text != "" {
		return text
	}
	if err != nil {
		b.log.Info("response generation failed, using fallback", "session", sess.ID, "error", err.Error())
	}
	if f, ok := b.responder.(fallbacker); ok {
		if text := f.Fallback(); text != "" {
			return text
		}
	}
	return defaultFallback
}

func (b *Bot) archiveMessage(ctx context.Context, sess session.Session, dir session.Direction, text string, ts time.Time) {
	if b.archive == nil {
		return
	}
	if err := b.archive.RecordMessage(ctx, sess.ID, sess.PeerName, dir, text, ts); err != nil {
		b.log.Error(err, "archive message", "session", sess.ID)
	}
}

// requeue holds items for the next cycle, ahead of newly polled messages.
func (b *Bot) requeue(items []pending) {
	b.deferMu.Lock()
	b.deferred = append(b.deferred, items...)
	b.deferMu.Unlock()
}

// DeferredCount returns the number of messages waiting for admission.
func (b *Bot) DeferredCount() int {
	b.deferMu.Lock()
	defer b.deferMu.Unlock()
	return len(b.deferred)
}

// groupBySession splits work by session id, keeping arrival order within
// each session and first-seen order across sessions.
func groupBySession(work []pending) [][]pending {
	index := make(map[string]int)
	var groups [][]pending
	for _, p := range work {
		i, ok := index[p.msg.SessionID]
		if !ok {
			i = len(groups)
			index[p.msg.SessionID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], p)
	}
	return groups
}

// cycleDelay is the wait after a successful cycle: the base cooldown,
// doubled during quiet hours and halved during peak hours, stretched to the
// admission controller's pacing hint.
func (b *Bot) cycleDelay() time.Duration {
	cfg := b.cfg.Load()
	d := modulate(baseDelay(cfg), b.now().Hour(), cfg.Polling)
	if hint := b.admission.SuggestedDelay(); hint > d {
		d = hint
	}
	return d
}

func baseDelay(cfg *config.Config) time.Duration {
	return time.Duration(cfg.RateLimiting.CooldownBetweenMessagesSec * float64(time.Second))
}

// modulate applies the time-of-day heuristic.
func modulate(d time.Duration, hour int, p config.PollingConfig) time.Duration {
	switch {
	case p.QuietHours.Contains(hour):
		return d * 2
	case p.PeakHours.Contains(hour):
		return d / 2
	}
	return d
}

// backoff returns min(60s, 2^errors s).
func backoff(n int) time.Duration {
	d := time.Duration(math.Pow(2, float64(n))) * time.Second
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

func (b *Bot) pauseCheck() time.Duration {
	return time.Duration(b.cfg.Load().Polling.PauseCheckMS) * time.Millisecond
}

// sleep waits for d or ctx. It reports false when ctx ended.
func (b *Bot) sleep(ctx context.Context, d time.Duration) bool {
	if b.maxDelay > 0 && d > b.maxDelay {
		d = b.maxDelay
	}
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
