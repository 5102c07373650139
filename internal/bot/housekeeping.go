package bot

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zulandar/switchboard/internal/config"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextCronDuration parses a 5-field cron expression and returns the duration
// until the next fire time. Returns 0 on parse error.
func nextCronDuration(expr string) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	d := time.Until(sched.Next(time.Now()))
	if d < 0 {
		return 0
	}
	return d
}

// runHousekeeping fires task on the schedule returned by expr until ctx is
// cancelled. The expression is re-read after every run so reloads apply.
func (b *Bot) runHousekeeping(ctx context.Context, name string, expr func(*config.Config) string, task func(context.Context)) {
	d := b.next(expr(b.cfg.Load()))
	if d <= 0 {
		b.log.Info("housekeeping schedule invalid, task disabled", "task", name, "cron", expr(b.cfg.Load()))
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			task(ctx)
			d := b.next(expr(b.cfg.Load()))
			if d <= 0 {
				b.log.Info("housekeeping schedule invalid, task disabled", "task", name)
				return
			}
			timer.Reset(d)
		}
	}
}

// cleanup sweeps expired sessions and stale shared counters.
func (b *Bot) cleanup(ctx context.Context) {
	retention := b.cfg.Load().SessionRetention()
	removed := b.registry.SweepExpired(retention)
	if len(removed) > 0 {
		b.log.Info("cleaned up inactive sessions", "count", len(removed), "sessions", removed)
	}
	b.metrics.SetActiveSessions(b.registry.ActiveCount())

	if b.pruner != nil {
		n, err := b.pruner.Prune(ctx)
		if err != nil {
			b.log.Error(err, "prune admission counters")
		} else if n > 0 {
			b.log.V(1).Info("pruned admission counters", "count", n)
		}
	}
}

// healthReport logs the current statistics.
func (b *Bot) healthReport(ctx context.Context) {
	st := b.Status()
	snap := b.admission.Snapshot()
	b.metrics.SetActiveSessions(st.Stats.ActiveChats)
	b.metrics.SetTokens(snap.Tokens)
	b.log.Info("health",
		"state", string(st.State),
		"messages_read", st.Stats.MessagesRead,
		"messages_sent", st.Stats.MessagesSent,
		"active_chats", st.Stats.ActiveChats,
		"errors", st.Stats.Errors,
		"deferred", b.DeferredCount(),
		"tokens", snap.Tokens,
		"halted", snap.Halted)
}
