// Package bot is the orchestrator. It owns the run state machine, the
// polling loop that turns inbound messages into replies, and the cleanup
// and health-report housekeeping tasks.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/zulandar/switchboard/internal/admission"
	"github.com/zulandar/switchboard/internal/archive"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/metrics"
	"github.com/zulandar/switchboard/internal/responder"
	"github.com/zulandar/switchboard/internal/safety"
	"github.com/zulandar/switchboard/internal/session"
	"github.com/zulandar/switchboard/internal/surface"
)

// State is the orchestrator's run state.
type State string

const (
	Idle       State = "idle"
	Active     State = "active"
	Processing State = "processing"
	Paused     State = "paused"
	Error      State = "error"
	Stopped    State = "stopped"
)

// AllStates lists every State, for metrics.
func AllStates() []string {
	return []string{string(Idle), string(Active), string(Processing), string(Paused), string(Error), string(Stopped)}
}

var (
	// ErrAlreadyStarted is returned by Start on a bot that has left Idle.
	ErrAlreadyStarted = errors.New("bot: already started")
)

// ResponseGenerator produces reply text for an inbound message.
type ResponseGenerator interface {
	Generate(ctx context.Context, s session.Session, inbound string) (string, error)
}

// fallbacker is implemented by generators that can supply a canned reply.
type fallbacker interface {
	Fallback() string
}

// Archive persists traffic and run summaries. *archive.Recorder implements it.
type Archive interface {
	StartRun(ctx context.Context, startedAt time.Time) error
	RecordMessage(ctx context.Context, sessionID, peerName string, dir session.Direction, content string, sentAt time.Time) error
	FinishRun(ctx context.Context, sum archive.RunSummary) error
}

// Pruner drops expired shared admission counters during cleanup.
type Pruner interface {
	Prune(ctx context.Context) (int64, error)
}

// defaultFallback is sent when generation fails and no fallback is configured.
const defaultFallback = "Thanks for your message! I'll get back to you soon."

// Stats are the run statistics.
type Stats struct {
	MessagesRead      int64         `json:"messages_read"`
	MessagesSent      int64         `json:"messages_sent"`
	Errors            int64         `json:"errors"`
	Deferred          int64         `json:"deferred"`
	Blacklisted       int64         `json:"blacklisted"`
	ComplianceSkipped int64         `json:"compliance_skipped"`
	ActiveChats       int           `json:"active_chats"`
	Pending           int           `json:"pending"` // deferred messages not yet answered
	StartedAt         time.Time     `json:"started_at"`
	Runtime           time.Duration `json:"runtime_ns"`
}

// Status pairs the current state with the latest statistics.
type Status struct {
	State State `json:"state"`
	Stats Stats `json:"stats"`
}

// Opts holds parameters for creating a Bot.
type Opts struct {
	Config     *config.Config
	Surface    surface.Surface
	Admission  *admission.Controller
	Policy     *safety.Policy
	Responder  ResponseGenerator
	Registry   *session.Registry         // optional; created when nil
	Compliance safety.ComplianceChecker // optional
	Archive    Archive                  // optional
	Pruner     Pruner                   // optional
	Metrics    *metrics.Metrics         // optional
	Log        logr.Logger
	Now        func() time.Time // defaults to time.Now
}

// Bot drives one messaging surface.
type Bot struct {
	surface    surface.Surface
	admission  *admission.Controller
	policy     *safety.Policy
	responder  ResponseGenerator
	registry   *session.Registry
	compliance safety.ComplianceChecker
	archive    Archive
	pruner     Pruner
	metrics    *metrics.Metrics
	log        logr.Logger
	now        func() time.Time
	cfg        atomic.Pointer[config.Config]

	// next returns the wait until a cron expression fires.
	next func(expr string) time.Duration
	// maxDelay caps every inter-cycle wait when positive.
	maxDelay time.Duration

	// reloadMu is read-held for each message and write-held by ApplyConfig.
	reloadMu sync.RWMutex

	mu        sync.Mutex
	state     State
	starting  bool
	startDone chan struct{} // closed when the current Start returns
	stopping  bool
	stats     Stats
	runtime   time.Duration // accumulated over finished runs
	cancel    context.CancelFunc
	stoppedCh chan struct{}
	wg        sync.WaitGroup

	deferMu  sync.Mutex
	deferred []pending
}

// New creates a Bot.
func New(opts Opts) (*Bot, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("bot: config is required")
	}
	if opts.Surface == nil {
		return nil, fmt.Errorf("bot: surface is required")
	}
	if opts.Admission == nil {
		return nil, fmt.Errorf("bot: admission controller is required")
	}
	if opts.Policy == nil {
		return nil, fmt.Errorf("bot: safety policy is required")
	}
	if opts.Responder == nil {
		return nil, fmt.Errorf("bot: responder is required")
	}
	log := opts.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	registry := opts.Registry
	if registry == nil {
		registry = session.NewRegistry(session.RegistryOpts{Now: now})
	}
	b := &Bot{
		surface:    opts.Surface,
		admission:  opts.Admission,
		policy:     opts.Policy,
		responder:  opts.Responder,
		registry:   registry,
		compliance: opts.Compliance,
		archive:    opts.Archive,
		pruner:     opts.Pruner,
		metrics:    opts.Metrics,
		log:        log.WithName("bot"),
		now:        now,
		next:       nextCronDuration,
		state:      Idle,
		stoppedCh:  make(chan struct{}),
	}
	b.cfg.Store(opts.Config)
	b.metrics.SetState(string(Idle), AllStates())
	return b, nil
}

// Registry returns the session registry the bot writes to.
func (b *Bot) Registry() *session.Registry {
	return b.registry
}

// Sessions returns a snapshot of every tracked session, sorted by id.
func (b *Bot) Sessions() []session.Session {
	return b.registry.Snapshot()
}

// Start logs in and launches the polling loop and housekeeping tasks. It
// fails, leaving the bot Idle, if login fails. The loop runs until Stop;
// ctx only bounds the login.
func (b *Bot) Start(ctx context.Context, creds surface.Credentials) error {
	b.mu.Lock()
	if b.state != Idle || b.starting {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	b.starting = true
	b.startDone = make(chan struct{})
	b.mu.Unlock()
	defer b.finishStart()

	if err := b.surface.Login(ctx, creds); err != nil {
		b.log.Error(err, "login failed")
		return fmt.Errorf("bot: login: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	started := b.now()

	b.mu.Lock()
	b.cancel = cancel
	b.stats.StartedAt = started
	b.setStateLocked(Active)
	b.wg.Add(3)
	b.mu.Unlock()

	if b.archive != nil {
		if err := b.archive.StartRun(runCtx, started); err != nil {
			b.log.Error(err, "archive start run")
		}
	}

	go func() {
		defer b.wg.Done()
		b.run(runCtx)
	}()
	go func() {
		defer b.wg.Done()
		b.runHousekeeping(runCtx, "cleanup", func(c *config.Config) string { return c.Sessions.CleanupCron }, b.cleanup)
	}()
	go func() {
		defer b.wg.Done()
		b.runHousekeeping(runCtx, "health", func(c *config.Config) string { return c.Health.Cron }, b.healthReport)
	}()

	b.log.Info("started", "platform", b.cfg.Load().Surface.Platform)
	return nil
}

func (b *Bot) finishStart() {
	b.mu.Lock()
	b.starting = false
	close(b.startDone)
	b.mu.Unlock()
}

// Pause stops polling before the next cycle. In-flight work completes.
// It reports whether the state changed.
func (b *Bot) Pause() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Active && b.state != Processing {
		return false
	}
	b.setStateLocked(Paused)
	b.log.Info("paused")
	return true
}

// Resume returns a paused bot to Active. It reports whether the state changed.
func (b *Bot) Resume() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Paused {
		return false
	}
	b.setStateLocked(Active)
	b.log.Info("resumed")
	return true
}

// Stop cancels the loop and housekeeping, waits for in-flight work, closes
// the surface, and returns the final statistics. It is idempotent; calls
// on an Idle bot return the empty statistics without changing state. A
// Stop during login waits for the login and then stops the bot it started.
func (b *Bot) Stop() Stats {
	b.mu.Lock()
	switch {
	case b.starting:
		wait := b.startDone
		b.mu.Unlock()
		<-wait
		return b.Stop()
	case b.state == Idle:
		b.mu.Unlock()
		return b.Statistics()
	case b.state == Stopped:
		b.mu.Unlock()
		return b.Statistics()
	case b.stopping:
		b.mu.Unlock()
		<-b.stoppedCh
		return b.Statistics()
	}
	b.stopping = true
	cancel := b.cancel
	b.mu.Unlock()

	b.log.Info("stopping")
	cancel()
	b.wg.Wait()

	closeErr := b.surface.Close()

	b.mu.Lock()
	final := b.state
	if final != Error {
		final = Stopped
	}
	b.runtime += b.now().Sub(b.stats.StartedAt)
	b.setStateLocked(Stopped)
	b.mu.Unlock()

	stats := b.Statistics()
	if b.archive != nil {
		closeErr = multierr.Append(closeErr, b.archive.FinishRun(context.Background(), archive.RunSummary{
			FinalState:   string(final),
			MessagesRead: stats.MessagesRead,
			MessagesSent: stats.MessagesSent,
			Errors:       stats.Errors,
			Runtime:      stats.Runtime,
		}))
	}
	if closeErr != nil {
		b.log.Error(closeErr, "stop cleanup")
	}

	close(b.stoppedCh)
	b.log.Info("stopped",
		"messages_read", stats.MessagesRead,
		"messages_sent", stats.MessagesSent,
		"errors", stats.Errors,
		"pending", stats.Pending,
		"runtime", stats.Runtime.Round(time.Second).String())
	return stats
}

// Done is closed once Stop has finished.
func (b *Bot) Done() <-chan struct{} {
	return b.stoppedCh
}

// State returns the current state.
func (b *Bot) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status returns the current state and statistics.
func (b *Bot) Status() Status {
	return Status{State: b.State(), Stats: b.Statistics()}
}

// Statistics returns the run statistics, with runtime including the
// current run when one is in progress.
func (b *Bot) Statistics() Stats {
	b.mu.Lock()
	s := b.stats
	s.Runtime = b.runtime
	if b.state != Idle && b.state != Stopped {
		s.Runtime += b.now().Sub(s.StartedAt)
	}
	b.mu.Unlock()
	s.ActiveChats = b.registry.ActiveCount()
	s.Pending = b.DeferredCount()
	return s
}

// AdmissionSnapshot returns the admission controller's observable state.
func (b *Bot) AdmissionSnapshot() admission.Snapshot {
	return b.admission.Snapshot()
}

// EmergencyStop halts all admissions without stopping the loop.
func (b *Bot) EmergencyStop() {
	b.admission.EmergencyStop()
	b.log.Info("emergency stop engaged")
}

// ResumeNormal lifts an emergency stop.
func (b *Bot) ResumeNormal() {
	b.admission.ResumeNormal()
	b.log.Info("emergency stop lifted")
}

// ApplyConfig swaps in a reloaded configuration; the loop keeps running.
// Rate limits, the safety policy, and the response tables change together:
// the swap waits for messages in flight, and every message is handled
// under one configuration.
func (b *Bot) ApplyConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("bot: config is required")
	}
	b.reloadMu.Lock()
	defer b.reloadMu.Unlock()
	if err := b.admission.Reconfigure(admission.FromConfig(cfg.RateLimiting)); err != nil {
		return fmt.Errorf("bot: apply config: %w", err)
	}
	b.policy.Update(safety.FromConfig(cfg.Safety))
	if u, ok := b.responder.(interface{ Update(responder.Config) }); ok {
		u.Update(responder.FromConfig(cfg.Response))
	}
	b.cfg.Store(cfg)
	b.log.Info("configuration applied")
	return nil
}

// setStateLocked records a transition. b.mu must be held.
func (b *Bot) setStateLocked(s State) {
	if b.state == s {
		return
	}
	b.log.V(1).Info("state change", "from", string(b.state), "to", string(s))
	b.state = s
	b.metrics.SetState(string(s), AllStates())
}

// transition moves from one of the given states to to. It reports whether
// the transition happened.
func (b *Bot) transition(to State, from ...State) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range from {
		if b.state == f {
			b.setStateLocked(to)
			return true
		}
	}
	return false
}

func (b *Bot) updateStats(fn func(s *Stats)) {
	b.mu.Lock()
	fn(&b.stats)
	b.mu.Unlock()
}
