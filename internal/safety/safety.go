// Package safety holds the reply policy: keyword blacklist, one-time bot
// disclosure, auto-stop thresholds, and the optional compliance hook.
package safety

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/session"
)

// AutoStop ends engagement with a peer once either threshold is reached.
// Zero values disable the corresponding check.
type AutoStop struct {
	AfterMessages int
	AfterHours    float64
}

// Config is an immutable policy snapshot.
type Config struct {
	Blacklist         []string
	DisclosureEnabled bool
	DisclosureMessage string
	AutoStop          AutoStop
}

// FromConfig maps the safety section onto a Config.
func FromConfig(sc config.SafetyConfig) Config {
	return Config{
		Blacklist:         sc.Blacklist.Keywords,
		DisclosureEnabled: sc.BotDisclosure.IsEnabled(),
		DisclosureMessage: sc.BotDisclosure.Message,
		AutoStop: AutoStop{
			AfterMessages: sc.AutoStop.AfterMessages,
			AfterHours:    sc.AutoStop.AfterHours,
		},
	}
}

type compiled struct {
	cfg      Config
	keywords []string // lowercased, empty entries dropped
}

// Policy evaluates safety rules. Update swaps the whole configuration at
// once; concurrent readers see the old or the new rules, never a mix.
type Policy struct {
	cur atomic.Pointer[compiled]
	now func() time.Time
}

// NewPolicy creates a Policy. now defaults to time.Now.
func NewPolicy(cfg Config, now func() time.Time) *Policy {
	if now == nil {
		now = time.Now
	}
	p := &Policy{now: now}
	p.Update(cfg)
	return p
}

// Update installs cfg.
func (p *Policy) Update(cfg Config) {
	c := &compiled{cfg: cfg}
	for _, k := range cfg.Blacklist {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			c.keywords = append(c.keywords, k)
		}
	}
	p.cur.Store(c)
}

// Config returns the active configuration.
func (p *Policy) Config() Config {
	return p.cur.Load().cfg
}

// IsBlacklisted reports whether text contains any blacklisted keyword,
// ignoring case.
func (p *Policy) IsBlacklisted(text string) bool {
	lower := strings.ToLower(text)
	for _, k := range p.cur.Load().keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// ShouldDiscloseBot reports whether the next reply in s must carry the
// disclosure. The caller marks the session disclosed after sending.
func (p *Policy) ShouldDiscloseBot(s session.Session) bool {
	return p.cur.Load().cfg.DisclosureEnabled && !s.DisclosedBot
}

// ApplyDisclosure prefixes text with the disclosure message.
func (p *Policy) ApplyDisclosure(text string) string {
	msg := p.cur.Load().cfg.DisclosureMessage
	if msg == "" {
		return text
	}
	return msg + "\n\n" + text
}

// ShouldAutoStop evaluates the active auto-stop thresholds against s.
func (p *Policy) ShouldAutoStop(s session.Session) bool {
	return ShouldAutoStop(s, p.cur.Load().cfg.AutoStop, p.now())
}

// ShouldAutoStop reports whether s has reached either threshold of policy as of now.
func ShouldAutoStop(s session.Session, policy AutoStop, now time.Time) bool {
	if policy.AfterMessages > 0 && s.ResponseCount >= policy.AfterMessages {
		return true
	}
	if policy.AfterHours > 0 {
		hours := now.Sub(s.FirstMessageAt()).Hours()
		if hours >= policy.AfterHours {
			return true
		}
	}
	return false
}

// ComplianceLevel grades a proposed action.
type ComplianceLevel int

const (
	Safe ComplianceLevel = iota
	LowRisk
	MediumRisk
	HighRisk
	Violation
)

func (l ComplianceLevel) String() string {
	switch l {
	case Safe:
		return "safe"
	case LowRisk:
		return "low_risk"
	case MediumRisk:
		return "medium_risk"
	case HighRisk:
		return "high_risk"
	case Violation:
		return "violation"
	default:
		return "unknown"
	}
}

// Action names what the bot is about to do.
type Action string

const ActionSendMessage Action = "send_message"

// ComplianceChecker is an external reviewer consulted before each send.
// A Violation result skips the send.
type ComplianceChecker interface {
	Check(ctx context.Context, action Action, data map[string]string) (ComplianceLevel, error)
}

// ComplianceFunc adapts a function to ComplianceChecker.
type ComplianceFunc func(ctx context.Context, action Action, data map[string]string) (ComplianceLevel, error)

// Check calls f.
func (f ComplianceFunc) Check(ctx context.Context, action Action, data map[string]string) (ComplianceLevel, error) {
	return f(ctx, action, data)
}
