// Package responder builds reply text for inbound messages. A reply comes
// from the AI completer or from keyword and template tables, chosen by a
// weighted coin; invalid AI output falls back to templates.
package responder

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/jellydator/ttlcache/v3"

	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/metrics"
	"github.com/zulandar/switchboard/internal/session"
)

// ErrNoResponse is returned when no source could produce a reply.
var ErrNoResponse = errors.New("responder: no response available")

// ErrInvalidResponse wraps the reason a candidate reply was rejected.
var ErrInvalidResponse = errors.New("responder: invalid response")

const systemPrompt = "You are replying to a chat conversation. Keep replies short, friendly, and conversational. Never ask for personal or financial details."

// Config holds the response tables and validation limits.
type Config struct {
	TemplateWeight float64 // probability of using templates over AI
	Templates      []string
	Keywords       map[string]string // keyword -> reply, matched case-insensitively
	Fallbacks      []string
	MinLength      int
	MaxLength      int
	Disallowed     []string
	HistoryWindow  int
}

// FromConfig converts the response section of the config file.
func FromConfig(rc config.ResponseConfig) Config {
	keywords := make(map[string]string, len(rc.Keywords))
	for k, v := range rc.Keywords {
		keywords[strings.ToLower(k)] = v
	}
	return Config{
		TemplateWeight: rc.TemplateWeight,
		Templates:      append([]string(nil), rc.Templates...),
		Keywords:       keywords,
		Fallbacks:      append([]string(nil), rc.Fallbacks...),
		MinLength:      rc.MinLength,
		MaxLength:      rc.MaxLength,
		Disallowed:     append([]string(nil), rc.Disallowed...),
		HistoryWindow:  rc.HistoryWindow,
	}
}

// compiled is an immutable view of Config with lookups precomputed.
type compiled struct {
	cfg         Config
	keywords    map[string]string
	keywordKeys []string // sorted, longest first
	disallowed  []string // lowercased
}

func compile(cfg Config) *compiled {
	c := &compiled{cfg: cfg, keywords: make(map[string]string, len(cfg.Keywords))}
	for k, v := range cfg.Keywords {
		if k == "" {
			continue
		}
		k = strings.ToLower(k)
		if _, dup := c.keywords[k]; !dup {
			c.keywordKeys = append(c.keywordKeys, k)
		}
		c.keywords[k] = v
	}
	sort.Slice(c.keywordKeys, func(i, j int) bool {
		a, b := c.keywordKeys[i], c.keywordKeys[j]
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a < b
	})
	for _, d := range cfg.Disallowed {
		if d != "" {
			c.disallowed = append(c.disallowed, strings.ToLower(d))
		}
	}
	return c
}

// Responder implements the bot's response generator.
type Responder struct {
	completer Completer
	cache     *ttlcache.Cache[string, string]
	rand      func() float64
	metrics   *metrics.Metrics
	log       logr.Logger
	cfg       atomic.Pointer[compiled]
}

// Opts holds parameters for creating a Responder.
type Opts struct {
	Config Config
	// Completer is optional; without one every reply comes from templates.
	Completer Completer
	// CacheTTL bounds how long an AI reply is reused for an identical prompt.
	// Zero disables the cache.
	CacheTTL time.Duration
	Rand     func() float64
	Metrics  *metrics.Metrics // optional
	Log      logr.Logger
}

// New creates a Responder.
func New(opts Opts) (*Responder, error) {
	if len(opts.Config.Templates) == 0 && len(opts.Config.Fallbacks) == 0 && opts.Completer == nil {
		return nil, fmt.Errorf("responder: templates, fallbacks, or a completer are required")
	}
	log := opts.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	r := &Responder{
		completer: opts.Completer,
		rand:      rnd,
		metrics:   opts.Metrics,
		log:       log.WithName("responder"),
	}
	if opts.CacheTTL > 0 {
		r.cache = ttlcache.New(
			ttlcache.WithTTL[string, string](opts.CacheTTL),
			ttlcache.WithCapacity[string, string](1024),
		)
	}
	r.cfg.Store(compile(opts.Config))
	return r, nil
}

// Update swaps the response tables atomically.
func (r *Responder) Update(cfg Config) {
	r.cfg.Store(compile(cfg))
}

// Config returns the current response tables.
func (r *Responder) Config() Config {
	return r.cfg.Load().cfg
}

// Generate returns a reply to inbound within the context of s. AI failures
// are logged and answered from templates; an error is returned only when
// nothing can produce a reply.
func (r *Responder) Generate(ctx context.Context, s session.Session, inbound string) (string, error) {
	c := r.cfg.Load()

	if r.completer != nil && r.rand() >= c.cfg.TemplateWeight {
		text, err := r.generateAI(ctx, c, s, inbound)
		if err == nil {
			r.metrics.RecordReply("ai")
			return text, nil
		}
		r.log.Info("AI response unusable, using templates", "session", s.ID, "error", err.Error())
	}

	if text, source := r.templateReply(c, s, inbound); text != "" {
		r.metrics.RecordReply(source)
		return text, nil
	}
	return "", ErrNoResponse
}

// Fallback returns a canned reply, or "" when none are configured.
func (r *Responder) Fallback() string {
	return r.pick(r.cfg.Load().cfg.Fallbacks)
}

// Validate reports whether text is acceptable to send.
func (r *Responder) Validate(text string) error {
	return validate(r.cfg.Load(), text)
}

func validate(c *compiled, text string) error {
	text = strings.TrimSpace(text)
	if len(text) < c.cfg.MinLength || text == "" {
		return fmt.Errorf("%w: shorter than %d characters", ErrInvalidResponse, c.cfg.MinLength)
	}
	if c.cfg.MaxLength > 0 && len(text) > c.cfg.MaxLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidResponse, c.cfg.MaxLength)
	}
	lower := strings.ToLower(text)
	for _, d := range c.disallowed {
		if strings.Contains(lower, d) {
			return fmt.Errorf("%w: contains %q", ErrInvalidResponse, d)
		}
	}
	return nil
}

func (r *Responder) generateAI(ctx context.Context, c *compiled, s session.Session, inbound string) (string, error) {
	prompt := buildPrompt(s, inbound, c.cfg.HistoryWindow)
	key := promptKey(prompt)

	if r.cache != nil {
		if item := r.cache.Get(key); item != nil {
			r.metrics.RecordCacheHit()
			return item.Value(), nil
		}
	}

	text, err := r.completer.Complete(ctx, prompt)
	if err != nil {
		r.metrics.RecordCompletion("error")
		return "", err
	}
	text = strings.TrimSpace(text)
	if err := validate(c, text); err != nil {
		r.metrics.RecordCompletion("invalid")
		return "", err
	}
	r.metrics.RecordCompletion("ok")
	if r.cache != nil {
		r.cache.Set(key, text, ttlcache.DefaultTTL)
	}
	return text, nil
}

// templateReply tries keywords, then templates, then fallbacks. It returns
// the reply and which of the three produced it.
func (r *Responder) templateReply(c *compiled, s session.Session, inbound string) (string, string) {
	lower := strings.ToLower(inbound)
	for _, k := range c.keywordKeys {
		if strings.Contains(lower, k) {
			return fill(c.keywords[k], s), "keyword"
		}
	}
	if t := r.pick(c.cfg.Templates); t != "" {
		return fill(t, s), "template"
	}
	if f := r.pick(c.cfg.Fallbacks); f != "" {
		return fill(f, s), "fallback"
	}
	return "", ""
}

func (r *Responder) pick(options []string) string {
	if len(options) == 0 {
		return ""
	}
	i := int(r.rand() * float64(len(options)))
	if i >= len(options) {
		i = len(options) - 1
	}
	if i < 0 {
		i = 0
	}
	return options[i]
}

// fill substitutes the {name} placeholder with the peer's name.
func fill(text string, s session.Session) string {
	name := s.PeerName
	if name == "" {
		name = "there"
	}
	return strings.ReplaceAll(text, "{name}", name)
}

// buildPrompt maps the last window messages of s to chat turns, appending
// inbound when it is not already the newest message.
func buildPrompt(s session.Session, inbound string, window int) []ChatMessage {
	if window <= 0 {
		window = 5
	}
	prompt := []ChatMessage{{Role: "system", Content: systemPrompt}}
	recent := s.Recent(window)
	for _, m := range recent {
		role := "user"
		if m.Direction == session.Outbound {
			role = "assistant"
		}
		prompt = append(prompt, ChatMessage{Role: role, Content: m.Text})
	}
	if n := len(recent); n == 0 || recent[n-1].Direction != session.Inbound || recent[n-1].Text != inbound {
		prompt = append(prompt, ChatMessage{Role: "user", Content: inbound})
	}
	return prompt
}

func promptKey(prompt []ChatMessage) string {
	var b strings.Builder
	for _, m := range prompt {
		b.WriteString(m.Role)
		b.WriteByte(0)
		b.WriteString(m.Content)
		b.WriteByte(0)
	}
	return b.String()
}
