// Package discord implements surface.Surface on the Discord Gateway. Each
// DM or guild channel the bot can read is one conversation.
package discord

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-logr/logr"

	"github.com/zulandar/switchboard/internal/surface"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	AddHandler(handler interface{}) func()
}

// Surface implements surface.Surface for Discord.
type Surface struct {
	sess        session
	botToken    string
	log         logr.Logger
	queue       surface.Queue
	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu       sync.Mutex
	botID    string
	loggedIn bool
	closed   bool
	removers []func()
}

// Opts holds parameters for creating a Discord Surface.
type Opts struct {
	BotToken string
	Log      logr.Logger
	// For testing: inject a mock session instead of the real Discord API.
	Session session
}

// New creates a Discord Surface.
func New(opts Opts) (*Surface, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	log := opts.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Surface{
		sess:        opts.Session,
		botToken:    opts.BotToken,
		log:         log.WithName("discord"),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}, nil
}

// Login opens the Gateway connection. Discord bots authenticate with the
// token given to New; creds.Username is only logged.
func (s *Surface) Login(ctx context.Context, creds surface.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return surface.ErrClosed
	}
	if s.loggedIn {
		return nil
	}

	if s.sess == nil {
		dg, err := discordgo.New("Bot " + s.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentsMessageContent
		s.sess = dg
	}

	s.removers = append(s.removers,
		s.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
			s.mu.Lock()
			s.botID = r.User.ID
			s.mu.Unlock()
			s.log.Info("connected", "user", r.User.Username, "id", r.User.ID)
		}),
		s.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
			s.log.Info("gateway disconnected, discordgo will reconnect")
		}),
		s.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			s.handleMessage(m)
		}),
	)

	if err := s.sess.Open(); err != nil {
		return fmt.Errorf("%w: discord: open gateway: %v", surface.ErrLoginFailed, err)
	}
	s.loggedIn = true
	s.log.Info("logged in", "account", creds.Username)
	return nil
}

// PollNewMessages drains messages buffered by the gateway handler.
func (s *Surface) PollNewMessages(ctx context.Context, max int) ([]surface.InboundMessage, error) {
	s.mu.Lock()
	ok := s.loggedIn
	s.mu.Unlock()
	if !ok {
		return nil, surface.ErrNotConnected
	}
	return s.queue.Drain(max), nil
}

// SendMessage posts text to the channel whose id is sessionID.
func (s *Surface) SendMessage(ctx context.Context, sessionID, text string) error {
	s.mu.Lock()
	ok := s.loggedIn
	s.mu.Unlock()
	if !ok {
		return surface.ErrNotConnected
	}
	if sessionID == "" {
		return fmt.Errorf("discord: no channel specified")
	}

	err := s.retryOnRateLimit(ctx, func() error {
		_, sendErr := s.sess.ChannelMessageSend(sessionID, text)
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

// Close removes handlers and closes the gateway.
func (s *Surface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.loggedIn = false
	for _, remove := range s.removers {
		remove()
	}
	s.removers = nil
	if s.sess != nil {
		if err := s.sess.Close(); err != nil {
			return fmt.Errorf("discord: close: %w", err)
		}
	}
	return nil
}

// SetBotUserID sets the bot user ID used for self-message filtering.
func (s *Surface) SetBotUserID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.botID = id
}

// handleMessage buffers a Discord message as an InboundMessage.
func (s *Surface) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	s.mu.Lock()
	botID := s.botID
	s.mu.Unlock()
	if m.Author.ID == botID {
		return
	}

	ts, err := discordgo.SnowflakeTimestamp(m.ID)
	if err != nil {
		ts = time.Now()
	}
	name := m.Author.GlobalName
	if name == "" {
		name = m.Author.Username
	}
	s.queue.Push(surface.InboundMessage{
		SessionID: m.ChannelID,
		PeerName:  name,
		Text:      m.Content,
		Timestamp: ts,
	})
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (s *Surface) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var restErr *discordgo.RESTError
		if !errors.As(err, &restErr) || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * s.baseBackoff
		if wait > s.maxBackoff {
			wait = s.maxBackoff
		}
		s.log.Info("rate limited, retrying", "attempt", attempt+1, "max", maxRetries, "wait", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}
