// Package slack implements surface.Surface on Slack Socket Mode. A
// conversation is a channel, or a thread within a channel.
package slack

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/zulandar/switchboard/internal/surface"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	GetUserInfo(userID string) (*slackapi.User, error)
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	RunContext(ctx context.Context) error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) RunContext(ctx context.Context) error { return r.client.RunContext(ctx) }
func (r *realSocketClient) EventsChan() chan socketmode.Event    { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Surface implements surface.Surface for Slack.
type Surface struct {
	client       slackClient
	socket       socketClient
	appToken     string
	botToken     string
	log          logr.Logger
	queue        surface.Queue
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	maxReconnect int

	mu        sync.Mutex
	botUserID string
	loggedIn  bool
	closed    bool
	cancel    context.CancelFunc
	names     map[string]string // user id -> display name
	wg        sync.WaitGroup
}

// Opts holds parameters for creating a Slack Surface.
type Opts struct {
	AppToken string // xapp-... app-level token for Socket Mode
	BotToken string // xoxb-... bot token
	Log      logr.Logger
	// For testing: inject mock clients instead of the real Slack API.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Surface.
func New(opts Opts) (*Surface, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}
	log := opts.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Surface{
		client:       opts.Client,
		socket:       opts.Socket,
		appToken:     opts.AppToken,
		botToken:     opts.BotToken,
		log:          log.WithName("slack"),
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		maxReconnect: maxReconnectAttempts,
		names:        make(map[string]string),
	}, nil
}

// Login verifies the bot token and starts the Socket Mode event pump.
func (s *Surface) Login(ctx context.Context, creds surface.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return surface.ErrClosed
	}
	if s.loggedIn {
		return nil
	}

	if s.client == nil {
		api := slackapi.New(s.botToken, slackapi.OptionAppLevelToken(s.appToken))
		s.client = api
		s.socket = &realSocketClient{client: socketmode.New(api)}
	}

	auth, err := s.client.AuthTest()
	if err != nil {
		return fmt.Errorf("%w: slack: auth test: %v", surface.ErrLoginFailed, err)
	}
	s.botUserID = auth.UserID

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.runWithReconnect(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.pumpEvents(runCtx)
	}()

	s.loggedIn = true
	s.log.Info("logged in", "account", creds.Username, "bot_user", auth.UserID)
	return nil
}

// PollNewMessages drains messages buffered by the event pump.
func (s *Surface) PollNewMessages(ctx context.Context, max int) ([]surface.InboundMessage, error) {
	s.mu.Lock()
	ok := s.loggedIn
	s.mu.Unlock()
	if !ok {
		return nil, surface.ErrNotConnected
	}
	return s.queue.Drain(max), nil
}

// SendMessage posts text to the channel, replying in the thread when
// sessionID carries one.
func (s *Surface) SendMessage(ctx context.Context, sessionID, text string) error {
	s.mu.Lock()
	ok := s.loggedIn
	s.mu.Unlock()
	if !ok {
		return surface.ErrNotConnected
	}

	channelID, threadTS := SplitSessionID(sessionID)
	if channelID == "" {
		return fmt.Errorf("slack: no channel specified")
	}
	options := []slackapi.MsgOption{slackapi.MsgOptionText(text, false)}
	if threadTS != "" {
		options = append(options, slackapi.MsgOptionTS(threadTS))
	}

	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := s.client.PostMessage(channelID, options...)
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

// Close stops the event pump and waits for it to exit.
func (s *Surface) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.loggedIn = false
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// SessionID joins a channel and optional thread timestamp.
func SessionID(channelID, threadTS string) string {
	if threadTS == "" {
		return channelID
	}
	return channelID + ":" + threadTS
}

// SplitSessionID is the inverse of SessionID.
func SplitSessionID(id string) (channelID, threadTS string) {
	channelID, threadTS, _ = strings.Cut(id, ":")
	return channelID, threadTS
}

// runWithReconnect runs the Socket Mode client and retries with exponential
// backoff when it returns an error.
func (s *Surface) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < s.maxReconnect; attempt++ {
		err := s.socket.RunContext(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * s.baseBackoff
		if wait > s.maxBackoff {
			wait = s.maxBackoff
		}
		s.log.Error(err, "socket mode disconnected, reconnecting", "attempt", attempt+1, "max", s.maxReconnect, "wait", wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	s.log.Info("socket mode reconnection attempts exhausted", "attempts", s.maxReconnect)
}

// pumpEvents reads Socket Mode events and buffers messages.
func (s *Surface) pumpEvents(ctx context.Context) {
	events := s.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			s.handleSocketEvent(evt)
		}
	}
}

// handleSocketEvent processes a single Socket Mode event.
func (s *Surface) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			s.socket.Ack(*evt.Request)
		}
		if eventsAPIEvent.Type != slackevents.CallbackEvent {
			return
		}
		switch ev := eventsAPIEvent.InnerEvent.Data.(type) {
		case *slackevents.MessageEvent:
			s.handleMessage(ev)
		case *slackevents.AppMentionEvent:
			s.handleAppMention(ev)
		}

	case socketmode.EventTypeConnected:
		s.log.Info("connected to socket mode")

	case socketmode.EventTypeConnectionError:
		s.log.Info("socket mode connection error", "data", evt.Data)

	case socketmode.EventTypeDisconnect:
		s.log.Info("server requested disconnect, will reconnect")
	}
}

func (s *Surface) handleMessage(ev *slackevents.MessageEvent) {
	if ev.User == s.botID() || ev.BotID != "" || ev.SubType != "" {
		return
	}
	s.queue.Push(surface.InboundMessage{
		SessionID: SessionID(ev.Channel, ev.ThreadTimeStamp),
		PeerName:  s.resolveUserName(ev.User),
		Text:      ev.Text,
		Timestamp: parseSlackTimestamp(ev.TimeStamp),
	})
}

func (s *Surface) handleAppMention(ev *slackevents.AppMentionEvent) {
	if ev.User == s.botID() {
		return
	}
	s.queue.Push(surface.InboundMessage{
		SessionID: SessionID(ev.Channel, ev.ThreadTimeStamp),
		PeerName:  s.resolveUserName(ev.User),
		Text:      ev.Text,
		Timestamp: parseSlackTimestamp(ev.TimeStamp),
	})
}

func (s *Surface) botID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.botUserID
}

// resolveUserName looks up a user's display name, caching the result.
// Falls back to the user ID.
func (s *Surface) resolveUserName(userID string) string {
	if userID == "" {
		return ""
	}
	s.mu.Lock()
	name, ok := s.names[userID]
	s.mu.Unlock()
	if ok {
		return name
	}

	name = userID
	if user, err := s.client.GetUserInfo(userID); err == nil {
		switch {
		case user.Profile.DisplayName != "":
			name = user.Profile.DisplayName
		case user.RealName != "":
			name = user.RealName
		}
		s.mu.Lock()
		s.names[userID] = name
		s.mu.Unlock()
	}
	return name
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
// It respects context cancellation and the RetryAfter duration from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}

// parseSlackTimestamp converts a Slack timestamp ("1234567890.123456") to a time.Time.
func parseSlackTimestamp(ts string) time.Time {
	secStr, fracStr, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var nsec int64
	if fracStr != "" {
		if len(fracStr) > 9 {
			fracStr = fracStr[:9]
		}
		fracStr += strings.Repeat("0", 9-len(fracStr))
		nsec, _ = strconv.ParseInt(fracStr, 10, 64)
	}
	return time.Unix(sec, nsec)
}
