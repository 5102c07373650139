package slack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/zulandar/switchboard/internal/surface"
)

// Compile-time interface checks.
var (
	_ surface.Surface = (*Surface)(nil)
	_ slackClient     = (*slackapi.Client)(nil)
)

// --- Mocks ---

type postedMessage struct {
	channelID string
	options   int
}

type mockClient struct {
	mu        sync.Mutex
	authErr   error
	posted    []postedMessage
	postErr   error
	rateLimit int // leading posts that return RateLimitedError
	postCalls int
	users     map[string]*slackapi.User
	userCalls int
}

func newMockClient() *mockClient {
	return &mockClient{users: make(map[string]*slackapi.User)}
}

func (m *mockClient) AuthTest() (*slackapi.AuthTestResponse, error) {
	if m.authErr != nil {
		return nil, m.authErr
	}
	return &slackapi.AuthTestResponse{UserID: "BOT_USER_ID"}, nil
}

func (m *mockClient) PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.postCalls++
	if m.rateLimit > 0 {
		m.rateLimit--
		return "", "", &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
	}
	if m.postErr != nil {
		return "", "", m.postErr
	}
	m.posted = append(m.posted, postedMessage{channelID: channelID, options: len(options)})
	return channelID, "1234.5678", nil
}

func (m *mockClient) GetUserInfo(userID string) (*slackapi.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userCalls++
	if u, ok := m.users[userID]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user_not_found")
}

type mockSocket struct {
	events chan socketmode.Event
	mu     sync.Mutex
	acks   int
	runs   int
}

func newMockSocket() *mockSocket {
	return &mockSocket{events: make(chan socketmode.Event, 10)}
}

func (m *mockSocket) RunContext(ctx context.Context) error {
	m.mu.Lock()
	m.runs++
	m.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (m *mockSocket) EventsChan() chan socketmode.Event { return m.events }

func (m *mockSocket) Ack(req socketmode.Request, payload ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks++
}

func newTestSurface(t *testing.T) (*Surface, *mockClient, *mockSocket) {
	t.Helper()
	client := newMockClient()
	socket := newMockSocket()
	s, err := New(Opts{Client: client, Socket: socket})
	if err != nil {
		t.Fatalf("new surface: %v", err)
	}
	if err := s.Login(context.Background(), surface.Credentials{Username: "bot"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, client, socket
}

func messageEvent(ev *slackevents.MessageEvent) socketmode.Event {
	return socketmode.Event{
		Type: socketmode.EventTypeEventsAPI,
		Data: slackevents.EventsAPIEvent{
			Type:       slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{Data: ev},
		},
		Request: &socketmode.Request{EnvelopeID: "env-1"},
	}
}

// pollUntil polls until n messages have arrived or the deadline passes.
func pollUntil(t *testing.T, s *Surface, n int) []surface.InboundMessage {
	t.Helper()
	var got []surface.InboundMessage
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < n && time.Now().Before(deadline) {
		msgs, err := s.PollNewMessages(context.Background(), 10)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		got = append(got, msgs...)
		if len(got) < n {
			time.Sleep(5 * time.Millisecond)
		}
	}
	if len(got) < n {
		t.Fatalf("got %d messages, want %d", len(got), n)
	}
	return got
}

// --- New ---

func TestNew_RequiresBotToken(t *testing.T) {
	_, err := New(Opts{AppToken: "xapp"})
	if err == nil || !strings.Contains(err.Error(), "bot token") {
		t.Errorf("err = %v, want bot token error", err)
	}
}

func TestNew_RequiresAppToken(t *testing.T) {
	_, err := New(Opts{BotToken: "xoxb"})
	if err == nil || !strings.Contains(err.Error(), "app token") {
		t.Errorf("err = %v, want app token error", err)
	}
}

// --- Login ---

func TestLogin_AuthFailure(t *testing.T) {
	client := newMockClient()
	client.authErr = fmt.Errorf("invalid_auth")
	s, _ := New(Opts{Client: client, Socket: newMockSocket()})

	err := s.Login(context.Background(), surface.Credentials{})
	if !errors.Is(err, surface.ErrLoginFailed) {
		t.Fatalf("err = %v, want ErrLoginFailed", err)
	}
	if _, err := s.PollNewMessages(context.Background(), 1); !errors.Is(err, surface.ErrNotConnected) {
		t.Errorf("poll after failed login: err = %v, want ErrNotConnected", err)
	}
}

func TestLogin_StartsSocket(t *testing.T) {
	_, _, socket := newTestSurface(t)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		socket.mu.Lock()
		runs := socket.runs
		socket.mu.Unlock()
		if runs == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("socket mode was not started")
}

// --- Inbound ---

func TestPoll_ChannelMessage(t *testing.T) {
	s, client, socket := newTestSurface(t)
	client.users["U_ALICE"] = &slackapi.User{RealName: "Alice Smith", Profile: slackapi.UserProfile{DisplayName: "alice"}}

	socket.events <- messageEvent(&slackevents.MessageEvent{
		User:      "U_ALICE",
		Channel:   "C1",
		Text:      "hello",
		TimeStamp: "1700000000.250000",
	})

	msgs := pollUntil(t, s, 1)
	m := msgs[0]
	if m.SessionID != "C1" || m.PeerName != "alice" || m.Text != "hello" {
		t.Errorf("msg = %+v", m)
	}
	if want := time.Unix(1700000000, 250000000); !m.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", m.Timestamp, want)
	}
	socket.mu.Lock()
	acks := socket.acks
	socket.mu.Unlock()
	if acks != 1 {
		t.Errorf("acks = %d, want 1", acks)
	}
}

func TestPoll_ThreadedMessageSessionID(t *testing.T) {
	s, _, socket := newTestSurface(t)
	socket.events <- messageEvent(&slackevents.MessageEvent{
		User:            "U_BOB",
		Channel:         "C1",
		ThreadTimeStamp: "1700000000.000100",
		Text:            "in thread",
	})

	msgs := pollUntil(t, s, 1)
	if msgs[0].SessionID != "C1:1700000000.000100" {
		t.Errorf("SessionID = %q", msgs[0].SessionID)
	}
	if msgs[0].PeerName != "U_BOB" {
		t.Errorf("PeerName = %q, want fallback to user id", msgs[0].PeerName)
	}
}

func TestHandleMessage_Filters(t *testing.T) {
	s, _, _ := newTestSurface(t)

	s.handleMessage(&slackevents.MessageEvent{User: "BOT_USER_ID", Channel: "C1", Text: "self"})
	s.handleMessage(&slackevents.MessageEvent{User: "U1", BotID: "B1", Channel: "C1", Text: "bot"})
	s.handleMessage(&slackevents.MessageEvent{User: "U1", SubType: "message_changed", Channel: "C1", Text: "edit"})
	s.handleMessage(&slackevents.MessageEvent{User: "U1", Channel: "C1", Text: "human"})

	msgs, _ := s.PollNewMessages(context.Background(), 10)
	if len(msgs) != 1 || msgs[0].Text != "human" {
		t.Errorf("msgs = %+v, want only the human message", msgs)
	}
}

func TestResolveUserName_Cached(t *testing.T) {
	s, client, _ := newTestSurface(t)
	client.users["U1"] = &slackapi.User{RealName: "Real Name"}

	for i := 0; i < 3; i++ {
		if got := s.resolveUserName("U1"); got != "Real Name" {
			t.Errorf("resolveUserName = %q, want Real Name", got)
		}
	}
	if client.userCalls != 1 {
		t.Errorf("userCalls = %d, want 1", client.userCalls)
	}
}

// --- Send ---

func TestSend_ChannelAndThread(t *testing.T) {
	s, client, _ := newTestSurface(t)

	if err := s.SendMessage(context.Background(), "C1", "top level"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := s.SendMessage(context.Background(), "C1:1700.1", "threaded"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(client.posted) != 2 {
		t.Fatalf("posted = %d, want 2", len(client.posted))
	}
	if client.posted[0].options != 1 || client.posted[1].options != 2 {
		t.Errorf("options = %d/%d, want 1/2 (thread adds MsgOptionTS)", client.posted[0].options, client.posted[1].options)
	}
}

func TestSend_RetriesRateLimit(t *testing.T) {
	s, client, _ := newTestSurface(t)
	client.rateLimit = 2

	if err := s.SendMessage(context.Background(), "C1", "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if client.postCalls != 3 {
		t.Errorf("postCalls = %d, want 3", client.postCalls)
	}
}

func TestSend_NonRateLimitError(t *testing.T) {
	s, client, _ := newTestSurface(t)
	client.postErr = fmt.Errorf("channel_not_found")

	err := s.SendMessage(context.Background(), "C1", "hi")
	if err == nil || !strings.Contains(err.Error(), "slack: post message") {
		t.Errorf("err = %v", err)
	}
	if client.postCalls != 1 {
		t.Errorf("postCalls = %d, want 1", client.postCalls)
	}
}

func TestSend_NotConnected(t *testing.T) {
	s, _ := New(Opts{Client: newMockClient(), Socket: newMockSocket()})
	if err := s.SendMessage(context.Background(), "C1", "x"); !errors.Is(err, surface.ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

// --- Close ---

func TestClose_StopsPumpAndIsIdempotent(t *testing.T) {
	s, _, _ := newTestSurface(t)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := s.Login(context.Background(), surface.Credentials{}); !errors.Is(err, surface.ErrClosed) {
		t.Errorf("login after close: err = %v, want ErrClosed", err)
	}
}

// --- Helpers ---

func TestSessionIDRoundTrip(t *testing.T) {
	tests := []struct {
		channel, thread, id string
	}{
		{"C1", "", "C1"},
		{"C1", "1700.01", "C1:1700.01"},
	}
	for _, tt := range tests {
		if got := SessionID(tt.channel, tt.thread); got != tt.id {
			t.Errorf("SessionID(%q, %q) = %q, want %q", tt.channel, tt.thread, got, tt.id)
		}
		c, th := SplitSessionID(tt.id)
		if c != tt.channel || th != tt.thread {
			t.Errorf("SplitSessionID(%q) = %q, %q", tt.id, c, th)
		}
	}
}

func TestParseSlackTimestamp(t *testing.T) {
	if got := parseSlackTimestamp("garbage"); !got.IsZero() {
		t.Errorf("garbage -> %v, want zero", got)
	}
	if got := parseSlackTimestamp("1700000000"); !got.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("whole seconds -> %v", got)
	}
}
