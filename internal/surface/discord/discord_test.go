package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/zulandar/switchboard/internal/surface"
)

// Compile-time interface checks.
var (
	_ surface.Surface = (*Surface)(nil)
	_ session         = (*discordgo.Session)(nil)
)

// --- Mock Discord session ---

type sentMessage struct {
	channelID string
	content   string
}

type mockSession struct {
	mu          sync.Mutex
	opened      bool
	closeCalled bool
	openErr     error
	closeErr    error
	sendErr     error
	failSends   int // leading sends that return 429
	sendCalls   int
	sent        []sentMessage
	handlers    []interface{}
	removeCount int
}

func newMockSession() *mockSession {
	return &mockSession{}
}

func (m *mockSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	m.opened = true
	return nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalled = true
	return m.closeErr
}

func (m *mockSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendCalls++
	if m.failSends > 0 {
		m.failSends--
		return nil, &discordgo.RESTError{Response: &http.Response{StatusCode: 429}}
	}
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, sentMessage{channelID: channelID, content: content})
	return &discordgo.Message{ID: "msg-123"}, nil
}

func (m *mockSession) AddHandler(handler interface{}) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.removeCount++
	}
}

// dispatch invokes every registered handler that accepts ev.
func (m *mockSession) dispatch(ev interface{}) {
	m.mu.Lock()
	hs := append([]interface{}(nil), m.handlers...)
	m.mu.Unlock()
	for _, h := range hs {
		switch fn := h.(type) {
		case func(*discordgo.Session, *discordgo.MessageCreate):
			if e, ok := ev.(*discordgo.MessageCreate); ok {
				fn(nil, e)
			}
		case func(*discordgo.Session, *discordgo.Ready):
			if e, ok := ev.(*discordgo.Ready); ok {
				fn(nil, e)
			}
		}
	}
}

func newTestSurface(t *testing.T) (*Surface, *mockSession) {
	t.Helper()
	sess := newMockSession()
	s, err := New(Opts{Session: sess})
	if err != nil {
		t.Fatalf("new surface: %v", err)
	}
	s.baseBackoff = time.Millisecond
	if err := s.Login(context.Background(), surface.Credentials{Username: "bot"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	s.SetBotUserID("BOT_USER_ID")
	return s, sess
}

func message(id, channel, author, text string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        id,
		ChannelID: channel,
		Content:   text,
		Author:    &discordgo.User{ID: author, Username: strings.ToLower(author)},
	}}
}

// --- New ---

func TestNew_RequiresBotToken(t *testing.T) {
	_, err := New(Opts{})
	if err == nil {
		t.Fatal("expected error for missing bot token")
	}
	if !strings.Contains(err.Error(), "bot token") {
		t.Errorf("error = %q, want to mention bot token", err.Error())
	}
}

func TestNew_WithBotToken(t *testing.T) {
	s, err := New(Opts{BotToken: "test-token"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s == nil {
		t.Fatal("expected non-nil surface")
	}
}

// --- Login ---

func TestLogin_OpensGateway(t *testing.T) {
	_, sess := newTestSurface(t)
	if !sess.opened {
		t.Error("expected session to be opened")
	}
	if len(sess.handlers) != 3 {
		t.Errorf("registered %d handlers, want 3", len(sess.handlers))
	}
}

func TestLogin_OpenErrorIsLoginFailed(t *testing.T) {
	sess := newMockSession()
	sess.openErr = fmt.Errorf("gateway error")

	s, _ := New(Opts{Session: sess})
	err := s.Login(context.Background(), surface.Credentials{})
	if !errors.Is(err, surface.ErrLoginFailed) {
		t.Fatalf("err = %v, want ErrLoginFailed", err)
	}
	if !strings.Contains(err.Error(), "open gateway") {
		t.Errorf("error = %q, want open gateway", err.Error())
	}
}

func TestLogin_Idempotent(t *testing.T) {
	s, sess := newTestSurface(t)
	if err := s.Login(context.Background(), surface.Credentials{}); err != nil {
		t.Fatalf("second login: %v", err)
	}
	if len(sess.handlers) != 3 {
		t.Errorf("handlers = %d after second login, want 3", len(sess.handlers))
	}
}

func TestLogin_AfterClose(t *testing.T) {
	s, _ := newTestSurface(t)
	_ = s.Close()
	if err := s.Login(context.Background(), surface.Credentials{}); !errors.Is(err, surface.ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestReadyHandler_SetsBotID(t *testing.T) {
	s, sess := newTestSurface(t)
	sess.dispatch(&discordgo.Ready{User: &discordgo.User{ID: "B2", Username: "bot"}})

	sess.dispatch(message("300", "C1", "B2", "from self"))
	if got, _ := s.PollNewMessages(context.Background(), 10); len(got) != 0 {
		t.Errorf("self message was buffered: %+v", got)
	}
}

// --- Poll ---

func TestPoll_NotConnected(t *testing.T) {
	s, _ := New(Opts{Session: newMockSession()})
	if _, err := s.PollNewMessages(context.Background(), 10); !errors.Is(err, surface.ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestPoll_ReturnsBufferedMessages(t *testing.T) {
	s, sess := newTestSurface(t)
	sess.dispatch(message("123456789012345678", "DM1", "U_ALICE", "hello"))
	sess.dispatch(message("123456789012345679", "DM2", "U_BOB", "hey"))

	msgs, err := s.PollNewMessages(context.Background(), 1)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("len = %d, want 1", len(msgs))
	}
	m := msgs[0]
	if m.SessionID != "DM1" || m.PeerName != "u_alice" || m.Text != "hello" {
		t.Errorf("msg = %+v", m)
	}
	if m.Timestamp.IsZero() {
		t.Error("expected timestamp from snowflake")
	}

	rest, _ := s.PollNewMessages(context.Background(), 10)
	if len(rest) != 1 || rest[0].SessionID != "DM2" {
		t.Errorf("rest = %+v", rest)
	}
}

func TestHandleMessage_Filters(t *testing.T) {
	s, _ := newTestSurface(t)

	s.handleMessage(&discordgo.MessageCreate{Message: &discordgo.Message{ID: "1", ChannelID: "C1"}})
	s.handleMessage(message("2", "C1", "BOT_USER_ID", "self"))
	bot := message("3", "C1", "OTHER_BOT", "other bot")
	bot.Author.Bot = true
	s.handleMessage(bot)
	s.handleMessage(message("4", "C1", "U_BOB", "human"))

	msgs, _ := s.PollNewMessages(context.Background(), 10)
	if len(msgs) != 1 || msgs[0].Text != "human" {
		t.Errorf("msgs = %+v, want only the human message", msgs)
	}
}

func TestHandleMessage_PrefersGlobalName(t *testing.T) {
	s, _ := newTestSurface(t)
	m := message("5", "C1", "U_CAROL", "hi")
	m.Author.GlobalName = "Carol"
	s.handleMessage(m)

	msgs, _ := s.PollNewMessages(context.Background(), 10)
	if len(msgs) != 1 || msgs[0].PeerName != "Carol" {
		t.Errorf("msgs = %+v, want PeerName Carol", msgs)
	}
}

// --- Send ---

func TestSend_Success(t *testing.T) {
	s, sess := newTestSurface(t)
	if err := s.SendMessage(context.Background(), "DM1", "reply"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(sess.sent) != 1 || sess.sent[0] != (sentMessage{channelID: "DM1", content: "reply"}) {
		t.Errorf("sent = %+v", sess.sent)
	}
}

func TestSend_NotConnected(t *testing.T) {
	s, _ := New(Opts{Session: newMockSession()})
	if err := s.SendMessage(context.Background(), "DM1", "x"); !errors.Is(err, surface.ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestSend_NoChannel(t *testing.T) {
	s, _ := newTestSurface(t)
	err := s.SendMessage(context.Background(), "", "x")
	if err == nil || !strings.Contains(err.Error(), "no channel") {
		t.Errorf("err = %v, want no channel", err)
	}
}

func TestSend_RetriesRateLimit(t *testing.T) {
	s, sess := newTestSurface(t)
	sess.failSends = 2

	if err := s.SendMessage(context.Background(), "DM1", "reply"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if sess.sendCalls != 3 {
		t.Errorf("sendCalls = %d, want 3", sess.sendCalls)
	}
}

func TestSend_GivesUpAfterMaxRetries(t *testing.T) {
	s, sess := newTestSurface(t)
	sess.failSends = maxRetries + 5

	err := s.SendMessage(context.Background(), "DM1", "reply")
	if err == nil {
		t.Fatal("expected error after retries exhausted")
	}
	if sess.sendCalls != maxRetries+1 {
		t.Errorf("sendCalls = %d, want %d", sess.sendCalls, maxRetries+1)
	}
}

func TestSend_OtherErrorNotRetried(t *testing.T) {
	s, sess := newTestSurface(t)
	sess.sendErr = fmt.Errorf("forbidden")

	if err := s.SendMessage(context.Background(), "DM1", "reply"); err == nil {
		t.Fatal("expected error")
	}
	if sess.sendCalls != 1 {
		t.Errorf("sendCalls = %d, want 1", sess.sendCalls)
	}
}

func TestRetryOnRateLimit_ContextCancelled(t *testing.T) {
	s, _ := newTestSurface(t)
	s.baseBackoff = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.retryOnRateLimit(ctx, func() error {
		return &discordgo.RESTError{Response: &http.Response{StatusCode: 429}}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

// --- Close ---

func TestClose_RemovesHandlersAndCloses(t *testing.T) {
	s, sess := newTestSurface(t)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !sess.closeCalled {
		t.Error("expected session Close")
	}
	if sess.removeCount != 3 {
		t.Errorf("removeCount = %d, want 3", sess.removeCount)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestClose_PropagatesError(t *testing.T) {
	s, sess := newTestSurface(t)
	sess.closeErr = fmt.Errorf("ws error")
	if err := s.Close(); err == nil || !strings.Contains(err.Error(), "discord: close") {
		t.Errorf("err = %v, want wrapped close error", err)
	}
}
