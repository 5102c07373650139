package surface

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SentMessage records one SendMessage call on a MockSurface.
type SentMessage struct {
	SessionID string
	Text      string
}

// MockSurface implements Surface for tests and dry runs. It records sends
// and lets callers inject inbound traffic with Enqueue.
type MockSurface struct {
	queue Queue

	mu         sync.Mutex
	loggedIn   bool
	closed     bool
	closeCount int
	creds      Credentials
	sent       []SentMessage
	pollCount  int

	// Injected failures. Set before use or via the setters below.
	loginErr error
	pollErr  error
	sendErr  error
	closeErr error
}

// NewMockSurface creates an empty MockSurface.
func NewMockSurface() *MockSurface {
	return &MockSurface{}
}

// Login records creds and marks the surface connected.
func (m *MockSurface) Login(ctx context.Context, creds Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.loginErr != nil {
		return fmt.Errorf("%w: %v", ErrLoginFailed, m.loginErr)
	}
	m.creds = creds
	m.loggedIn = true
	return nil
}

// PollNewMessages drains up to max queued messages.
func (m *MockSurface) PollNewMessages(ctx context.Context, max int) ([]InboundMessage, error) {
	m.mu.Lock()
	m.pollCount++
	if !m.loggedIn {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	if m.pollErr != nil {
		err := m.pollErr
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()
	return m.queue.Drain(max), nil
}

// SendMessage records the reply.
func (m *MockSurface) SendMessage(ctx context.Context, sessionID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loggedIn {
		return ErrNotConnected
	}
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, SentMessage{SessionID: sessionID, Text: text})
	return nil
}

// Close marks the surface closed.
func (m *MockSurface) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCount++
	if m.closed {
		return nil
	}
	m.closed = true
	m.loggedIn = false
	return m.closeErr
}

// --- Test helpers ---

// Enqueue adds inbound messages as if the platform had delivered them.
func (m *MockSurface) Enqueue(msgs ...InboundMessage) {
	for _, msg := range msgs {
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now()
		}
		m.queue.Push(msg)
	}
}

// SetLoginError makes the next Login fail with err.
func (m *MockSurface) SetLoginError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loginErr = err
}

// SetPollError makes PollNewMessages fail with err until cleared with nil.
func (m *MockSurface) SetPollError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollErr = err
}

// SetSendError makes SendMessage fail with err until cleared with nil.
func (m *MockSurface) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// SetCloseError makes Close return err.
func (m *MockSurface) SetCloseError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeErr = err
}

// Sent returns a copy of every recorded send.
func (m *MockSurface) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentCount returns the number of recorded sends.
func (m *MockSurface) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// PollCount returns how many times PollNewMessages was called.
func (m *MockSurface) PollCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pollCount
}

// CloseCount returns how many times Close was called.
func (m *MockSurface) CloseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCount
}

// Credentials returns what Login received.
func (m *MockSurface) Credentials() Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds
}

// Pending returns the number of queued inbound messages.
func (m *MockSurface) Pending() int {
	return m.queue.Len()
}
