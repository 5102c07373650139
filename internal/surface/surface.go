// Package surface defines the messaging surface the bot talks through:
// login, polling for inbound messages, sending replies, and shutdown.
// Platform implementations live in subpackages.
package surface

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNotConnected is returned by Poll and Send before Login succeeds.
	ErrNotConnected = errors.New("surface: not connected")
	// ErrLoginFailed wraps platform authentication failures.
	ErrLoginFailed = errors.New("surface: login failed")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("surface: closed")
)

// Surface is implemented by each messaging platform. Every method that talks
// to the platform enforces its own timeout through ctx.
type Surface interface {
	// Login authenticates and starts receiving messages.
	Login(ctx context.Context, creds Credentials) error

	// PollNewMessages returns at most max messages received since the last
	// poll, oldest first. It does not block waiting for new traffic.
	PollNewMessages(ctx context.Context, max int) ([]InboundMessage, error)

	// SendMessage delivers text to the conversation identified by sessionID.
	SendMessage(ctx context.Context, sessionID, text string) error

	// Close releases platform resources. It is safe to call more than once.
	Close() error
}

// Credentials identify the account the bot runs as.
type Credentials struct {
	Username string
	Password string
}

// InboundMessage is one message received from a peer.
type InboundMessage struct {
	SessionID string    // stable conversation id
	PeerName  string    // human-readable sender name
	Text      string    // raw message text
	Timestamp time.Time // when the peer sent it
}

// Queue buffers inbound messages between platform event handlers and the
// polling loop. The zero value is ready to use.
type Queue struct {
	mu   sync.Mutex
	msgs []InboundMessage
}

// Push appends msg.
func (q *Queue) Push(msg InboundMessage) {
	q.mu.Lock()
	q.msgs = append(q.msgs, msg)
	q.mu.Unlock()
}

// Drain removes and returns up to max of the oldest messages. max <= 0
// drains everything.
func (q *Queue) Drain(max int) []InboundMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.msgs)
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := make([]InboundMessage, n)
	copy(out, q.msgs[:n])
	q.msgs = append(q.msgs[:0], q.msgs[n:]...)
	return out
}

// Len returns the number of buffered messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}
