package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry() (*Registry, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewRegistry(RegistryOpts{Now: clk.Now}), clk
}

func TestGetOrCreate_CreatesOnce(t *testing.T) {
	r, _ := newTestRegistry()

	s := r.GetOrCreate("c1", "alice")
	assert.Equal(t, "c1", s.ID)
	assert.Equal(t, "alice", s.PeerName)
	assert.True(t, s.Active)
	assert.Empty(t, s.Messages)

	again := r.GetOrCreate("c1", "someone-else")
	assert.Equal(t, "alice", again.PeerName, "existing session keeps its peer name")
	assert.Equal(t, 1, r.Len())
}

func TestGetOrCreate_ConcurrentSameID(t *testing.T) {
	r, _ := newTestRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.GetOrCreate("shared", "bob")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, r.Len())
}

func TestRecordInbound_UnknownSession(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.RecordInbound("missing", "hi", time.Now())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRecordMessages_OrderAndCounts(t *testing.T) {
	r, clk := newTestRegistry()
	r.GetOrCreate("c1", "alice")

	ts := clk.Now()
	_, err := r.RecordInbound("c1", "hello", ts)
	require.NoError(t, err)
	clk.Advance(time.Minute)
	s, err := r.RecordOutbound("c1", "hi there", ts.Add(time.Minute))
	require.NoError(t, err)

	require.Len(t, s.Messages, 2)
	assert.Equal(t, Inbound, s.Messages[0].Direction)
	assert.Equal(t, Outbound, s.Messages[1].Direction)
	assert.Equal(t, 1, s.ResponseCount)
	assert.Equal(t, clk.Now(), s.LastActivity)
}

func TestRecordOutbound_InactiveRejected(t *testing.T) {
	r, _ := newTestRegistry()
	r.GetOrCreate("c1", "alice")
	require.NoError(t, r.Deactivate("c1"))

	s, err := r.RecordOutbound("c1", "one more", time.Now())
	require.ErrorIs(t, err, ErrInactive)
	assert.Zero(t, s.ResponseCount)
	assert.Empty(t, s.Messages)
}

func TestSnapshot_IsCopy(t *testing.T) {
	r, _ := newTestRegistry()
	r.GetOrCreate("c1", "alice")
	s, err := r.RecordInbound("c1", "original", time.Now())
	require.NoError(t, err)

	s.Messages[0].Text = "tampered"

	got, ok := r.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "original", got.Messages[0].Text)
}

func TestRecord_ConcurrentSameSessionKeepsCallOrder(t *testing.T) {
	r, _ := newTestRegistry()
	r.GetOrCreate("c1", "alice")

	// Each goroutine's appends must appear in its own call order even when
	// interleaved with other writers on the same session.
	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				text := fmt.Sprintf("%d:%d", w, i)
				if i%2 == 0 {
					_, _ = r.RecordInbound("c1", text, time.Now())
				} else {
					_, _ = r.RecordOutbound("c1", text, time.Now())
				}
			}
		}(w)
	}
	wg.Wait()

	s, _ := r.Get("c1")
	require.Len(t, s.Messages, writers*perWriter)

	next := make(map[int]int)
	for _, m := range s.Messages {
		var w, i int
		_, err := fmt.Sscanf(m.Text, "%d:%d", &w, &i)
		require.NoError(t, err)
		assert.Equal(t, next[w], i, "writer %d out of order", w)
		next[w] = i + 1
	}
	assert.Equal(t, writers*(perWriter/2), s.ResponseCount)
}

func TestSweepExpired(t *testing.T) {
	r, clk := newTestRegistry()
	r.GetOrCreate("old-b", "b")
	r.GetOrCreate("old-a", "a")

	clk.Advance(23 * time.Hour)
	r.GetOrCreate("fresh", "c")

	clk.Advance(2 * time.Hour)
	removed := r.SweepExpired(24 * time.Hour)
	assert.Equal(t, []string{"old-a", "old-b"}, removed)
	assert.Equal(t, 1, r.Len())

	assert.Empty(t, r.SweepExpired(24*time.Hour), "second sweep with no activity is a no-op")
	assert.Equal(t, 1, r.Len())
}

func TestSweepExpired_ActivityKeepsSessionAlive(t *testing.T) {
	r, clk := newTestRegistry()
	r.GetOrCreate("c1", "alice")

	clk.Advance(20 * time.Hour)
	_, err := r.RecordInbound("c1", "still here", clk.Now())
	require.NoError(t, err)

	clk.Advance(20 * time.Hour)
	assert.Empty(t, r.SweepExpired(24*time.Hour))
}

func TestSnapshot_SortedAndActiveCount(t *testing.T) {
	r, _ := newTestRegistry()
	for _, id := range []string{"c3", "c1", "c2"} {
		r.GetOrCreate(id, id)
	}
	require.NoError(t, r.Deactivate("c2"))

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "c1", snap[0].ID)
	assert.Equal(t, "c3", snap[2].ID)
	assert.Equal(t, 2, r.ActiveCount())
}

func TestSession_Recent(t *testing.T) {
	s := Session{Messages: []Message{{Text: "a"}, {Text: "b"}, {Text: "c"}}}
	assert.Len(t, s.Recent(2), 2)
	assert.Equal(t, "b", s.Recent(2)[0].Text)
	assert.Len(t, s.Recent(10), 3)
	assert.Len(t, s.Recent(0), 3)
}
