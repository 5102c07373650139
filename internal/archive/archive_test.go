package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/session"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Open(config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "archive.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })
	require.NoError(t, db.AutoMigrate(gdb))
	return gdb
}

func TestNewRecorder(t *testing.T) {
	_, err := NewRecorder(nil, "mock")
	require.Error(t, err)

	r, err := NewRecorder(testDB(t), "mock")
	require.NoError(t, err)
	_, err = uuid.Parse(r.RunID())
	assert.NoError(t, err, "run id should be a uuid")
}

func TestRecorder_RunLifecycle(t *testing.T) {
	gdb := testDB(t)
	r, err := NewRecorder(gdb, "discord")
	require.NoError(t, err)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, r.StartRun(ctx, start))
	require.NoError(t, r.FinishRun(ctx, RunSummary{
		FinalState:   "stopped",
		MessagesRead: 10,
		MessagesSent: 7,
		Errors:       1,
		Runtime:      90 * time.Second,
	}))

	runs, err := Runs(gdb, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	got := runs[0]
	assert.Equal(t, r.RunID(), got.RunID)
	assert.Equal(t, "discord", got.Platform)
	assert.Equal(t, "stopped", got.FinalState)
	assert.EqualValues(t, 10, got.MessagesRead)
	assert.EqualValues(t, 7, got.MessagesSent)
	assert.EqualValues(t, 1, got.Errors)
	assert.InDelta(t, 90.0, got.RuntimeSeconds, 0.001)
	assert.NotNil(t, got.StoppedAt)
}

func TestRecorder_FinishWithoutStart(t *testing.T) {
	r, err := NewRecorder(testDB(t), "mock")
	require.NoError(t, err)

	err = r.FinishRun(context.Background(), RunSummary{FinalState: "stopped"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")
}

func TestRecorder_RecordMessageAndHistory(t *testing.T) {
	gdb := testDB(t)
	r, err := NewRecorder(gdb, "mock")
	require.NoError(t, err)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, r.RecordMessage(ctx, "c1", "Alice", session.Inbound, "hello", base))
	require.NoError(t, r.RecordMessage(ctx, "c1", "Alice", session.Outbound, "hi Alice", base.Add(time.Second)))
	require.NoError(t, r.RecordMessage(ctx, "c2", "Bob", session.Inbound, "yo", base.Add(2*time.Second)))
	require.NoError(t, r.RecordMessage(ctx, "c1", "Alice", session.Inbound, "how are you?", base.Add(3*time.Second)))

	all, err := History(gdb, "c1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"hello", "hi Alice", "how are you?"}, []string{all[0].Content, all[1].Content, all[2].Content})
	assert.Equal(t, "outbound", all[1].Direction)
	assert.Equal(t, r.RunID(), all[0].RunID)

	last, err := History(gdb, "c1", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "hi Alice", last[0].Content)
	assert.Equal(t, "how are you?", last[1].Content)

	_, err = History(gdb, "", 1)
	assert.Error(t, err)

	var count int64
	require.NoError(t, gdb.Model(&models.ArchivedMessage{}).Count(&count).Error)
	assert.EqualValues(t, 4, count)
}

func TestRuns_NewestFirst(t *testing.T) {
	gdb := testDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 3; i++ {
		r, err := NewRecorder(gdb, "mock")
		require.NoError(t, err)
		require.NoError(t, r.StartRun(ctx, base.Add(time.Duration(i)*time.Hour)))
		ids = append(ids, r.RunID())
	}

	runs, err := Runs(gdb, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, ids[2], runs[0].RunID)
	assert.Equal(t, ids[1], runs[1].RunID)
}
