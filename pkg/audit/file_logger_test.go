package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLoggerWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewFileLogger(FileLoggerConfig{BasePath: dir})
	require.NoError(t, err)
	defer logger.Close()

	ts := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, logger.Log(context.Background(),
			testEvent(fmt.Sprintf("e%d", i), EventTokenIssued, ts, "u1")))
	}

	events, err := logger.ReadLogs(0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "e0", events[0].ID)
	assert.Equal(t, EventTokenIssued, events[0].EventType)
	assert.Equal(t, "u1", events[0].UserID())
	assert.True(t, ts.Equal(events[0].Timestamp))

	limited, err := logger.ReadLogs(2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestFileLoggerRotation(t *testing.T) {
	dir := t.TempDir()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	logger, err := NewFileLogger(FileLoggerConfig{
		BasePath: dir,
		Rotate:   true,
		MaxSize:  150,
		MaxFiles: 2,
		Clock:    clock,
	})
	require.NoError(t, err)
	defer logger.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, logger.Log(context.Background(),
			testEvent(fmt.Sprintf("event-%02d", i), EventLoginFailed, clock.Now(), "someone")))
	}

	rotated, err := filepath.Glob(filepath.Join(dir, "audit-*.log"))
	require.NoError(t, err)
	assert.Len(t, rotated, 2, "old rotated files are pruned")

	_, err = os.Stat(filepath.Join(dir, "audit.log"))
	assert.NoError(t, err)
}

func TestFileLoggerClosed(t *testing.T) {
	logger, err := NewFileLogger(FileLoggerConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())

	err = logger.Log(context.Background(), testEvent("x", EventLogout, time.Now(), ""))
	assert.Error(t, err)
}
