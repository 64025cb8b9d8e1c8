package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAppliesRecordLogPragmas(t *testing.T) {
	ws := t.TempDir()
	conn, err := Open(Config{Workspace: ws, BusyTimeout: 250 * time.Millisecond, Synchronous: "full"})
	require.NoError(t, err)
	defer conn.Close()

	var mode string
	require.NoError(t, conn.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)
	var busy int
	require.NoError(t, conn.QueryRow(`PRAGMA busy_timeout`).Scan(&busy))
	assert.Equal(t, 250, busy)
	var sync int
	require.NoError(t, conn.QueryRow(`PRAGMA synchronous`).Scan(&sync))
	assert.Equal(t, 2, sync)

	assert.FileExists(t, filepath.Join(ws, ".flowkernel", "records.db"))
}

func TestOpenDefaults(t *testing.T) {
	conn, err := Open(Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	var busy, sync int
	require.NoError(t, conn.QueryRow(`PRAGMA busy_timeout`).Scan(&busy))
	require.NoError(t, conn.QueryRow(`PRAGMA synchronous`).Scan(&sync))
	assert.Equal(t, int(DefaultBusyTimeout.Milliseconds()), busy)
	assert.Equal(t, 1, sync)
}

func TestOpenRejectsBadSettings(t *testing.T) {
	_, err := Open(Config{Workspace: t.TempDir(), Synchronous: "sometimes"})
	assert.ErrorContains(t, err, "synchronous")
	_, err = Open(Config{Workspace: t.TempDir(), BusyTimeout: -time.Second})
	assert.ErrorContains(t, err, "busy timeout")
}
