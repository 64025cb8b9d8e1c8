// Package db opens the sqlite database that holds a workspace's record log.
package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	stateDir    = ".flowkernel"
	recordsFile = "records.db"

	DefaultBusyTimeout = 5 * time.Second
	DefaultSynchronous = "NORMAL"
)

// Config selects the workspace and how the record log is synced. Zero values
// use the defaults.
type Config struct {
	Workspace string
	// BusyTimeout bounds how long a writer waits on a lock held by another
	// process, such as the CLI reading the log of a running server.
	BusyTimeout time.Duration
	// Synchronous is the sqlite synchronous level: OFF, NORMAL, FULL or EXTRA.
	// NORMAL can lose the newest records on power loss, never corrupt the log.
	Synchronous string
}

var synchronousLevels = []string{"OFF", "NORMAL", "FULL", "EXTRA"}

// Validate checks the sync settings.
func (c Config) Validate() error {
	if c.BusyTimeout < 0 {
		return fmt.Errorf("busy timeout must not be negative")
	}
	if c.Synchronous == "" {
		return nil
	}
	for _, level := range synchronousLevels {
		if strings.EqualFold(c.Synchronous, level) {
			return nil
		}
	}
	return fmt.Errorf("synchronous must be one of %s, got %q", strings.Join(synchronousLevels, ", "), c.Synchronous)
}

// dsn enables WAL so readers never block the partition's single writer.
func (c Config) dsn() string {
	busy := c.BusyTimeout
	if busy == 0 {
		busy = DefaultBusyTimeout
	}
	sync := strings.ToUpper(c.Synchronous)
	if sync == "" {
		sync = DefaultSynchronous
	}
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", fmt.Sprintf("synchronous(%s)", sync))
	q.Add("_pragma", "foreign_keys(1)")
	return "file:" + Path(c.Workspace) + "?" + q.Encode()
}

// EnsureWorkspace creates the workspace state directory.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(orDot(workspace), stateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open opens the record database of cfg.Workspace.
func Open(cfg Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("record log: %w", err)
	}
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	return sql.Open("sqlite", cfg.dsn())
}

// Path returns the record database path of a workspace.
func Path(workspace string) string {
	return filepath.Join(orDot(workspace), stateDir, recordsFile)
}

func orDot(workspace string) string {
	if workspace == "" {
		return "."
	}
	return workspace
}
