// Package persistence stores session snapshots and task graphs durably so an
// interrupted session can be resumed.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/aristath/autopilot/internal/scheduler"
	"github.com/aristath/autopilot/internal/session"
)

// ErrNotFound is returned when no session has been persisted yet.
var ErrNotFound = errors.New("persistence: no saved session")

// Store persists the state and task graph owned by one execution loop.
// Every save fully replaces what was stored before.
type Store interface {
	SaveState(ctx context.Context, state *session.State) error
	LoadState(ctx context.Context) (*session.State, error)

	SaveTasks(ctx context.Context, tasks []*scheduler.Task) error
	LoadTasks(ctx context.Context) ([]*scheduler.Task, error)

	Close() error
}

// Backend names.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// SQLiteFile is the database file name used inside a state directory.
const SQLiteFile = "autopilot.db"

// Open returns the store for backend rooted at dir.
func Open(ctx context.Context, backend, dir string) (Store, error) {
	switch backend {
	case "", BackendFile:
		return NewFileStore(dir)
	case BackendSQLite:
		return NewSQLiteStore(ctx, filepath.Join(dir, SQLiteFile))
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
