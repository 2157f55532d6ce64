package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/aristath/autopilot/internal/scheduler"
	"github.com/aristath/autopilot/internal/session"
)

const (
	stateFile = "state.json"
	tasksFile = "tasks.json"
)

// FileStore keeps state.json and tasks.json in a directory. Writes go to a
// temporary file in the same directory which is synced and renamed over the
// target, so a reader never observes a partial snapshot.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory holding the snapshot files.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) SaveState(ctx context.Context, state *session.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.writeJSON(stateFile, state)
}

func (s *FileStore) LoadState(ctx context.Context) (*session.State, error) {
	var state session.State
	if err := s.readJSON(stateFile, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *FileStore) SaveTasks(ctx context.Context, tasks []*scheduler.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tasks == nil {
		tasks = []*scheduler.Task{}
	}
	return s.writeJSON(tasksFile, tasks)
}

func (s *FileStore) LoadTasks(ctx context.Context) ([]*scheduler.Task, error) {
	var tasks []*scheduler.Task
	if err := s.readJSON(tasksFile, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Close is a no-op; every write is already durable.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) readJSON(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return nil
}

func (s *FileStore) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	return WriteFileAtomic(filepath.Join(s.dir, name), append(data, '\n'), 0644)
}

// WriteFileAtomic writes data to path via a synced temporary file and rename.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}

	// Persist the rename itself. Some filesystems refuse fsync on
	// directories, which is not worth failing the write over.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
