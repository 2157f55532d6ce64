// Package feedback records per-task outcomes in an append-only log that is
// rotated into immutable numbered segments.
package feedback

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Outcome is the result of a dispatch as seen by the loop.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped" // Failure that exhausted the blocker budget
)

// Entry is one feedback record.
type Entry struct {
	ID           string    `json:"id"`
	TaskID       string    `json:"task_id"`
	Title        string    `json:"title,omitempty"`
	Outcome      Outcome   `json:"outcome"`
	Attempt      int       `json:"attempt"`
	DurationMS   int64     `json:"duration_ms"`
	Observations string    `json:"observations,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Duration returns the dispatch duration.
func (e Entry) Duration() time.Duration {
	return time.Duration(e.DurationMS) * time.Millisecond
}

const (
	// LogName is the active log file.
	LogName = "feedback.log"

	archivePattern = "feedback-batch-%04d.log"
	headerPrefix   = "# "
)

var archiveRe = regexp.MustCompile(`^feedback-batch-(\d+)\.log$`)

// Log is the feedback log for one execution loop.
type Log struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

// Open opens (or creates) the log in dir. A missing active log is created
// with just a header.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create feedback directory: %w", err)
	}
	l := &Log{dir: dir, now: time.Now}
	if _, err := os.Stat(l.Path()); errors.Is(err, fs.ErrNotExist) {
		if err := l.writeHeader(); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat feedback log: %w", err)
	}
	return l, nil
}

// Dir returns the directory holding the log and its archives.
func (l *Log) Dir() string {
	return l.dir
}

// Path returns the active log path.
func (l *Log) Path() string {
	return filepath.Join(l.dir, LogName)
}

func (l *Log) writeHeader() error {
	header := fmt.Sprintf("%sfeedback log started %s\n", headerPrefix, l.now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(l.Path(), []byte(header), 0644); err != nil {
		return fmt.Errorf("failed to write feedback header: %w", err)
	}
	return nil
}

// Append writes e as one JSON line and syncs it. ID and Timestamp are
// filled in when empty.
func (l *Log) Append(e Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}

	line, err := json.Marshal(e)
	if err != nil {
		return e, fmt.Errorf("failed to encode feedback entry: %w", err)
	}

	f, err := os.OpenFile(l.Path(), os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return e, fmt.Errorf("failed to open feedback log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return e, fmt.Errorf("failed to append feedback entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return e, fmt.Errorf("failed to sync feedback log: %w", err)
	}
	return e, nil
}

// Entries returns everything appended since the last rotation.
func (l *Log) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return readEntries(l.Path())
}

// Rotate archives the active log as the next numbered segment, makes it
// read-only and starts a fresh log with only a header. It returns the
// archive path.
func (l *Log) Rotate() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	nums, err := l.archiveNumbers()
	if err != nil {
		return "", err
	}
	next := 1
	if len(nums) > 0 {
		next = nums[len(nums)-1] + 1
	}

	archive := filepath.Join(l.dir, fmt.Sprintf(archivePattern, next))
	if _, err := os.Stat(archive); err == nil {
		return "", fmt.Errorf("feedback archive %s already exists", filepath.Base(archive))
	}
	if err := os.Rename(l.Path(), archive); err != nil {
		return "", fmt.Errorf("failed to archive feedback log: %w", err)
	}
	if err := os.Chmod(archive, 0444); err != nil {
		return "", fmt.Errorf("failed to make archive read-only: %w", err)
	}
	if err := l.writeHeader(); err != nil {
		return "", err
	}
	return archive, nil
}

// Archives lists archived segments, oldest first.
func (l *Log) Archives() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	nums, err := l.archiveNumbers()
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(nums))
	for _, n := range nums {
		paths = append(paths, filepath.Join(l.dir, fmt.Sprintf(archivePattern, n)))
	}
	return paths, nil
}

// Recent returns up to n of the newest entries, oldest first, reaching back
// into archives when the active log holds fewer than n.
func (l *Log) Recent(n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	entries, err := l.Entries()
	if err != nil {
		return nil, err
	}
	archives, err := l.Archives()
	if err != nil {
		return nil, err
	}
	for i := len(archives) - 1; i >= 0 && len(entries) < n; i-- {
		older, err := ReadArchive(archives[i])
		if err != nil {
			return nil, err
		}
		entries = append(older, entries...)
	}
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

// ReadArchive parses an archived segment.
func ReadArchive(path string) ([]Entry, error) {
	return readEntries(path)
}

func (l *Log) archiveNumbers() ([]int, error) {
	dirEntries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback directory: %w", err)
	}
	var nums []int
	for _, de := range dirEntries {
		m := archiveRe.FindStringSubmatch(de.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums, nil
}

func readEntries(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read feedback log: %w", err)
	}

	var entries []Entry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || bytes.HasPrefix(line, []byte("#")) {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("%s:%d: malformed feedback entry: %w", filepath.Base(path), lineNo, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan feedback log: %w", err)
	}
	return entries, nil
}
