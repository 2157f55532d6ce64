// Package vcs records checkpoints of the working tree in git.
package vcs

import "time"

// RetryConfig controls retries of git commands that fail on a held index lock.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	MaxRetries      uint64 // Zero means bounded by MaxElapsedTime only
}

// DefaultRetryConfig returns the retry policy used when none is given.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsedTime:  15 * time.Second,
		MaxRetries:      5,
	}
}

// GitConfig configures a GitCommitter.
type GitConfig struct {
	RepoPath string   // Working tree to commit
	Exclude  []string // Paths relative to RepoPath that are never staged (e.g. the state directory)
	Author   string   // Optional "Name <email>" override
	Retry    RetryConfig
}

// Change is one entry of `git status --porcelain`.
type Change struct {
	Status string // Two-letter porcelain status, e.g. " M" or "??"
	Path   string
}
