package config

// SessionConfig holds the limits and cadences of one session.
type SessionConfig struct {
	MaxBlockers                 int  `json:"max_blockers" yaml:"max_blockers" toml:"max_blockers"`                                                       // Failures before a task is auto-skipped
	CheckpointInterval          int  `json:"checkpoint_interval" yaml:"checkpoint_interval" toml:"checkpoint_interval"`                                  // Completions between commits
	ImprovementMilestone        int  `json:"improvement_milestone" yaml:"improvement_milestone" toml:"improvement_milestone"`                            // Completions between improvement cycles
	MaxImprovementCycles        int  `json:"max_improvement_cycles" yaml:"max_improvement_cycles" toml:"max_improvement_cycles"`                         // Session cap on improvement cycles
	MaxTasks                    int  `json:"max_tasks" yaml:"max_tasks" toml:"max_tasks"`                                                                // Hard dispatch cap
	MaxDurationHours            int  `json:"max_duration_hours" yaml:"max_duration_hours" toml:"max_duration_hours"`                                     // Wall-clock cap per run
	FeedbackRotationInterval    int  `json:"feedback_rotation_interval" yaml:"feedback_rotation_interval" toml:"feedback_rotation_interval"`             // Completions between log rotations
	TaskTimeoutMinutes          int  `json:"task_timeout_minutes" yaml:"task_timeout_minutes" toml:"task_timeout_minutes"`                               // Per-task dispatch timeout
	StallThreshold              int  `json:"stall_threshold" yaml:"stall_threshold" toml:"stall_threshold"`                                              // Consecutive failures before STALL
	StaleHeartbeatMinutes       int  `json:"stale_heartbeat_minutes" yaml:"stale_heartbeat_minutes" toml:"stale_heartbeat_minutes"`                      // Heartbeat age that marks a session dead
	MaxImprovementTasks         int  `json:"max_improvement_tasks" yaml:"max_improvement_tasks" toml:"max_improvement_tasks"`                            // Cap on tasks per improvement cycle
	MaxNestingDepth             int  `json:"max_nesting_depth" yaml:"max_nesting_depth" toml:"max_nesting_depth"`                                        // Cap on improvement-cycle nesting
	FinalCycleRequiresMilestone bool `json:"final_cycle_requires_milestone" yaml:"final_cycle_requires_milestone" toml:"final_cycle_requires_milestone"` // Skip the end-of-session cycle below the first milestone
}

// WorkerConfig selects the backend that executes tasks.
type WorkerConfig struct {
	// Type is the backend type: "claude" or "command".
	Type string `json:"type" yaml:"type" toml:"type"`

	// Command and Args are used by the "command" backend.
	Command string   `json:"command,omitempty" yaml:"command,omitempty" toml:"command,omitempty"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`

	Model        string `json:"model,omitempty" yaml:"model,omitempty" toml:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty" toml:"system_prompt,omitempty"`

	// WorkDir defaults to the current directory.
	WorkDir string `json:"work_dir,omitempty" yaml:"work_dir,omitempty" toml:"work_dir,omitempty"`

	BreakerThreshold       uint32 `json:"breaker_threshold" yaml:"breaker_threshold" toml:"breaker_threshold"`
	BreakerCooldownSeconds int    `json:"breaker_cooldown_seconds" yaml:"breaker_cooldown_seconds" toml:"breaker_cooldown_seconds"`
}

// StorageConfig selects where session snapshots live. A relative Dir
// resolves against the worker's work dir.
type StorageConfig struct {
	Backend string `json:"backend" yaml:"backend" toml:"backend"` // "file" or "sqlite"
	Dir     string `json:"dir" yaml:"dir" toml:"dir"`
}

// CommitConfig controls checkpoint commits. RepoPath defaults to the
// worker's work dir and the storage dir is always excluded from staging.
type CommitConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	RepoPath   string   `json:"repo_path,omitempty" yaml:"repo_path,omitempty" toml:"repo_path,omitempty"`
	MaxRetries int      `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	Exclude    []string `json:"exclude,omitempty" yaml:"exclude,omitempty" toml:"exclude,omitempty"`
}

// Config is the top-level configuration.
type Config struct {
	Session  SessionConfig `json:"session" yaml:"session" toml:"session"`
	Worker   WorkerConfig  `json:"worker" yaml:"worker" toml:"worker"`
	Storage  StorageConfig `json:"storage" yaml:"storage" toml:"storage"`
	Commit   CommitConfig  `json:"commit" yaml:"commit" toml:"commit"`
	LogLevel string        `json:"log_level" yaml:"log_level" toml:"log_level"` // debug, info, warn or error
}
