package config

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Session: SessionConfig{
			MaxBlockers:              3,
			CheckpointInterval:       5,
			ImprovementMilestone:     10,
			MaxImprovementCycles:     3,
			MaxTasks:                 200,
			MaxDurationHours:         8,
			FeedbackRotationInterval: 25,
			TaskTimeoutMinutes:       30,
			StallThreshold:           5,
			StaleHeartbeatMinutes:    30,
			MaxImprovementTasks:      5,
			MaxNestingDepth:          2,
		},
		Worker: WorkerConfig{
			Type:                   "claude",
			BreakerThreshold:       5,
			BreakerCooldownSeconds: 30,
		},
		Storage: StorageConfig{
			Backend: "file",
			Dir:     DefaultStateDir,
		},
		Commit: CommitConfig{
			Enabled:    true,
			MaxRetries: 5,
		},
		LogLevel: "info",
	}
}
