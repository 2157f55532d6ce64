package backend

// Message represents a message sent to the backend.
type Message struct {
	Content string
	Role    string            // "user" or "system"
	Env     map[string]string // Extra environment for subprocess backends
}

// Response represents a response from the backend.
type Response struct {
	Content   string
	SessionID string
	Error     string
}

// Config defines the configuration for a backend.
type Config struct {
	Type         string // "claude" or "command"
	WorkDir      string
	SessionID    string
	Model        string
	SystemPrompt string

	// Command and Args are used by the "command" backend.
	Command string
	Args    []string
}
