package backend

import (
	"context"
	"fmt"
)

// Backend types accepted by New.
const (
	TypeClaude  = "claude"
	TypeCommand = "command"
)

// Backend defines the interface that all backend adapters must implement.
type Backend interface {
	// Send sends a message to the backend and returns the response.
	Send(ctx context.Context, msg Message) (Response, error)

	// Close releases any resources held by the adapter.
	Close() error

	// SessionID returns the current session identifier.
	SessionID() string
}

// New creates a new backend based on the provided configuration.
func New(cfg Config, pm *ProcessManager) (Backend, error) {
	switch cfg.Type {
	case TypeClaude:
		return NewClaudeAdapter(cfg, pm)
	case TypeCommand:
		return NewCommandAdapter(cfg, pm)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
