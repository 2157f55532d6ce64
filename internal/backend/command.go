package backend

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// CommandAdapter runs an arbitrary executable once per message. The message
// content is passed on stdin and in AUTOPILOT_PROMPT, and Message.Env is
// added to the environment. Exit status 0 is success; stdout becomes the
// response content.
type CommandAdapter struct {
	sessionID string
	workDir   string
	command   string
	args      []string
	procMgr   *ProcessManager
}

// NewCommandAdapter creates a command backend. cfg.Command is required.
func NewCommandAdapter(cfg Config, procMgr *ProcessManager) (*CommandAdapter, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("command backend requires a command")
	}

	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	return &CommandAdapter{
		sessionID: sessionID,
		workDir:   cfg.WorkDir,
		command:   cfg.Command,
		args:      append([]string(nil), cfg.Args...),
		procMgr:   procMgr,
	}, nil
}

func (a *CommandAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	cmd := newCommand(ctx, a.command, a.args...)
	cmd.Dir = a.workDir
	cmd.Stdin = strings.NewReader(msg.Content)

	env := map[string]string{
		"AUTOPILOT_SESSION_ID": a.sessionID,
		"AUTOPILOT_PROMPT":     msg.Content,
	}
	for k, v := range msg.Env {
		env[k] = v
	}
	cmd.Env = mergeEnv(os.Environ(), env)

	stdout, _, err := executeCommand(ctx, cmd, a.procMgr)
	resp := Response{
		Content:   strings.TrimSpace(string(stdout)),
		SessionID: a.sessionID,
	}
	if err != nil {
		resp.Error = err.Error()
		return resp, err
	}
	return resp, nil
}

// Close is a no-op; each Send owns its subprocess.
func (a *CommandAdapter) Close() error {
	return nil
}

func (a *CommandAdapter) SessionID() string {
	return a.sessionID
}

// mergeEnv returns base with extra applied on top. Keys in extra replace
// existing entries; the result is deterministic.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}

	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, override := extra[key]; override {
			continue
		}
		out = append(out, kv)
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}
