package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

const claudeBinary = "claude"

// ClaudeAdapter runs tasks through the Claude Code CLI in print mode, one
// subprocess per message. Messages after the first resume the same CLI
// session, so a retried task sees what its earlier attempt did.
type ClaudeAdapter struct {
	binary       string
	sessionID    string
	workDir      string
	model        string
	systemPrompt string
	procMgr      *ProcessManager // Optional

	resume bool // Set once the CLI has accepted the session ID
}

// NewClaudeAdapter creates a Claude Code backend. A session ID is generated
// when cfg.SessionID is empty and the work dir defaults to the current one.
func NewClaudeAdapter(cfg Config, procMgr *ProcessManager) (*ClaudeAdapter, error) {
	a := &ClaudeAdapter{
		binary:       claudeBinary,
		sessionID:    cfg.SessionID,
		workDir:      cfg.WorkDir,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		procMgr:      procMgr,
	}
	if a.sessionID == "" {
		a.sessionID = uuid.NewString()
	}
	if a.workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		a.workDir = wd
	}
	return a, nil
}

func (a *ClaudeAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	cmd := newCommand(ctx, a.binary, a.buildArgs(msg, a.resume)...)
	cmd.Dir = a.workDir
	cmd.Env = mergeEnv(os.Environ(), msg.Env)

	stdout, stderr, err := executeCommand(ctx, cmd, a.procMgr)
	if err != nil {
		return Response{Error: fmt.Sprintf("claude command failed: %v", err)}, err
	}

	resp, err := parseClaudeResponse(stdout)
	if err != nil {
		if resp.Error == "" {
			resp.Error = fmt.Sprintf("unreadable claude output: %v (stderr: %s)", err, strings.TrimSpace(string(stderr)))
		}
		return resp, err
	}
	a.resume = true
	return resp, nil
}

// Close is a no-op; each Send owns its subprocess.
func (a *ClaudeAdapter) Close() error {
	return nil
}

func (a *ClaudeAdapter) SessionID() string {
	return a.sessionID
}

// buildArgs returns the CLI arguments for msg. The first call names the
// session with --session-id and later ones continue it with --resume.
func (a *ClaudeAdapter) buildArgs(msg Message, resume bool) []string {
	flag := "--session-id"
	if resume {
		flag = "--resume"
	}
	args := []string{"-p", msg.Content, "--output-format", "json", flag, a.sessionID}

	for _, opt := range [][2]string{
		{"--model", a.model},
		{"--system-prompt", a.systemPrompt},
	} {
		if opt[1] != "" {
			args = append(args, opt[0], opt[1])
		}
	}
	return args
}

// claudeOutput is the JSON document printed by `claude -p --output-format json`.
type claudeOutput struct {
	SessionID string       `json:"session_id"`
	IsError   bool         `json:"is_error"`
	Result    claudeResult `json:"result"`
}

// claudeResult is either a plain string or an object holding content
// blocks, depending on the CLI version. Only text blocks are kept.
type claudeResult string

func (r *claudeResult) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = claudeResult(s)
		return nil
	}

	var blocks struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("unexpected result shape: %w", err)
	}
	var b strings.Builder
	for _, block := range blocks.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	*r = claudeResult(b.String())
	return nil
}

// parseClaudeResponse decodes CLI output. An is_error document is returned
// as both Response.Error and an error.
func parseClaudeResponse(data []byte) (Response, error) {
	var out claudeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return Response{}, fmt.Errorf("decoding claude output: %w", err)
	}

	resp := Response{Content: string(out.Result), SessionID: out.SessionID}
	if out.IsError {
		resp.Error = resp.Content
		return resp, fmt.Errorf("claude reported an error: %s", resp.Content)
	}
	return resp, nil
}
