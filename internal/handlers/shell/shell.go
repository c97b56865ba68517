package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"
)

const defaultMaxOutput = 64 << 10

// Shell runs one local command per task.
type Shell struct {
	// Dir is the working directory when the payload does not name one.
	Dir string
	// MaxOutputBytes caps the output kept in the result.
	MaxOutputBytes int
}

type Cmd struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Dir     string            `json:"dir"`
	Env     map[string]string `json:"env"`
	Timeout int               `json:"timeout"` // seconds
	// AllowFailure records a non-zero exit as a successful attempt.
	AllowFailure bool `json:"allow_failure"`
}

type Result struct {
	Output     string `json:"output"`
	Truncated  bool   `json:"truncated,omitempty"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
}

func (h Shell) Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var c Cmd
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, err
	}
	if c.Command == "" {
		return nil, fmt.Errorf("command is required")
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.Timeout)*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = h.Dir
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	if len(c.Env) > 0 {
		keys := make([]string, 0, len(c.Env))
		for k := range c.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		cmd.Env = os.Environ()
		for _, k := range keys {
			cmd.Env = append(cmd.Env, k+"="+c.Env[k])
		}
	}

	start := time.Now()
	out, err := cmd.CombinedOutput()
	res := Result{DurationMs: time.Since(start).Milliseconds()}
	res.Output, res.Truncated = h.clip(out)

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr) && c.AllowFailure && ctx.Err() == nil:
		res.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("shell error: %v; out=%s", err, res.Output)
	}
	return json.Marshal(res)
}

func (h Shell) clip(out []byte) (string, bool) {
	limit := h.MaxOutputBytes
	if limit <= 0 {
		limit = defaultMaxOutput
	}
	if len(out) > limit {
		return string(out[:limit]), true
	}
	return string(out), false
}
