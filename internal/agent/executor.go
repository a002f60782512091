package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/dyluth/warren/pkg/queue"
)

const (
	// toolExecutionTimeout is the maximum time an external tool can run
	// before being killed
	toolExecutionTimeout = 5 * time.Minute

	// maxOutputSize is the maximum number of bytes to read from tool
	// stdout/stderr (10MB)
	maxOutputSize = 10 * 1024 * 1024
)

// ToolInput is the JSON structure passed to an external tool via stdin.
type ToolInput struct {
	TaskID     string         `json:"task_id"`
	Capability string         `json:"capability"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	Attempt    int            `json:"attempt"`
	Data       map[string]any `json:"data"`
}

// CommandHandler wraps an external command as a task handler. The task is
// serialized to JSON on the tool's stdin; the tool's stdout must be a JSON
// object, which becomes the result payload. Non-zero exit, timeout, or
// unparseable output fail the task so it retries.
func CommandHandler(command []string) Handler {
	return func(ctx context.Context, task *queue.Task) (map[string]any, error) {
		if len(command) == 0 {
			return nil, fmt.Errorf("command array is empty")
		}

		input := ToolInput{
			TaskID:     task.TaskID,
			Capability: task.Capability,
			WorkflowID: task.WorkflowID,
			Attempt:    task.Attempts + 1,
			Data:       task.Data,
		}
		inputJSON, err := json.Marshal(input)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal tool input: %w", err)
		}

		stdout, stderr, err := runTool(ctx, command, inputJSON)
		if err != nil {
			if len(stderr) > 0 {
				return nil, fmt.Errorf("%w: stderr=%s", err, truncate(string(stderr), 200))
			}
			return nil, err
		}

		var payload map[string]any
		if err := json.Unmarshal(stdout, &payload); err != nil {
			return nil, fmt.Errorf("failed to parse tool output as JSON object: %w (stdout=%s)",
				err, truncate(string(stdout), 200))
		}
		return payload, nil
	}
}

// runTool executes the command with the input on stdin, enforcing the
// execution timeout and output size limits.
func runTool(ctx context.Context, command []string, input []byte) ([]byte, []byte, error) {
	execCtx, cancel := context.WithTimeout(ctx, toolExecutionTimeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, command[0], command[1:]...)

	stdoutBuf := &bytes.Buffer{}
	stderrBuf := &bytes.Buffer{}
	cmd.Stdout = &limitedWriter{w: stdoutBuf, limit: maxOutputSize}
	cmd.Stderr = &limitedWriter{w: stderrBuf, limit: maxOutputSize}
	cmd.Stdin = bytes.NewReader(input)

	if err := cmd.Run(); err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return stdoutBuf.Bytes(), stderrBuf.Bytes(),
				fmt.Errorf("tool timed out after %v", toolExecutionTimeout)
		}
		return stdoutBuf.Bytes(), stderrBuf.Bytes(), fmt.Errorf("tool execution failed: %w", err)
	}

	return stdoutBuf.Bytes(), stderrBuf.Bytes(), nil
}

// limitedWriter caps the bytes written to the underlying writer; writes past
// the limit are dropped rather than failing the process.
type limitedWriter struct {
	w     io.Writer
	limit int
	n     int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.n >= lw.limit {
		return len(p), nil
	}
	remaining := lw.limit - lw.n
	if len(p) > remaining {
		if _, err := lw.w.Write(p[:remaining]); err != nil {
			return 0, err
		}
		lw.n = lw.limit
		return len(p), nil
	}
	n, err := lw.w.Write(p)
	lw.n += n
	return n, err
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
