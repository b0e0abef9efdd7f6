package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/me/zoneq/pkg/model"
)

// LocalExecutor runs a tool as a local OS process. The zone is written to
// the process's stdin as JSON and the tool name is passed in ZONEQ_TOOL.
// Stdout is decoded as a model.Result when it is JSON, otherwise it becomes
// the result content verbatim.
type LocalExecutor struct {
	logger  *slog.Logger
	workDir string
	command []string

	// PermanentFailCodes are exit codes that fail the zone without retry.
	// Any other non-zero exit is a recoverable tool error.
	PermanentFailCodes []int
}

// NewLocalExecutor creates a LocalExecutor running command in per-zone
// directories under workDir. If workDir is empty, os.TempDir() is used.
func NewLocalExecutor(command []string, workDir string, logger *slog.Logger) *LocalExecutor {
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &LocalExecutor{
		workDir: workDir,
		command: command,
		logger:  logger.With("component", "local-executor"),
	}
}

// Execute implements Executor.
func (e *LocalExecutor) Execute(ctx context.Context, zone model.Zone, tool string) (*model.Result, error) {
	if len(e.command) == 0 {
		return nil, model.NewExecutionError(model.ErrorTypeValidation, false, "local executor has no command")
	}
	zoneDir := filepath.Join(e.workDir, sanitize(zone.ID))
	if err := os.MkdirAll(zoneDir, 0o755); err != nil {
		return nil, model.NewExecutionError(model.ErrorTypeSystem, true, "zone %s: create work dir: %v", zone.ID, err)
	}

	input, err := json.Marshal(zone)
	if err != nil {
		return nil, model.NewExecutionError(model.ErrorTypeValidation, false, "zone %s: encode: %v", zone.ID, err)
	}

	cmd := exec.CommandContext(ctx, e.command[0], e.command[1:]...)
	cmd.Dir = zoneDir
	cmd.Env = append(os.Environ(), "ZONEQ_TOOL="+tool, "ZONEQ_ZONE_ID="+zone.ID)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		code := exitErr.ExitCode()
		e.logger.Debug("tool exited non-zero", "zone_id", zone.ID, "tool", tool, "exit_code", code)
		ee := model.NewExecutionError(model.ErrorTypeTool, !e.permanent(code),
			"tool %s exited %d: %s", tool, code, strings.TrimSpace(stderr.String()))
		ee.Tool = tool
		return nil, ee
	default:
		// Binary not found and similar: retrying cannot help.
		ee := model.NewExecutionError(model.ErrorTypeSystem, false, "run %s: %v", e.command[0], runErr)
		ee.Tool = tool
		return nil, ee
	}

	return decodeResult(stdout.Bytes()), nil
}

func (e *LocalExecutor) permanent(code int) bool {
	for _, c := range e.PermanentFailCodes {
		if c == code {
			return true
		}
	}
	return false
}

func decodeResult(out []byte) *model.Result {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var r model.Result
		if err := json.Unmarshal(trimmed, &r); err == nil {
			return &r
		}
	}
	return &model.Result{Content: string(out), Confidence: 1}
}

func sanitize(id string) string {
	if id == "" {
		return "_"
	}
	s := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' {
			return '_'
		}
		return r
	}, id)
	return strings.ReplaceAll(s, "..", "_")
}

// String describes the executor for logs.
func (e *LocalExecutor) String() string {
	return fmt.Sprintf("local(%s)", strings.Join(e.command, " "))
}
