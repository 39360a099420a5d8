// Package scriptexec runs an external platform driver as a subprocess.
//
// The driver is invoked as `<command> <args...> <verb>` where verb is
// "discover" or "perform". The request is written to stdin as JSON and the
// driver answers with JSON on stdout.
package scriptexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/cadence/internal/connectors"
	"github.com/fentz26/cadence/internal/models"
)

// ErrNotAllowed is returned when the configured command is not allowlisted.
var ErrNotAllowed = errors.New("command not allowed")

// Config configures the driver subprocess.
type Config struct {
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args"`
	WorkDir string        `yaml:"work_dir"`
	Timeout time.Duration `yaml:"timeout"`
	// Allowed lists the command base names that may be executed.
	Allowed []string `yaml:"allowed"`
}

// ScriptExec implements connectors.Executor over a subprocess.
type ScriptExec struct {
	cfg Config
}

// New creates a new ScriptExec. The command must be allowlisted.
func New(cfg Config) (*ScriptExec, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	s := &ScriptExec{cfg: cfg}
	if !s.IsAllowed(cfg.Command) {
		return nil, fmt.Errorf("%w: %q", ErrNotAllowed, cfg.Command)
	}
	return s, nil
}

// Name returns the executor identifier.
func (s *ScriptExec) Name() string {
	return "scriptexec"
}

// IsAllowed checks if cmd is in the allowlist.
func (s *ScriptExec) IsAllowed(cmd string) bool {
	if strings.TrimSpace(cmd) == "" {
		return false
	}
	base := filepath.Base(cmd)
	for _, allowed := range s.cfg.Allowed {
		if base == allowed || cmd == allowed {
			return true
		}
	}
	return false
}

// Discover runs the driver's discover verb.
func (s *ScriptExec) Discover(ctx context.Context, criteria models.TargetCriteria) ([]models.EntityDescriptor, error) {
	stdout, stderr, exitCode, err := s.run(ctx, "discover", criteria)
	if err != nil {
		return nil, err
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("discover exited %d: %s", exitCode, strings.TrimSpace(stderr))
	}
	var found []models.EntityDescriptor
	if err := json.Unmarshal(stdout, &found); err != nil {
		return nil, fmt.Errorf("decode discover output: %w", err)
	}
	return found, nil
}

// Perform runs the driver's perform verb. A non-zero exit or a timeout is
// reported as a failed result.
func (s *ScriptExec) Perform(ctx context.Context, req connectors.ActionRequest) (*connectors.ActionResult, error) {
	stdout, stderr, exitCode, err := s.run(ctx, "perform", req)
	if errors.Is(err, context.DeadlineExceeded) {
		return &connectors.ActionResult{Success: false, Detail: fmt.Sprintf("timed out after %s", s.cfg.Timeout)}, nil
	}
	if err != nil {
		return nil, err
	}
	if exitCode != 0 {
		return &connectors.ActionResult{Success: false, Detail: fmt.Sprintf("exit %d: %s", exitCode, strings.TrimSpace(stderr))}, nil
	}
	var res connectors.ActionResult
	if err := json.Unmarshal(stdout, &res); err != nil {
		return &connectors.ActionResult{Success: false, Detail: fmt.Sprintf("malformed driver output: %v", err)}, nil
	}
	return &res, nil
}

func (s *ScriptExec) run(ctx context.Context, verb string, payload any) ([]byte, string, int, error) {
	input, err := json.Marshal(payload)
	if err != nil {
		return nil, "", 0, fmt.Errorf("encode %s request: %w", verb, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	args := append(append([]string(nil), s.cfg.Args...), verb)
	cmd := exec.CommandContext(ctx, s.cfg.Command, args...)
	if s.cfg.WorkDir != "" {
		cmd.Dir = s.cfg.WorkDir
	}
	cmd.Stdin = bytes.NewReader(input)
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, stderr.String(), -1, ctx.Err()
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, "", 0, fmt.Errorf("exec error: %w", err)
		}
	}
	return stdout.Bytes(), stderr.String(), exitCode, nil
}

var _ connectors.Executor = (*ScriptExec)(nil)
