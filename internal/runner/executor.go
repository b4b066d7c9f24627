// Package runner executes commands against a working tree with every staged
// change temporarily applied, restoring the tree afterwards.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/joss/fraude/internal/logging"
)

// ErrBlocked is returned when the guard refuses a command.
var ErrBlocked = errors.New("command blocked")

// Ledger is the part of the staged change store the runner needs.
type Ledger interface {
	ApplyAllTemporary() error
	RestoreAll() error
}

type directLedger struct{}

func (directLedger) ApplyAllTemporary() error { return nil }
func (directLedger) RestoreAll() error        { return nil }

// Direct is a ledger that materializes nothing. Commands run through it see
// only persisted content.
var Direct Ledger = directLedger{}

// Result contains the output of a command execution.
type Result struct {
	Command  string        `json:"command"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	Output   string        `json:"output"`
	Warning  string        `json:"warning,omitempty"`
}

// Passed reports a zero exit status.
func (r Result) Passed() bool { return r.ExitCode == 0 }

// Executor runs shell commands with staged changes materialized. Runs are
// serialized: the ledger holds a single materialization at a time.
type Executor struct {
	mu sync.Mutex

	ledger  Ledger
	guard   *Guard
	shell   string
	timeout time.Duration
	log     *logging.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithGuard replaces the default guard.
func WithGuard(g *Guard) ExecutorOption {
	return func(e *Executor) { e.guard = g }
}

// WithTimeout bounds each command run.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = d }
}

// WithShell sets the shell used to interpret commands.
func WithShell(shell string) ExecutorOption {
	return func(e *Executor) { e.shell = shell }
}

// NewExecutor creates an executor over ledger.
func NewExecutor(ledger Ledger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		ledger:  ledger,
		guard:   NewGuard(),
		shell:   "sh",
		timeout: 10 * time.Minute,
		log:     logging.New("runner"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run applies all staged changes, runs command in dir and restores the tree
// whatever the outcome. A non-zero exit status is reported in Result, not
// as an error.
func (e *Executor) Run(ctx context.Context, dir, command string) (res Result, err error) {
	res.Command = command

	verdict := e.guard.Analyze(command)
	switch verdict.Level {
	case RiskBlocked:
		e.log.Warn("command_blocked", map[string]any{"command": command, "reason": verdict.Reason}, nil)
		return res, fmt.Errorf("%w: %s", ErrBlocked, verdict.Reason)
	case RiskWarning:
		res.Warning = verdict.Reason
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ledger.ApplyAllTemporary(); err != nil {
		if rerr := e.ledger.RestoreAll(); rerr != nil {
			e.log.Error("restore_failed", nil, rerr)
		}
		return res, fmt.Errorf("materialize staged changes: %w", err)
	}
	defer func() {
		if rerr := e.ledger.RestoreAll(); rerr != nil {
			e.log.Error("restore_failed", nil, rerr)
			err = errors.Join(err, fmt.Errorf("restore staged changes: %w", rerr))
		}
	}()

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, e.shell, "-c", command)
	cmd.Dir = dir
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	runErr := cmd.Run()
	res.Duration = time.Since(start)
	res.Output = out.String()

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return res, fmt.Errorf("run %q: %w", command, runErr)
		}
		res.ExitCode = exitErr.ExitCode()
	}

	e.log.TimedEvent("command_finished", start, map[string]any{
		"command":   command,
		"exit_code": res.ExitCode,
	})
	return res, nil
}
