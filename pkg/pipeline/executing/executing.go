// Package executing implements the Executing pipeline stage (spec §4.5):
// spawns the unit's external command with cwd = unit sandbox, redirects
// stdio, waits for exit, and sets target_state by exit code. Grounded on
// the pull/prepare/launch/monitor/finalize shape of
// pkg/worker/worker.go's executeContainer, generalized from container
// launch to arbitrary external-command execution plus an optional
// containerd-backed sandbox (containerd_backend.go).
package executing

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/radical-go/pilot/pkg/component"
	"github.com/radical-go/pilot/pkg/unit"
)

// Backend launches one unit's command and returns its exit code. Execution
// must honor ctx cancellation by terminating the underlying process
// (spec Scenario C: "the Executing component's external process is killed
// within 5s" of a cancel_unit).
type Backend interface {
	Run(ctx context.Context, u *unit.Unit) (exitCode int, err error)
}

// OSExecBackend runs the command directly via os/exec — the default backend.
type OSExecBackend struct {
	// KillGrace bounds how long a SIGTERM'd process gets before SIGKILL,
	// mirroring the supervisor's own soft-then-hard termination (spec §4.2).
	KillGrace time.Duration
}

func (b OSExecBackend) Run(ctx context.Context, u *unit.Unit) (int, error) {
	grace := b.KillGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}

	cmd := exec.Command(u.Description.Executable, u.Description.Arguments...)
	cmd.Dir = u.UnitSandbox
	for k, v := range u.Description.Environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if len(cmd.Env) > 0 {
		cmd.Env = append(os.Environ(), cmd.Env...)
	}

	if u.Description.Stdout != "" {
		f, err := os.Create(u.Description.Stdout)
		if err != nil {
			return -1, fmt.Errorf("executing: open stdout: %w", err)
		}
		defer f.Close()
		cmd.Stdout = f
	}
	if u.Description.Stderr != "" {
		f, err := os.Create(u.Description.Stderr)
		if err != nil {
			return -1, fmt.Errorf("executing: open stderr: %w", err)
		}
		defer f.Close()
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("executing: start: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return exitCodeOf(cmd, err), nil
	case <-ctx.Done():
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case err := <-done:
			return exitCodeOf(cmd, err), ctx.Err()
		case <-time.After(grace):
			_ = cmd.Process.Kill()
			<-done
			return -1, ctx.Err()
		}
	}
}

func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// Executing is a Component that runs each unit's command to completion.
type Executing struct {
	*component.Base

	Backend Backend

	// Cancels is consulted before running a pulled unit, so a unit
	// canceled while waiting in an earlier stage never starts its process
	// (spec §5).
	Cancels *unit.CancelRegistry

	mu       sync.Mutex
	current  string
	cancelFn context.CancelFunc
}

func New(base *component.Base, backend Backend) *Executing {
	if backend == nil {
		backend = OSExecBackend{}
	}
	return &Executing{Base: base, Backend: backend}
}

// CancelUnit implements the targeted side of cancel_unit (spec Scenario C):
// if uid is the unit currently executing, its run context is canceled,
// killing the external process within the backend's grace window while the
// rest of the pipeline keeps running. Otherwise the cancellation is only
// recorded, so the unit short-circuits to CANCELED if and when it does
// reach this stage.
func (e *Executing) CancelUnit(uid string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == uid && e.cancelFn != nil {
		e.cancelFn()
		return
	}
	if e.Cancels != nil {
		e.Cancels.Mark(uid)
	}
}

// Handle processes one pulled unit or bulk (spec §4.4, §4.5).
func (e *Executing) Handle(units []*unit.Unit) error {
	for _, u := range units {
		if unit.Ahead(u.State, unit.ExecutingPending) {
			if err := e.Advance([]*unit.Unit{u}, "", false, false, true); err != nil {
				return err
			}
			continue
		}

		if e.Cancels != nil && e.Cancels.Canceled(u.UID) {
			u.Cause = "canceled"
			u.PendingCancel = true
			if err := e.Advance([]*unit.Unit{u}, unit.Canceled, true, true, true); err != nil {
				return err
			}
			continue
		}

		if err := e.Advance([]*unit.Unit{u}, unit.Executing, true, false, false); err != nil {
			return err
		}

		runCtx, cancel := context.WithCancel(e.Context())
		e.mu.Lock()
		e.current = u.UID
		e.cancelFn = cancel
		e.mu.Unlock()

		code, err := e.Backend.Run(runCtx, u)
		canceled := runCtx.Err() != nil

		e.mu.Lock()
		e.current = ""
		e.cancelFn = nil
		e.mu.Unlock()
		cancel()

		u.ExitCode = &code

		switch {
		case err != nil && e.Context().Err() != nil:
			// The component's own termination latch fired mid-execution
			// (spec §7: in-flight units end up FAILED with cause=shutdown).
			u.TargetState = unit.Failed
			u.Cause = "shutdown"
			u.Error = err.Error()
			if aerr := e.Advance([]*unit.Unit{u}, unit.AgentStagingOutPending, true, true, true); aerr != nil {
				return aerr
			}
		case err != nil && canceled:
			// A targeted cancel_unit fired this unit's run context without
			// the component itself shutting down (spec Scenario C).
			u.Cause = "canceled"
			u.PendingCancel = true
			if aerr := e.Advance([]*unit.Unit{u}, unit.Canceled, true, true, true); aerr != nil {
				return aerr
			}
		case err != nil:
			// The backend could not run the command at all.
			u.TargetState = unit.Failed
			u.Error = err.Error()
			if aerr := e.Advance([]*unit.Unit{u}, unit.AgentStagingOutPending, true, true, true); aerr != nil {
				return aerr
			}
		case code == 0:
			u.TargetState = unit.Done
			if aerr := e.Advance([]*unit.Unit{u}, unit.AgentStagingOutPending, true, true, true); aerr != nil {
				return aerr
			}
		default:
			u.TargetState = unit.Failed
			u.Error = fmt.Sprintf("command exited with code %d", code)
			if aerr := e.Advance([]*unit.Unit{u}, unit.AgentStagingOutPending, true, true, true); aerr != nil {
				return aerr
			}
		}
	}
	return nil
}
