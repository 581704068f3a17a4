// Package supervisor implements the Supervisor (spec §4.2): spawning and
// reaping processes and in-process workers, watching their liveness, and
// running the disciplined termination cascade.
//
// Grounded on test/framework/process.go's SIGTERM-then-timeout-then-SIGKILL
// shutdown sequence and on the termination-cascade design documented in
// _examples/original_source/docs/architecture/component_termination_4.py
// (the two-latch approach: a thread-termination latch observed by in-process
// workers and a process-termination latch observed by child processes,
// avoiding signal-as-exception injection entirely).
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Handle is anything the Supervisor can watch, join and terminate.
type Handle interface {
	ID() string
	// Poll returns nil while alive, the death cause otherwise (spec §4.1/§4.2).
	Poll() error
	// terminate is invoked by the cascade; soft indicates a first, graceful
	// attempt (SIGTERM / context cancel); a second, hard call follows on
	// timeout (SIGKILL). terminate must not block.
	terminate(soft bool)
	// wait blocks until the handle exits or the deadline elapses.
	wait(deadline time.Time) error
}

// ProcessDescriptor describes an OS process to spawn with inherited fabric
// addresses (spec §4.2).
type ProcessDescriptor struct {
	Name string
	Path string
	Args []string
	Env  []string
}

// WorkerDescriptor describes an in-process scheduling unit.
type WorkerDescriptor struct {
	Name string
	Run  func(ctx context.Context) error
}

// ProcessHandle wraps an OS subprocess.
type ProcessHandle struct {
	name   string
	cmd    *exec.Cmd
	doneCh chan error
	mu     sync.Mutex
	err    error
	exited bool
}

func (h *ProcessHandle) ID() string { return h.name }

func (h *ProcessHandle) Poll() error {
	h.mu.Lock()
	if h.exited {
		defer h.mu.Unlock()
		if h.err == nil {
			return fmt.Errorf("supervisor: process %s exited", h.name)
		}
		return h.err
	}
	h.mu.Unlock()

	select {
	case err := <-h.doneCh:
		h.mu.Lock()
		h.exited, h.err = true, err
		h.mu.Unlock()
		if err == nil {
			return fmt.Errorf("supervisor: process %s exited", h.name)
		}
		return err
	default:
		return nil
	}
}

func (h *ProcessHandle) terminate(soft bool) {
	if h.cmd.Process == nil {
		return
	}
	if soft {
		_ = h.cmd.Process.Signal(syscall.SIGTERM)
	} else {
		_ = h.cmd.Process.Signal(syscall.SIGKILL)
	}
}

func (h *ProcessHandle) wait(deadline time.Time) error {
	h.mu.Lock()
	already := h.exited
	h.mu.Unlock()
	if already {
		return nil
	}
	select {
	case err := <-h.doneCh:
		h.mu.Lock()
		h.exited, h.err = true, err
		h.mu.Unlock()
		return nil
	case <-time.After(time.Until(deadline)):
		return fmt.Errorf("supervisor: process %s: wait timed out", h.name)
	}
}

// WorkerHandle wraps an in-process goroutine.
type WorkerHandle struct {
	name   string
	cancel context.CancelFunc
	doneCh chan error
	mu     sync.Mutex
	err    error
	exited bool
}

func (h *WorkerHandle) ID() string { return h.name }

func (h *WorkerHandle) Poll() error {
	h.mu.Lock()
	if h.exited {
		defer h.mu.Unlock()
		if h.err == nil {
			return fmt.Errorf("supervisor: worker %s exited", h.name)
		}
		return h.err
	}
	h.mu.Unlock()

	select {
	case err := <-h.doneCh:
		h.mu.Lock()
		h.exited, h.err = true, err
		h.mu.Unlock()
		if err == nil {
			return fmt.Errorf("supervisor: worker %s exited", h.name)
		}
		return err
	default:
		return nil
	}
}

func (h *WorkerHandle) terminate(soft bool) {
	// Go offers no async-exception injection (forbidden by spec §4.2
	// regardless); cancellation is always the same cooperative signal.
	h.cancel()
}

func (h *WorkerHandle) wait(deadline time.Time) error {
	h.mu.Lock()
	already := h.exited
	h.mu.Unlock()
	if already {
		return nil
	}
	select {
	case err := <-h.doneCh:
		h.mu.Lock()
		h.exited, h.err = true, err
		h.mu.Unlock()
		return nil
	case <-time.After(time.Until(deadline)):
		return fmt.Errorf("supervisor: worker %s: wait timed out", h.name)
	}
}

// Supervisor spawns, watches and terminates a set of handles.
type Supervisor struct {
	logger zerolog.Logger

	mu       sync.Mutex
	handles  []Handle
	watching map[string]Handle

	watcherStop chan struct{}
	watcherStopOnce sync.Once
	watcherWg   sync.WaitGroup
	onDeath     func(Handle, error)

	terminateOnce sync.Once
	terminateErr  error
}

// New constructs a Supervisor. onDeath, if non-nil, is invoked from the
// liveness watcher the first time a watched handle's Poll() returns non-nil
// (spec §4.3 "first observed death triggers controlled shutdown").
func New(logger zerolog.Logger, onDeath func(Handle, error)) *Supervisor {
	return &Supervisor{
		logger:      logger,
		watching:    make(map[string]Handle),
		watcherStop: make(chan struct{}),
		onDeath:     onDeath,
	}
}

// SpawnProcess starts desc and waits for aliveCh to fire within
// startupTimeout (default 60s per spec §4.2); on timeout the child is killed
// and the call fails.
func (s *Supervisor) SpawnProcess(desc ProcessDescriptor, aliveCh <-chan struct{}, startupTimeout time.Duration) (*ProcessHandle, error) {
	if startupTimeout <= 0 {
		startupTimeout = 60 * time.Second
	}
	cmd := exec.Command(desc.Path, desc.Args...)
	cmd.Env = append(os.Environ(), desc.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: spawn process %s: %w", desc.Name, err)
	}

	h := &ProcessHandle{name: desc.Name, cmd: cmd, doneCh: make(chan error, 1)}
	go func() { h.doneCh <- cmd.Wait() }()

	select {
	case <-aliveCh:
	case err := <-h.doneCh:
		return nil, fmt.Errorf("supervisor: process %s exited before signaling alive: %w", desc.Name, err)
	case <-time.After(startupTimeout):
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("supervisor: process %s failed to signal alive within %s", desc.Name, startupTimeout)
	}

	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()
	return h, nil
}

// SpawnWorker starts an in-process scheduling unit running desc.Run until it
// returns or ctx is canceled by the termination cascade.
func (s *Supervisor) SpawnWorker(parent context.Context, desc WorkerDescriptor) *WorkerHandle {
	ctx, cancel := context.WithCancel(parent)
	h := &WorkerHandle{name: desc.Name, cancel: cancel, doneCh: make(chan error, 1)}
	go func() { h.doneCh <- desc.Run(ctx) }()

	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()
	return h
}

// Watch adds handle to the watched set. A background Watcher polls every
// watched handle at pollInterval (default 100ms per spec §4.2).
func (s *Supervisor) Watch(h Handle, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	s.mu.Lock()
	s.watching[h.ID()] = h
	s.mu.Unlock()

	s.watcherWg.Add(1)
	go s.watchOne(h, pollInterval)
}

func (s *Supervisor) watchOne(h Handle, interval time.Duration) {
	defer s.watcherWg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.watcherStop:
			return
		case <-ticker.C:
			if err := h.Poll(); err != nil {
				s.logger.Warn().Str("handle", h.ID()).Err(err).Msg("watched handle died")
				if s.onDeath != nil {
					s.onDeath(h, err)
				}
				return
			}
		}
	}
}

// TerminateAll runs the cascade described in spec §4.2 against every spawned
// handle, bounded by timeout. The Supervisor has no notion of tree depth and
// applies timeout as given; the Controller passes its own timeout undivided.
func (s *Supervisor) TerminateAll(timeout time.Duration) error {
	s.terminateOnce.Do(func() {
		s.terminateErr = s.terminateAllOnce(timeout)
	})
	return s.terminateErr
}

func (s *Supervisor) terminateAllOnce(timeout time.Duration) error {
	s.watcherStopOnce.Do(func() { close(s.watcherStop) })
	s.watcherWg.Wait()

	s.mu.Lock()
	handles := append([]Handle(nil), s.handles...)
	s.mu.Unlock()

	if len(handles) == 0 {
		return nil
	}

	deadline := time.Now().Add(timeout)
	for _, h := range handles {
		h.terminate(true) // soft: cancel context / SIGTERM
	}

	var pending []Handle
	for _, h := range handles {
		if err := h.wait(deadline); err != nil {
			pending = append(pending, h)
		}
	}

	if len(pending) == 0 {
		return nil
	}

	// Grace window for hard termination (spec §4.2 steps 3-4).
	grace := timeout / 4
	if grace < time.Second {
		grace = time.Second
	}
	hardDeadline := time.Now().Add(grace)
	for _, h := range pending {
		h.terminate(false) // hard: SIGKILL
	}
	var failed []string
	for _, h := range pending {
		if err := h.wait(hardDeadline); err != nil {
			failed = append(failed, h.ID())
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("supervisor: handles failed to terminate: %v", failed)
	}
	return nil
}
