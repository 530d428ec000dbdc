// Package supervisor runs validated scripts attached to pseudo-terminals and
// maintains the registry of live executions.
//
// Each execution owns one background reader goroutine that streams pty
// output to observers and performs the authoritative cleanup (log
// persistence, registry removal, termination broadcast) on every exit path.
package supervisor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"pyrunner/internal/history"
	"pyrunner/internal/hub"
	"pyrunner/internal/observability"
	"pyrunner/internal/protocol"
	"pyrunner/internal/store"
	"pyrunner/internal/validator"
)

const (
	// stopGracePeriod is how long a script gets between SIGTERM and SIGKILL.
	stopGracePeriod = 500 * time.Millisecond

	// readChunkSize bounds a single pty read.
	readChunkSize = 4096

	// pollInterval bounds how long a read blocks before the reader rechecks
	// for child exit.
	pollInterval = 100 * time.Millisecond
)

var (
	// ErrAlreadyRunning is returned by Start when the script has a live
	// execution. Start requests are rejected, never queued or merged.
	ErrAlreadyRunning = errors.New("script is already running")

	// ErrNotRunning is returned by input/stop/watch/status targeting a
	// script with no live execution.
	ErrNotRunning = errors.New("script is not running")

	// ErrNotFound is returned by Start for a script with no source file.
	ErrNotFound = errors.New("script not found")
)

// ValidationError carries the full violation list when Start refuses an
// invalid script.
type ValidationError struct {
	Violations []validator.Violation
}

func (e *ValidationError) Error() string { return "script has validation errors" }

// DependencyError carries the unresolved local imports when Start refuses a
// valid but not executable script.
type DependencyError struct {
	Missing []string
}

func (e *DependencyError) Error() string { return "script has missing dependencies" }

// Config wires a Supervisor's collaborators. History and Metrics are
// optional.
type Config struct {
	Interpreter string
	Store       *store.Store
	Validator   *validator.Validator
	Hub         *hub.Hub
	History     *history.Store
	Metrics     *observability.MetricsCollector
}

// Supervisor owns the registry of active executions.
type Supervisor struct {
	interpreter string
	store       *store.Store
	validator   *validator.Validator
	hub         *hub.Hub
	history     *history.Store
	metrics     *observability.MetricsCollector
	logger      *slog.Logger

	mu      sync.Mutex
	running map[string]*Execution
}

// New creates a Supervisor.
func New(cfg Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	interpreter := cfg.Interpreter
	if interpreter == "" {
		interpreter = "python3"
	}
	return &Supervisor{
		interpreter: interpreter,
		store:       cfg.Store,
		validator:   cfg.Validator,
		hub:         cfg.Hub,
		history:     cfg.History,
		metrics:     cfg.Metrics,
		logger:      logger,
		running:     make(map[string]*Execution),
	}
}

// IsRunning reports whether the script has a live execution.
func (s *Supervisor) IsRunning(script string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.running[script]
	return ok && e.started()
}

// Start validates and launches a script. The observer, when non-empty, is
// subscribed to the execution's output before the first chunk can be read.
// At most one execution per script exists at any instant; a start for a
// script with a live record is rejected.
func (s *Supervisor) Start(script, observerID string) (*protocol.StartedPayload, error) {
	if !store.ValidName(script) || !s.store.Exists(script) {
		return nil, ErrNotFound
	}

	// Fast reject before doing any validation work. The reservation below
	// still closes the race window.
	s.mu.Lock()
	_, exists := s.running[script]
	s.mu.Unlock()
	if exists {
		return nil, ErrAlreadyRunning
	}

	code, err := s.store.ReadScript(script)
	if err != nil {
		return nil, err
	}

	valid, violations := s.validator.Validate(code, script)
	s.metrics.RecordValidation(valid, len(violations))
	if !valid {
		s.countExecution("rejected")
		return nil, &ValidationError{Violations: violations}
	}
	if missing := s.validator.MissingLocalImports(code); len(missing) > 0 {
		s.countExecution("rejected")
		return nil, &DependencyError{Missing: missing}
	}

	// Atomic check-absence-then-insert: the reservation closes the window
	// in which a second concurrent start could also succeed.
	e := newExecution(script)
	s.mu.Lock()
	if _, exists := s.running[script]; exists {
		s.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	s.running[script] = e
	s.mu.Unlock()

	cmd, ptmx, err := spawnPTY(s.interpreter, s.store.ScriptPath(script), s.store.CodeDir())
	if err != nil {
		s.mu.Lock()
		delete(s.running, script)
		s.mu.Unlock()
		s.countExecution("failed")
		return nil, fmt.Errorf("failed to start: %w", err)
	}

	started := e.markStarted(cmd, ptmx)

	if observerID != "" {
		s.hub.Watch(script, observerID)
	}

	go func() {
		_ = cmd.Wait()
		close(e.exited)
	}()
	go s.read(e)

	s.countExecution("started")
	if s.metrics != nil {
		s.metrics.ActiveExecutions.Inc()
	}
	s.logger.Info("script started",
		slog.String("script", script),
		slog.Int("pid", e.PID),
	)

	return &protocol.StartedPayload{
		Script:    script,
		PID:       e.PID,
		StartTime: float64(started.UnixNano()) / 1e9,
	}, nil
}

// Stop sends SIGTERM to the execution's process group, waits a short grace
// window, then SIGKILLs whatever is left. A process already gone at either
// step is not an error. Cleanup is performed by the execution's reader once
// exit is detected, not here.
func (s *Supervisor) Stop(script string) error {
	s.mu.Lock()
	e, ok := s.running[script]
	s.mu.Unlock()
	if !ok || !e.started() {
		return ErrNotRunning
	}
	s.logger.Info("stopping script", slog.String("script", script), slog.Int("pid", e.PID))
	// Supervised scripts run in their own session, so the negated pid
	// signals the whole group, children included.
	s.terminate(-e.PID)
	return nil
}

// StopExternal applies the graceful-then-forceful sequence to a process the
// supervisor did not start. External processes are signaled by bare pid; they
// are rarely group leaders, so a group signal would miss them entirely.
func (s *Supervisor) StopExternal(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	s.logger.Info("stopping external process", slog.Int("pid", pid))
	s.terminate(pid)
	return nil
}

// terminate signals a target: SIGTERM, grace window, SIGKILL. A negative
// target addresses a process group. A target already gone at either step is
// not an error.
func (s *Supervisor) terminate(target int) {
	if err := syscall.Kill(target, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		s.logger.Debug("sigterm failed", slog.Int("target", target), slog.String("error", err.Error()))
	}
	time.Sleep(stopGracePeriod)
	if err := syscall.Kill(target, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		s.logger.Debug("sigkill failed", slog.Int("target", target), slog.String("error", err.Error()))
	}
}

// Input writes raw bytes to a running execution's terminal.
func (s *Supervisor) Input(script string, data []byte) error {
	s.mu.Lock()
	e, ok := s.running[script]
	s.mu.Unlock()
	if !ok || !e.started() {
		return ErrNotRunning
	}
	if _, err := e.ptmx.Write(data); err != nil {
		return fmt.Errorf("failed to send input: %w", err)
	}
	return nil
}

// Watch subscribes an observer to a running execution. The full accumulated
// transcript is delivered before any subsequently emitted live chunk:
// subscription and replay happen under the execution's lock, mutually
// exclusive with the reader's append-and-broadcast step.
func (s *Supervisor) Watch(script, observerID string) (*protocol.WatchingPayload, error) {
	s.mu.Lock()
	e, ok := s.running[script]
	s.mu.Unlock()
	if !ok || !e.started() {
		return nil, ErrNotRunning
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s.hub.Watch(script, observerID)

	replay, err := protocol.NewEnvelope(protocol.MsgOutput, protocol.OutputPayload{
		Script: script,
		Data:   string(e.transcriptLocked()),
	})
	if err != nil {
		return nil, err
	}
	replay.Script = script
	s.hub.EmitTo(observerID, replay)

	return &protocol.WatchingPayload{
		Script:    script,
		StartTime: float64(e.StartTime.UnixNano()) / 1e9,
		PID:       e.PID,
	}, nil
}

// Status reports one script's state. Unknown scripts report running=false.
func (s *Supervisor) Status(script string) *protocol.StatusReplyPayload {
	s.mu.Lock()
	e, ok := s.running[script]
	s.mu.Unlock()
	if !ok || !e.started() {
		return &protocol.StatusReplyPayload{Script: script, Running: false}
	}
	pid := e.PID
	elapsed := time.Since(e.StartTime).Seconds()
	return &protocol.StatusReplyPayload{
		Script:  script,
		Running: true,
		PID:     &pid,
		Runtime: &elapsed,
	}
}

// StatusAll reports every running script.
func (s *Supervisor) StatusAll() *protocol.AllStatusPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]protocol.RunningStatus, len(s.running))
	for name, e := range s.running {
		if !e.started() {
			continue
		}
		out[name] = protocol.RunningStatus{
			PID:     e.PID,
			Runtime: time.Since(e.StartTime).Seconds(),
		}
	}
	return &protocol.AllStatusPayload{Running: out}
}

func (s *Supervisor) countExecution(result string) {
	if s.metrics != nil {
		s.metrics.ExecutionsTotal.WithLabelValues(result).Inc()
	}
}
