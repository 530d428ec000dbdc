package supervisor

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"

	"pyrunner/internal/history"
	"pyrunner/internal/protocol"
)

// Execution is one live script run. It is inserted into the registry as a
// reservation before the process exists; markStarted fills in the process
// fields. The mutex guards the process fields and the transcript, and makes
// the reader's append-and-broadcast step mutually exclusive with watch
// replay, so transcript order and broadcast order are the same order.
type Execution struct {
	Script    string
	PID       int
	StartTime time.Time

	cmd    *exec.Cmd
	ptmx   *os.File
	exited chan struct{}

	mu         sync.Mutex
	transcript [][]byte
}

func newExecution(script string) *Execution {
	return &Execution{Script: script}
}

// markStarted publishes the spawned process into the record and returns the
// recorded start time.
func (e *Execution) markStarted(cmd *exec.Cmd, ptmx *os.File) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cmd = cmd
	e.ptmx = ptmx
	e.PID = cmd.Process.Pid
	e.StartTime = time.Now()
	e.exited = make(chan struct{})
	return e.StartTime
}

// started reports whether the record is past the reservation stage.
func (e *Execution) started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ptmx != nil
}

// transcriptLocked flattens the accumulated chunks. Callers hold e.mu.
func (e *Execution) transcriptLocked() []byte {
	var n int
	for _, c := range e.transcript {
		n += len(c)
	}
	out := make([]byte, 0, n)
	for _, c := range e.transcript {
		out = append(out, c...)
	}
	return out
}

// spawnPTY launches the interpreter on a script with a pseudo-terminal as
// its controlling tty, in its own session (so the whole process group can be
// signaled), with the code directory as working directory.
func spawnPTY(interpreter, scriptPath, dir string) (*exec.Cmd, *os.File, error) {
	// PYTHONUNBUFFERED in the environment keeps output immediate; the
	// interpreter gets no arguments beyond the script itself.
	cmd := exec.Command(interpreter, scriptPath)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1", "TERM=xterm")
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		return nil, nil, err
	}
	return cmd, ptmx, nil
}

// read is the execution's single reader goroutine. It streams pty output to
// observers until the process exits or the descriptor errors, then performs
// the authoritative cleanup. Reads are deadline-bounded so child exit is
// noticed even when the script never prints.
func (s *Supervisor) read(e *Execution) {
	reason := "exit"
	defer func() { s.reap(e, reason) }()

	buf := make([]byte, readChunkSize)
	for {
		_ = e.ptmx.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := e.ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			env, eerr := protocol.NewEnvelope(protocol.MsgOutput, protocol.OutputPayload{
				Script: e.Script,
				Data:   string(chunk),
			})
			e.mu.Lock()
			e.transcript = append(e.transcript, chunk)
			if eerr == nil {
				env.Script = e.Script
				s.hub.Broadcast(e.Script, env)
			}
			e.mu.Unlock()
			if s.metrics != nil {
				s.metrics.OutputBytesTotal.Add(float64(n))
			}
		}
		if err == nil {
			continue
		}
		if os.IsTimeout(err) {
			select {
			case <-e.exited:
				// Exited and nothing readable within the poll window:
				// the pty buffer is drained.
				return
			default:
				continue
			}
		}
		// EOF or EIO once the slave side closes; anything else is an
		// I/O fault. Both end the run through the same cleanup path.
		// On a normal exit the read side usually errors a beat before
		// Wait observes the exit, so give the waiter a moment before
		// classifying the error as a fault.
		select {
		case <-e.exited:
		case <-time.After(time.Second):
			reason = "io_error"
			s.logger.Warn("pty read failed",
				slog.String("script", e.Script),
				slog.String("error", err.Error()),
			)
		}
		return
	}
}

// reap is the unconditional cleanup for an execution, in fixed order: close
// the master descriptor, persist the transcript, remove the registry entry,
// broadcast termination, drop the watcher set. It runs exactly once per
// execution, on every exit path of the reader.
func (s *Supervisor) reap(e *Execution, reason string) {
	_ = e.ptmx.Close()

	endedAt := time.Now()
	elapsed := endedAt.Sub(e.StartTime)

	e.mu.Lock()
	chunks := e.transcript
	e.mu.Unlock()
	if err := s.store.SaveLog(e.Script, chunks, endedAt); err != nil {
		s.logger.Warn("failed to save log",
			slog.String("script", e.Script),
			slog.String("error", err.Error()),
		)
	}

	s.mu.Lock()
	delete(s.running, e.Script)
	s.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.MsgProcessEnded, protocol.ProcessEndedPayload{
		Script:  e.Script,
		Runtime: elapsed.Seconds(),
	})
	if err == nil {
		env.Script = e.Script
		s.hub.Broadcast(e.Script, env)
	}
	s.hub.DropScript(e.Script)

	if s.metrics != nil {
		s.metrics.ActiveExecutions.Dec()
		s.metrics.ExecutionDuration.Observe(elapsed.Seconds())
	}

	if s.history != nil {
		run := history.Run{
			Script:     e.Script,
			PID:        e.PID,
			StartedAt:  e.StartTime,
			EndedAt:    endedAt,
			RuntimeSec: elapsed.Seconds(),
			ExitReason: reason,
		}
		if err := s.history.Record(context.Background(), run); err != nil {
			s.logger.Warn("failed to record run history",
				slog.String("script", e.Script),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Info("script ended",
		slog.String("script", e.Script),
		slog.Int("pid", e.PID),
		slog.Float64("runtime_seconds", elapsed.Seconds()),
		slog.String("reason", reason),
	)
}
