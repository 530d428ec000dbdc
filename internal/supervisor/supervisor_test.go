package supervisor

import (
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pyrunner/internal/hub"
	"pyrunner/internal/policy"
	"pyrunner/internal/protocol"
	"pyrunner/internal/store"
	"pyrunner/internal/validator"
)

// recordingSink captures every envelope delivered to one observer.
type recordingSink struct {
	mu   sync.Mutex
	envs []*protocol.Envelope
}

func (r *recordingSink) Send(env *protocol.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

func (r *recordingSink) byType(t protocol.MessageType) []*protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*protocol.Envelope
	for _, env := range r.envs {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func (r *recordingSink) output(t *testing.T) string {
	t.Helper()
	var sb strings.Builder
	for _, env := range r.byType(protocol.MsgOutput) {
		var p protocol.OutputPayload
		if err := env.Decode(&p); err != nil {
			t.Fatalf("decode output payload: %v", err)
		}
		sb.WriteString(p.Data)
	}
	return sb.String()
}

type fixture struct {
	sup   *Supervisor
	hub   *hub.Hub
	store *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	dir := t.TempDir()
	st, err := store.New(dir, filepath.Join(dir, "logs"), filepath.Join(dir, "autoboot.txt"), nil)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	h := hub.New(nil)
	sup := New(Config{
		Interpreter: "python3",
		Store:       st,
		Validator:   validator.New(policy.Default(dir), dir),
		Hub:         h,
	}, nil)
	return &fixture{sup: sup, hub: h, store: st}
}

func (f *fixture) write(t *testing.T, name, code string) {
	t.Helper()
	if err := f.store.SaveScript(name, code); err != nil {
		t.Fatalf("SaveScript(%s): %v", name, err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestStartRunsToCompletion(t *testing.T) {
	f := newFixture(t)
	f.write(t, "hello.py", "print('hello from test')\n")

	sink := &recordingSink{}
	f.hub.Attach("obs-1", sink)

	started, err := f.sup.Start("hello.py", "obs-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if started.Script != "hello.py" || started.PID <= 0 {
		t.Fatalf("unexpected started payload: %+v", started)
	}

	waitFor(t, 10*time.Second, func() bool {
		return len(sink.byType(protocol.MsgProcessEnded)) > 0
	})

	if got := sink.output(t); !strings.Contains(got, "hello from test") {
		t.Errorf("output %q missing script stdout", got)
	}
	if outs := sink.byType(protocol.MsgOutput); outs[0].Script != "hello.py" {
		t.Errorf("output envelope script = %q, want hello.py", outs[0].Script)
	}
	endedEnv := sink.byType(protocol.MsgProcessEnded)[0]
	if endedEnv.Script != "hello.py" {
		t.Errorf("process_ended envelope script = %q, want hello.py", endedEnv.Script)
	}
	var ended protocol.ProcessEndedPayload
	if err := endedEnv.Decode(&ended); err != nil {
		t.Fatalf("decode process_ended: %v", err)
	}
	if ended.Script != "hello.py" || ended.Runtime < 0 {
		t.Errorf("unexpected process_ended payload: %+v", ended)
	}

	// Registry entry removed after cleanup.
	waitFor(t, 2*time.Second, func() bool { return !f.sup.IsRunning("hello.py") })

	// Transcript persisted.
	waitFor(t, 2*time.Second, func() bool { return f.store.HasLog("hello.py") })
	log, err := f.store.ReadLog("hello.py")
	if err != nil {
		t.Fatalf("ReadLog: %v", err)
	}
	if !strings.Contains(log, "hello from test") {
		t.Errorf("persisted log missing output:\n%s", log)
	}
	// The body after the header is byte-for-byte the streamed transcript.
	_, body, ok := strings.Cut(log, "==================================================\n\n")
	if !ok {
		t.Fatalf("log missing header separator:\n%s", log)
	}
	if got := sink.output(t); body != got {
		t.Errorf("persisted log body %q differs from streamed transcript %q", body, got)
	}
}

func TestStartRejectsDuplicate(t *testing.T) {
	f := newFixture(t)
	f.write(t, "loop.py", "import time\ntime.sleep(30)\n")

	// Concurrent starts race through the registry; exactly one may win.
	const attempts = 8
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.sup.Start("loop.py", "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	defer f.sup.Stop("loop.py")

	var started, rejected int
	for err := range errs {
		switch {
		case err == nil:
			started++
		case errors.Is(err, ErrAlreadyRunning):
			rejected++
		default:
			t.Errorf("unexpected Start error: %v", err)
		}
	}
	if started != 1 || rejected != attempts-1 {
		t.Fatalf("started=%d rejected=%d, want 1 and %d", started, rejected, attempts-1)
	}

	// A sequential retry against the live execution is rejected too.
	if _, err := f.sup.Start("loop.py", ""); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("retry Start = %v, want ErrAlreadyRunning", err)
	}
}

func TestStartRejectsInvalidScript(t *testing.T) {
	f := newFixture(t)
	f.write(t, "bad.py", "import subprocess\n")

	_, err := f.sup.Start("bad.py", "")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Start = %v, want ValidationError", err)
	}
	if len(verr.Violations) == 0 {
		t.Error("ValidationError carries no violations")
	}
	if f.sup.IsRunning("bad.py") {
		t.Error("rejected script registered as running")
	}
}

func TestStartRejectsMissingDependency(t *testing.T) {
	f := newFixture(t)
	f.write(t, "needy.py", "import helper_module\n")

	_, err := f.sup.Start("needy.py", "")
	var derr *DependencyError
	if !errors.As(err, &derr) {
		t.Fatalf("Start = %v, want DependencyError", err)
	}
	if len(derr.Missing) != 1 || derr.Missing[0] != "helper_module" {
		t.Errorf("Missing = %v, want [helper_module]", derr.Missing)
	}
}

func TestStartUnknownScript(t *testing.T) {
	f := newFixture(t)
	if _, err := f.sup.Start("ghost.py", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Start = %v, want ErrNotFound", err)
	}
}

func TestStopTerminatesProcessGroup(t *testing.T) {
	f := newFixture(t)
	f.write(t, "sleeper.py", "import time\nprint('sleeping')\ntime.sleep(60)\n")

	sink := &recordingSink{}
	f.hub.Attach("obs-1", sink)

	if _, err := f.sup.Start("sleeper.py", "obs-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 10*time.Second, func() bool {
		return strings.Contains(sink.output(t), "sleeping")
	})

	if err := f.sup.Stop("sleeper.py"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return len(sink.byType(protocol.MsgProcessEnded)) > 0
	})
	if f.sup.IsRunning("sleeper.py") {
		t.Error("script still registered after stop")
	}
}

func TestStopExternalSignalsNonGroupLeader(t *testing.T) {
	f := newFixture(t)

	// Spawned without its own session, the child stays in this process's
	// group, so only a bare-pid signal can reach it.
	cmd := exec.Command("python3", "-c", "import time; time.sleep(60)")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start external process: %v", err)
	}
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	if err := f.sup.StopExternal(cmd.Process.Pid); err != nil {
		t.Fatalf("StopExternal: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("external process survived the stop sequence")
	}
}

func TestStopExternalRejectsInvalidPID(t *testing.T) {
	f := newFixture(t)
	if err := f.sup.StopExternal(0); err == nil {
		t.Error("StopExternal(0) should fail")
	}
}

func TestStopNotRunning(t *testing.T) {
	f := newFixture(t)
	if err := f.sup.Stop("idle.py"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Stop = %v, want ErrNotRunning", err)
	}
}

func TestInputReachesStdin(t *testing.T) {
	f := newFixture(t)
	f.write(t, "echoer.py", "name = input()\nprint('got ' + name)\n")

	sink := &recordingSink{}
	f.hub.Attach("obs-1", sink)

	if _, err := f.sup.Start("echoer.py", "obs-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Give the interpreter a moment to reach input().
	waitFor(t, 10*time.Second, func() bool { return f.sup.IsRunning("echoer.py") })
	time.Sleep(300 * time.Millisecond)

	if err := f.sup.Input("echoer.py", []byte("world\n")); err != nil {
		t.Fatalf("Input: %v", err)
	}
	waitFor(t, 10*time.Second, func() bool {
		return strings.Contains(sink.output(t), "got world")
	})
}

func TestInputNotRunning(t *testing.T) {
	f := newFixture(t)
	if err := f.sup.Input("idle.py", []byte("x\n")); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Input = %v, want ErrNotRunning", err)
	}
}

func TestWatchReplaysTranscriptBeforeLiveOutput(t *testing.T) {
	f := newFixture(t)
	f.write(t, "chatty.py", strings.Join([]string{
		"print('early output')",
		"input()",
		"print('late output')",
	}, "\n")+"\n")

	starter := &recordingSink{}
	f.hub.Attach("starter", starter)
	if _, err := f.sup.Start("chatty.py", "starter"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 10*time.Second, func() bool {
		return strings.Contains(starter.output(t), "early output")
	})

	late := &recordingSink{}
	f.hub.Attach("late", late)
	watching, err := f.sup.Watch("chatty.py", "late")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if watching.Script != "chatty.py" || watching.PID <= 0 {
		t.Errorf("unexpected watching payload: %+v", watching)
	}

	// The late observer's first output message is the replay and already
	// contains everything printed before it subscribed.
	outs := late.byType(protocol.MsgOutput)
	if len(outs) == 0 {
		t.Fatal("no replay delivered")
	}
	var first protocol.OutputPayload
	if err := outs[0].Decode(&first); err != nil {
		t.Fatalf("decode replay: %v", err)
	}
	if !strings.Contains(first.Data, "early output") {
		t.Errorf("replay %q missing pre-watch output", first.Data)
	}

	// Unblock the script so live chunks follow the replay, then let the run
	// finish on both observers.
	if err := f.sup.Input("chatty.py", []byte("\n")); err != nil {
		t.Fatalf("Input: %v", err)
	}
	waitFor(t, 10*time.Second, func() bool {
		return len(starter.byType(protocol.MsgProcessEnded)) > 0 &&
			len(late.byType(protocol.MsgProcessEnded)) > 0
	})

	// Replay plus live chunks reconstruct the exact transcript the observer
	// present from the start saw: nothing dropped, nothing re-delivered.
	lateOut, starterOut := late.output(t), starter.output(t)
	if lateOut != starterOut {
		t.Errorf("late observer transcript %q differs from full transcript %q", lateOut, starterOut)
	}
	if n := strings.Count(lateOut, "early output"); n != 1 {
		t.Errorf("pre-watch output delivered %d times, want exactly once", n)
	}
	if n := strings.Count(lateOut, "late output"); n != 1 {
		t.Errorf("post-watch output delivered %d times, want exactly once", n)
	}
}

func TestWatchNotRunning(t *testing.T) {
	f := newFixture(t)
	if _, err := f.sup.Watch("idle.py", "obs"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Watch = %v, want ErrNotRunning", err)
	}
}

func TestStatusReporting(t *testing.T) {
	f := newFixture(t)
	f.write(t, "loop.py", "import time\ntime.sleep(60)\n")

	if st := f.sup.Status("loop.py"); st.Running {
		t.Error("status reports running before start")
	}

	if _, err := f.sup.Start("loop.py", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.sup.Stop("loop.py")

	st := f.sup.Status("loop.py")
	if !st.Running || st.PID == nil || *st.PID <= 0 || st.Runtime == nil {
		t.Fatalf("unexpected running status: %+v", st)
	}

	all := f.sup.StatusAll()
	if _, ok := all.Running["loop.py"]; !ok {
		t.Errorf("StatusAll missing loop.py: %+v", all.Running)
	}
}

func TestStatusUnknownScript(t *testing.T) {
	f := newFixture(t)
	st := f.sup.Status("never-seen.py")
	if st.Running || st.PID != nil || st.Runtime != nil {
		t.Errorf("unknown script status = %+v, want not running", st)
	}
}
