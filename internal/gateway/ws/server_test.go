package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"pyrunner/internal/hub"
	"pyrunner/internal/policy"
	"pyrunner/internal/protocol"
	"pyrunner/internal/store"
	"pyrunner/internal/supervisor"
	"pyrunner/internal/validator"
)

type session struct {
	t    *testing.T
	conn *websocket.Conn
	ctx  context.Context
}

func newSession(t *testing.T, srv *httptest.Server, ctx context.Context) *session {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })
	return &session{t: t, conn: conn, ctx: ctx}
}

func (s *session) command(msgType protocol.MessageType, payload any) {
	s.t.Helper()
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		s.t.Fatalf("encode %s: %v", msgType, err)
	}
	data, _ := json.Marshal(env)
	if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
		s.t.Fatalf("write %s: %v", msgType, err)
	}
}

// next reads envelopes until one of the wanted type arrives.
func (s *session) next(want protocol.MessageType) *protocol.Envelope {
	s.t.Helper()
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.t.Fatalf("read while waiting for %s: %v", want, err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.t.Fatalf("unmarshal: %v", err)
		}
		if env.Type == want {
			return &env
		}
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
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
	sup := supervisor.New(supervisor.Config{
		Interpreter: "python3",
		Store:       st,
		Validator:   validator.New(policy.Default(dir), dir),
		Hub:         h,
	}, nil)
	ws := NewServer(sup, h, nil, testLogger())
	srv := httptest.NewServer(ws.Handler())
	t.Cleanup(srv.Close)
	return srv, st
}

func TestConnectedGreeting(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s := newSession(t, srv, ctx)
	env := s.next(protocol.MsgConnected)
	var p protocol.ConnectedPayload
	if err := env.Decode(&p); err != nil {
		t.Fatalf("decode connected: %v", err)
	}
	if p.Hostname == "" {
		t.Error("connected greeting has empty hostname")
	}
}

func TestStartStreamsOutputAndEnd(t *testing.T) {
	srv, st := newTestServer(t)
	if err := st.SaveScript("hello.py", "print('over the wire')\n"); err != nil {
		t.Fatalf("SaveScript: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	s := newSession(t, srv, ctx)
	s.next(protocol.MsgConnected)

	s.command(protocol.MsgStart, protocol.StartPayload{Script: "hello.py"})

	started := s.next(protocol.MsgStarted)
	var sp protocol.StartedPayload
	if err := started.Decode(&sp); err != nil {
		t.Fatalf("decode started: %v", err)
	}
	if sp.Script != "hello.py" || sp.PID <= 0 {
		t.Fatalf("unexpected started payload: %+v", sp)
	}

	var collected strings.Builder
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Type == protocol.MsgOutput {
			var op protocol.OutputPayload
			if err := env.Decode(&op); err != nil {
				t.Fatalf("decode output: %v", err)
			}
			collected.WriteString(op.Data)
		}
		if env.Type == protocol.MsgProcessEnded {
			break
		}
	}
	if !strings.Contains(collected.String(), "over the wire") {
		t.Errorf("streamed output %q missing script stdout", collected.String())
	}
}

func TestStartInvalidScriptReportsViolations(t *testing.T) {
	srv, st := newTestServer(t)
	if err := st.SaveScript("bad.py", "import subprocess\n"); err != nil {
		t.Fatalf("SaveScript: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s := newSession(t, srv, ctx)
	s.next(protocol.MsgConnected)

	s.command(protocol.MsgStart, protocol.StartPayload{Script: "bad.py"})
	env := s.next(protocol.MsgError)
	var p protocol.ErrorPayload
	if err := env.Decode(&p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if len(p.Errors) == 0 {
		t.Fatalf("error payload carries no violations: %+v", p)
	}
	if !strings.Contains(p.Errors[0], "subprocess") {
		t.Errorf("violation %q does not name the blocked module", p.Errors[0])
	}
}

func TestStatusAllEmpty(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s := newSession(t, srv, ctx)
	s.next(protocol.MsgConnected)

	s.command(protocol.MsgStatus, nil)
	env := s.next(protocol.MsgAllStatus)
	var p protocol.AllStatusPayload
	if err := env.Decode(&p); err != nil {
		t.Fatalf("decode all_status: %v", err)
	}
	if len(p.Running) != 0 {
		t.Errorf("expected no running scripts, got %+v", p.Running)
	}
}

func TestUnknownCommand(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s := newSession(t, srv, ctx)
	s.next(protocol.MsgConnected)

	s.command(protocol.MessageType("dance"), nil)
	env := s.next(protocol.MsgError)
	var p protocol.ErrorPayload
	if err := env.Decode(&p); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !strings.Contains(p.Message, "dance") {
		t.Errorf("error %q does not name the unknown command", p.Message)
	}
}

func TestStopNotRunningOverWire(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s := newSession(t, srv, ctx)
	s.next(protocol.MsgConnected)

	s.command(protocol.MsgStop, protocol.StopPayload{Script: "idle.py"})
	env := s.next(protocol.MsgError)
	var p protocol.ErrorPayload
	if err := env.Decode(&p); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !strings.Contains(p.Message, "not running") {
		t.Errorf("unexpected error message %q", p.Message)
	}
}
