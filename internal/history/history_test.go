package history

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	runs := []Run{
		{Script: "a.py", PID: 100, StartedAt: base, EndedAt: base.Add(5 * time.Second), RuntimeSec: 5, ExitReason: "exit"},
		{Script: "b.py", PID: 101, StartedAt: base.Add(time.Minute), EndedAt: base.Add(70 * time.Second), RuntimeSec: 10, ExitReason: "exit"},
		{Script: "a.py", PID: 102, StartedAt: base.Add(2 * time.Minute), EndedAt: base.Add(125 * time.Second), RuntimeSec: 5, ExitReason: "io_error"},
	}
	for _, r := range runs {
		if err := s.Record(ctx, r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.ForScript(ctx, "a.py", 0)
	if err != nil {
		t.Fatalf("ForScript: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ForScript returned %d runs, want 2", len(got))
	}
	// Newest first.
	if got[0].PID != 102 || got[1].PID != 100 {
		t.Errorf("unexpected order: %v, %v", got[0].PID, got[1].PID)
	}
	if got[0].ExitReason != "io_error" {
		t.Errorf("ExitReason = %q", got[0].ExitReason)
	}

	recent, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Recent returned %d runs, want 2", len(recent))
	}
	if recent[0].Script != "a.py" || recent[1].Script != "b.py" {
		t.Errorf("unexpected recent order: %s, %s", recent[0].Script, recent[1].Script)
	}
}

func TestRecordAssignsID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Record(ctx, Run{Script: "x.py", PID: 1, StartedAt: time.Now(), EndedAt: time.Now()}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	got, err := s.ForScript(ctx, "x.py", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d runs", len(got))
	}
	if got[0].ID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("run ID should be assigned on insert")
	}
}
