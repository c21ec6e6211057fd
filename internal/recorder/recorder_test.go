package recorder

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// steppedClock advances one millisecond per call so trace names never collide.
func steppedClock() func() time.Time {
	t := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Millisecond)
		return t
	}
}

func TestRecorderRotation(t *testing.T) {
	tempDir := t.TempDir()

	r, err := NewRecorder(tempDir)
	if err != nil {
		t.Fatal(err)
	}
	r.now = steppedClock()

	var last string
	for i := 0; i < MaxRotatedFiles+2; i++ {
		id, err := r.Start()
		if err != nil {
			t.Fatal(err)
		}
		last = id
		r.Log(KindRoute, "#inbox", map[string]string{"msg": "hello"})
	}
	r.Close()

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != MaxRotatedFiles {
		t.Errorf("expected %d files, got %d", MaxRotatedFiles, len(entries))
	}

	traces, err := r.Traces()
	if err != nil {
		t.Fatal(err)
	}
	if len(traces) == 0 || !strings.Contains(traces[0], last) {
		t.Errorf("expected newest trace first to belong to run %s, got %v", last, traces)
	}
}

func TestRecorderRotationIgnoresOtherFiles(t *testing.T) {
	tempDir := t.TempDir()
	keep := filepath.Join(tempDir, "notes.jsonl")
	if err := os.WriteFile(keep, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := NewRecorder(tempDir)
	if err != nil {
		t.Fatal(err)
	}
	r.now = steppedClock()
	for i := 0; i < MaxRotatedFiles+1; i++ {
		if _, err := r.Start(); err != nil {
			t.Fatal(err)
		}
	}
	r.Close()

	if _, err := os.Stat(keep); err != nil {
		t.Errorf("unrelated file was removed: %v", err)
	}
}

func TestRecorderLogging(t *testing.T) {
	tempDir := t.TempDir()

	r, err := NewRecorder(tempDir)
	if err != nil {
		t.Fatal(err)
	}

	runID, err := r.Start()
	if err != nil {
		t.Fatal(err)
	}
	if runID == "" || r.RunID() != runID {
		t.Fatalf("unexpected run id %q / %q", runID, r.RunID())
	}

	r.Log(KindProbe, "#inbox/abc", map[string]interface{}{"scheduler": "thread", "attempt": 3})
	r.Log(KindRequest, "", "in_flight")
	path := r.Path()
	r.Close()

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(content), `{"ts":`) {
		t.Errorf("unexpected log content format: %s", string(content))
	}

	events, err := ReadTrace(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != KindProbe || events[0].Route != "#inbox/abc" || events[0].RunID != runID {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	data, ok := events[0].Data.(map[string]interface{})
	if !ok || data["scheduler"] != "thread" {
		t.Errorf("unexpected event data: %#v", events[0].Data)
	}
	if events[1].Route != "" || events[1].Data != "in_flight" {
		t.Errorf("unexpected second event: %+v", events[1])
	}
}

func TestRecorderLogWithoutStart(t *testing.T) {
	r, err := NewRecorder(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	r.Log(KindRoute, "#inbox", nil)
	if err := r.Close(); err != nil {
		t.Errorf("close without start: %v", err)
	}
}

func TestReadTraceBadLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace_1_x.jsonl")
	content := `{"ts":"2026-01-01T00:00:00Z","kind":"route","run_id":"x"}` + "\n\nnot json\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	events, err := ReadTrace(path)
	if err == nil || !strings.Contains(err.Error(), ":3:") {
		t.Fatalf("expected error on line 3, got %v", err)
	}
	if len(events) != 1 {
		t.Errorf("expected the good line to be returned, got %d", len(events))
	}
}
