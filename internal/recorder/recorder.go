// Package recorder writes lifecycle traces (route changes, probe cycles,
// mounts, requests) as JSON lines, one file per run.
package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	MaxRotatedFiles = 3
	TraceDir        = "data/traces"
)

// Event kinds written by the agent.
const (
	KindRoute   = "route"
	KindProbe   = "probe"
	KindCapture = "capture"
	KindMount   = "mount"
	KindRequest = "request"
)

// Event is one line of a trace.
type Event struct {
	Timestamp time.Time   `json:"ts"`
	Kind      string      `json:"kind"`
	RunID     string      `json:"run_id"`
	Route     string      `json:"route,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// Recorder keeps the newest MaxRotatedFiles traces in its directory.
type Recorder struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	dir     string
	runID   string
	path    string
	now     func() time.Time
}

// NewRecorder creates a recorder rooted at dir, creating it if needed.
func NewRecorder(dir string) (*Recorder, error) {
	if dir == "" {
		dir = TraceDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{dir: dir, now: time.Now}, nil
}

// Start opens a new trace under a fresh run id and returns the id.
func (r *Recorder) Start() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
		r.encoder = nil
	}

	if err := r.rotate(); err != nil {
		return "", fmt.Errorf("rotate traces: %w", err)
	}

	runID := uuid.NewString()
	path := filepath.Join(r.dir, fmt.Sprintf("trace_%d_%s.jsonl", r.now().UnixMilli(), runID))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}

	r.file = f
	r.encoder = json.NewEncoder(f)
	r.runID = runID
	r.path = path
	return runID, nil
}

// RunID is the id of the open trace, empty before Start.
func (r *Recorder) RunID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runID
}

// Path is the file of the open trace.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Log appends an event. It is a no-op when no trace is open.
func (r *Recorder) Log(kind, route string, data interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoder == nil {
		return
	}
	_ = r.encoder.Encode(Event{
		Timestamp: r.now(),
		Kind:      kind,
		RunID:     r.runID,
		Route:     route,
		Data:      data,
	})
}

// rotate keeps only the newest MaxRotatedFiles-1 traces, making room for one more.
func (r *Recorder) rotate() error {
	traces, err := r.list()
	if err != nil {
		return err
	}
	if len(traces) < MaxRotatedFiles {
		return nil
	}
	for _, name := range traces[MaxRotatedFiles-1:] {
		_ = os.Remove(filepath.Join(r.dir, name))
	}
	return nil
}

// list returns trace file names, newest first. Names start with a
// millisecond timestamp so they order without consulting mod times.
func (r *Recorder) list() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" || !strings.HasPrefix(e.Name(), "trace_") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// Traces lists the trace files on disk, newest first.
func (r *Recorder) Traces() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	names, err := r.list()
	if err != nil {
		return nil, err
	}
	for i, n := range names {
		names[i] = filepath.Join(r.dir, n)
	}
	return names, nil
}

// ReadTrace decodes every event in a trace file. Data is left as decoded JSON.
func ReadTrace(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(strings.TrimSpace(sc.Text())) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return events, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		events = append(events, ev)
	}
	return events, sc.Err()
}

// Close finishes the current trace.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		r.encoder = nil
		return err
	}
	return nil
}
