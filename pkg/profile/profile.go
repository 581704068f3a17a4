// Package profile implements the ProfileSink capability (L0): the CSV
// profile record format described in spec §6, grounded directly on
// _examples/original_source/src/radical/pilot/utils/prof_utils.py.
package profile

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/radical-go/pilot/pkg/rpclock"
)

const envProfileEnable = "RADICAL_PILOT_PROFILE"

// header is the fixed CSV header line (spec §6); the wire tuple is
// time,name:tid,uid,state,event,msg collapsed into 6 CSV fields.
const header = "#time,name:tid,uid,state,event,msg"

// Sink writes one profile record per line to <dir>/<name>.prof. It is a
// no-op unless RADICAL_PILOT_PROFILE is set in the environment, mirroring
// prof_utils.py's Profiler.__init__ gate.
type Sink struct {
	mu      sync.Mutex
	enabled bool
	name    string
	tid     string
	f       *os.File
	w       *bufio.Writer
	clock   *rpclock.Clock
}

// New creates a Sink for component name, writing into dir/<name>.prof. dir is
// typically profiles/<sid>/ per spec §6's persisted layout. tid identifies
// the scheduling unit (thread/goroutine) producing records.
func New(dir, name, tid string, clock *rpclock.Clock) (*Sink, error) {
	s := &Sink{name: name, tid: tid, clock: clock}
	if os.Getenv(envProfileEnable) == "" {
		return s, nil
	}
	s.enabled = true

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("profile: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, name+".prof")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("profile: open %s: %w", path, err)
	}
	s.f = f
	s.w = bufio.NewWriter(f)

	if _, err := s.w.WriteString(header + "\n"); err != nil {
		return nil, fmt.Errorf("profile: write header: %w", err)
	}
	if err := s.writeSyncRecord(); err != nil {
		return nil, err
	}
	return s, nil
}

// Enabled reports whether this Sink is actually writing records.
func (s *Sink) Enabled() bool { return s.enabled }

func (s *Sink) writeSyncRecord() error {
	now := s.clock.Now()
	hostname, _ := os.Hostname()
	addr := "0.0.0.0"
	tSys := float64(time.Now().UnixNano()) / 1e9
	tNTP := float64(now.UnixNano()) / 1e9
	line := fmt.Sprintf("%s,%s:,,,,sync abs,%s:%s:%s:%s:%s\n",
		formatTime(now), s.name, hostname, addr,
		strconv.FormatFloat(tSys, 'f', 6, 64),
		strconv.FormatFloat(tNTP, 'f', 6, 64),
		string(s.clock.Mode()))
	_, err := s.w.WriteString(line)
	return err
}

func formatTime(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 6, 64)
}

// Record appends one profile record (spec §6). uid/state/msg may be empty.
func (s *Sink) Record(event, uid, state, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return nil
	}
	line := fmt.Sprintf("%s,%s:%s,%s,%s,%s,%s\n",
		formatTime(s.clock.Now()), s.name, s.tid, uid, state, event, msg)
	if _, err := s.w.WriteString(line); err != nil {
		return fmt.Errorf("profile: write record: %w", err)
	}
	return nil
}

// Flush forces buffered records and the underlying file to stable storage,
// mirroring prof_utils.py's flush() (writes a "flush" event then fsyncs).
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return nil
	}
	line := fmt.Sprintf("%s,%s:%s,,,flush,\n", formatTime(s.clock.Now()), s.name, s.tid)
	if _, err := s.w.WriteString(line); err != nil {
		return err
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.f.Sync()
}

// Close writes the closing QED record and closes the file. A process killed
// before Close (Scenario D, root SIGKILL) simply never writes this record;
// downstream readers must tolerate its absence (spec §6).
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return nil
	}
	line := fmt.Sprintf("%s,%s:%s,,,QED,\n", formatTime(s.clock.Now()), s.name, s.tid)
	if _, err := s.w.WriteString(line); err != nil {
		return err
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.f.Close()
}
