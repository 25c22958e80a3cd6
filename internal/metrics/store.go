package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pingsantohq/whistle/pkg/types"
)

// Store maintains in-memory counters for probe activity. It implements
// events.Recorder so it can sit directly on the probe event stream.
type Store struct {
	activeProbes atomic.Int64
	started      sync.Map // modeKey -> *atomic.Uint64
	finished     sync.Map // modeKey -> *atomic.Uint64
	failed       sync.Map // failureKey -> *atomic.Uint64
	bytesSent    sync.Map // modeKey -> *atomic.Uint64
	bytesRecv    sync.Map // modeKey -> *atomic.Uint64
	captures     sync.Map // modeKey -> *atomic.Uint64
	notes        sync.Map // modeKey -> *atomic.Uint64
	rejected     sync.Map // string reason -> *atomic.Uint64

	readyMu         sync.Mutex
	ready           bool
	readyObserved   bool
	readyReason     string
	readyCategories []ReadinessCategory
	notReadyCount   atomic.Uint64
}

// ReadinessCategory names one failing readiness condition.
type ReadinessCategory struct {
	Name     string
	Severity string
}

type modeKey string

type failureKey struct {
	Mode string
	Kind string
}

// NewStore constructs a Store with zeroed metrics.
func NewStore() *Store {
	return &Store{}
}

// Snapshot captures the current metric values in a plain struct.
type Snapshot struct {
	ActiveProbes  int64
	Started       map[string]uint64
	Finished      map[string]uint64
	Failed        []FailureCount
	BytesSent     map[string]uint64
	BytesReceived map[string]uint64
	Captures      map[string]uint64
	CaptureNotes  map[string]uint64
	Rejected      map[string]uint64

	Ready               bool
	ReadyReason         string
	ReadyCategories     []ReadinessCategory
	NotReadyTransitions uint64
}

// FailureCount captures accumulated failures per mode/kind.
type FailureCount struct {
	Mode  string
	Kind  string
	Count uint64
}

func (s *Store) Record(ev types.Event) {
	mode := modeKey(ev.Mode)
	switch ev.Type {
	case types.EventProbeStarted:
		s.activeProbes.Add(1)
		counter(&s.started, mode).Add(1)
	case types.EventCapture:
		if ev.Note != "" {
			counter(&s.notes, mode).Add(1)
			return
		}
		counter(&s.captures, mode).Add(1)
		counter(&s.bytesRecv, mode).Add(uint64(max(ev.Bytes, 0)))
	case types.EventProbeFinished:
		s.activeProbes.Add(-1)
		counter(&s.finished, mode).Add(1)
		if sent, ok := ev.Details["bytes_sent"].(int); ok && sent > 0 {
			counter(&s.bytesSent, mode).Add(uint64(sent))
		}
		if recv, ok := ev.Details["bytes_received"].(int); ok && recv > 0 {
			counter(&s.bytesRecv, mode).Add(uint64(recv))
		}
	case types.EventProbeFailed:
		s.activeProbes.Add(-1)
		kind, _ := ev.Details["kind"].(string)
		if kind == "" {
			kind = "unknown"
		}
		counter(&s.failed, failureKey{Mode: ev.Mode, Kind: kind}).Add(1)
	}
}

// IncRejected counts requests refused before a probe was started.
func (s *Store) IncRejected(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	counter(&s.rejected, reason).Add(1)
}

// ObserveReadiness stores the latest readiness evaluation. Transitions into
// the not-ready state are counted.
func (s *Store) ObserveReadiness(ready bool, reason string, categories []ReadinessCategory) {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	if !ready && (s.ready || !s.readyObserved) {
		s.notReadyCount.Add(1)
	}
	s.ready = ready
	s.readyObserved = true
	s.readyReason = reason
	s.readyCategories = append(s.readyCategories[:0], categories...)
}

func counter(m *sync.Map, key any) *atomic.Uint64 {
	if value, ok := m.Load(key); ok {
		if c, ok := value.(*atomic.Uint64); ok && c != nil {
			return c
		}
	}
	c := &atomic.Uint64{}
	actual, _ := m.LoadOrStore(key, c)
	if existing, ok := actual.(*atomic.Uint64); ok && existing != nil {
		return existing
	}
	return c
}

func byMode(m *sync.Map) map[string]uint64 {
	out := make(map[string]uint64)
	m.Range(func(key, value any) bool {
		c, ok := value.(*atomic.Uint64)
		if !ok || c == nil {
			return true
		}
		switch k := key.(type) {
		case modeKey:
			out[string(k)] = c.Load()
		case string:
			out[k] = c.Load()
		}
		return true
	})
	return out
}

// Snapshot returns a point-in-time copy of the metrics.
func (s *Store) Snapshot() Snapshot {
	failures := make([]FailureCount, 0)
	s.failed.Range(func(key, value any) bool {
		fkey, ok := key.(failureKey)
		if !ok {
			return true
		}
		c, ok := value.(*atomic.Uint64)
		if !ok || c == nil {
			return true
		}
		failures = append(failures, FailureCount{Mode: fkey.Mode, Kind: fkey.Kind, Count: c.Load()})
		return true
	})
	sort.Slice(failures, func(i, j int) bool {
		if failures[i].Mode == failures[j].Mode {
			return failures[i].Kind < failures[j].Kind
		}
		return failures[i].Mode < failures[j].Mode
	})
	s.readyMu.Lock()
	ready := s.ready
	reason := s.readyReason
	categories := append([]ReadinessCategory(nil), s.readyCategories...)
	s.readyMu.Unlock()

	return Snapshot{
		Ready:               ready,
		ReadyReason:         reason,
		ReadyCategories:     categories,
		NotReadyTransitions: s.notReadyCount.Load(),
		ActiveProbes:        s.activeProbes.Load(),
		Started:             byMode(&s.started),
		Finished:            byMode(&s.finished),
		Failed:              failures,
		BytesSent:           byMode(&s.bytesSent),
		BytesReceived:       byMode(&s.bytesRecv),
		Captures:            byMode(&s.captures),
		CaptureNotes:        byMode(&s.notes),
		Rejected:            byMode(&s.rejected),
	}
}

// WritePrometheus renders the current metrics using the Prometheus text format.
func (s *Store) WritePrometheus(w io.Writer) error {
	snap := s.Snapshot()
	lines := []string{
		"# HELP whistle_probes_active_number Probes currently running.",
		"# TYPE whistle_probes_active_number gauge",
		fmt.Sprintf("whistle_probes_active_number %d", snap.ActiveProbes),
	}
	lines = appendLabeled(lines, "whistle_probes_started_total", "Probes started by mode.", "mode", snap.Started)
	lines = appendLabeled(lines, "whistle_probes_finished_total", "Probes completed successfully by mode.", "mode", snap.Finished)
	lines = append(lines,
		"# HELP whistle_probes_failed_total Probes that ended with an error, by mode and error kind.",
		"# TYPE whistle_probes_failed_total counter",
	)
	if len(snap.Failed) == 0 {
		lines = append(lines, fmt.Sprintf("whistle_probes_failed_total{mode=%q,kind=%q} %d", "none", "none", 0))
	}
	for _, f := range snap.Failed {
		lines = append(lines, fmt.Sprintf("whistle_probes_failed_total{mode=%q,kind=%q} %d", f.Mode, f.Kind, f.Count))
	}
	lines = appendLabeled(lines, "whistle_bytes_sent_total", "Payload bytes written by send probes.", "mode", snap.BytesSent)
	lines = appendLabeled(lines, "whistle_bytes_received_total", "Bytes received by send probes and listen captures.", "mode", snap.BytesReceived)
	lines = appendLabeled(lines, "whistle_captures_total", "Inbound connections or datagrams captured by listen sessions.", "mode", snap.Captures)
	lines = appendLabeled(lines, "whistle_capture_notes_total", "Accept or receive errors recorded as capture notes.", "mode", snap.CaptureNotes)
	lines = appendLabeled(lines, "whistle_api_rejected_total", "API requests refused before a probe started.", "reason", snap.Rejected)
	lines = append(lines,
		"# HELP whistle_ready Whether the service reports ready (1) or not (0).",
		"# TYPE whistle_ready gauge",
		fmt.Sprintf("whistle_ready %d", boolToInt(snap.Ready)),
		"# HELP whistle_not_ready_transitions_total Times the service became not ready.",
		"# TYPE whistle_not_ready_transitions_total counter",
		fmt.Sprintf("whistle_not_ready_transitions_total %d", snap.NotReadyTransitions),
		"# HELP whistle_readiness_category Failing readiness conditions by severity.",
		"# TYPE whistle_readiness_category gauge",
	)
	for _, c := range snap.ReadyCategories {
		lines = append(lines, fmt.Sprintf("whistle_readiness_category{name=%q,severity=%q} 1", c.Name, c.Severity))
	}
	lines = append(lines, "")
	for _, line := range lines {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
	}
	return nil
}

func appendLabeled(lines []string, name, help, label string, values map[string]uint64) []string {
	lines = append(lines,
		fmt.Sprintf("# HELP %s %s", name, help),
		fmt.Sprintf("# TYPE %s counter", name),
	)
	if len(values) == 0 {
		return append(lines, fmt.Sprintf("%s{%s=%q} %d", name, label, "none", 0))
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s{%s=%q} %d", name, label, k, values[k]))
	}
	return lines
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// NewHTTPHandler returns an http.Handler that serves Prometheus formatted metrics.
func NewHTTPHandler(store *Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if r.Method == http.MethodHead {
			return
		}
		if err := store.WritePrometheus(w); err != nil {
			http.Error(w, "metrics unavailable", http.StatusInternalServerError)
		}
	})
}
