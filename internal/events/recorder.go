package events

import (
	"io"
	"log"

	"github.com/pingsantohq/whistle/pkg/types"
)

type Recorder interface {
	Record(event types.Event)
}

type NoopRecorder struct{}

func (NoopRecorder) Record(event types.Event) {}

// Func adapts a plain function to the Recorder interface.
type Func func(event types.Event)

func (f Func) Record(event types.Event) {
	if f != nil {
		f(event)
	}
}

type Multi struct {
	recorders []Recorder
}

func NewMulti(recorders ...Recorder) Multi {
	return Multi{recorders: recorders}
}

func (m Multi) Record(event types.Event) {
	for _, rec := range m.recorders {
		if rec != nil {
			rec.Record(event)
		}
	}
}

// LogRecorder writes probe lifecycle events to a logger.
type LogRecorder struct {
	logger *log.Logger
}

func NewLogRecorder(logger *log.Logger) LogRecorder {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return LogRecorder{logger: logger}
}

func (r LogRecorder) Record(event types.Event) {
	switch event.Type {
	case types.EventProbeStarted:
		r.logger.Printf("probe %s started mode=%s addr=%s", event.ProbeID, event.Mode, event.Addr)
	case types.EventListening:
		r.logger.Printf("probe %s listening mode=%s addr=%s", event.ProbeID, event.Mode, event.Addr)
	case types.EventCapture:
		if event.Note != "" {
			r.logger.Printf("probe %s capture note mode=%s: %s", event.ProbeID, event.Mode, event.Note)
			return
		}
		r.logger.Printf("probe %s captured mode=%s remote=%s bytes=%d", event.ProbeID, event.Mode, event.Addr, event.Bytes)
	case types.EventProbeFinished:
		r.logger.Printf("probe %s finished mode=%s details=%v", event.ProbeID, event.Mode, event.Details)
	case types.EventProbeFailed:
		r.logger.Printf("probe %s failed mode=%s: %s", event.ProbeID, event.Mode, event.Note)
	default:
		r.logger.Printf("probe %s event=%s", event.ProbeID, event.Type)
	}
}
