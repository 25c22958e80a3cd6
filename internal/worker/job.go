package worker

import (
	"context"
	"time"

	"github.com/pingsantohq/whistle/internal/events"
	"github.com/pingsantohq/whistle/internal/probe"
)

// Job is one probe invocation queued for a worker. Reply must have room for
// one Outcome so a worker never blocks on an abandoned caller.
type Job struct {
	ID         string
	Context    context.Context
	Probe      probe.Probe
	Recorder   events.Recorder
	EnqueuedAt time.Time
	Reply      chan<- Outcome
}

type Outcome struct {
	ID     string
	Result probe.Result
	Err    error
}
