package probe

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"time"

	"github.com/pingsantohq/whistle/internal/events"
	"github.com/pingsantohq/whistle/pkg/types"
)

// Result holds exactly one of Send or Listen, matching Mode.
type Result struct {
	Mode   Mode
	Send   *types.SendResult
	Listen *types.ListenResult
}

func (r Result) MarshalJSON() ([]byte, error) {
	switch {
	case r.Send != nil:
		return json.Marshal(r.Send)
	case r.Listen != nil:
		return json.Marshal(r.Listen)
	default:
		return []byte("null"), nil
	}
}

type Option func(*runner)

// WithRecorder delivers lifecycle and capture events to rec.
func WithRecorder(rec events.Recorder) Option {
	return func(r *runner) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

// WithProbeID tags every emitted event with id.
func WithProbeID(id string) Option {
	return func(r *runner) {
		r.id = id
	}
}

type runner struct {
	id       string
	recorder events.Recorder
}

func (r *runner) emit(ev types.Event) {
	ev.ProbeID = r.id
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	r.recorder.Record(ev)
}

// Run executes an admitted probe on the calling goroutine.
func Run(ctx context.Context, p Probe, opts ...Option) (Result, error) {
	r := &runner{recorder: events.NoopRecorder{}}
	for _, opt := range opts {
		opt(r)
	}

	mode := p.Mode()
	r.emit(types.Event{Type: types.EventProbeStarted, Mode: mode.String(), Addr: target(p)})

	res := Result{Mode: mode}
	var err error
	switch v := p.(type) {
	case TCPSend:
		var out types.SendResult
		out, err = r.sendTCP(ctx, v)
		res.Send = &out
	case UDPSend:
		var out types.SendResult
		out, err = r.sendUDP(ctx, v)
		res.Send = &out
	case TCPListen:
		var out types.ListenResult
		out, err = r.listenTCP(ctx, v)
		res.Listen = &out
	case UDPListen:
		var out types.ListenResult
		out, err = r.listenUDP(ctx, v)
		res.Listen = &out
	default:
		err = &Error{Kind: KindValidation, Op: mode.String(), Err: ErrUnsupportedMode}
	}

	if err != nil {
		r.emit(types.Event{
			Type:    types.EventProbeFailed,
			Mode:    mode.String(),
			Note:    err.Error(),
			Details: map[string]any{"kind": KindOf(err).String()},
		})
		return Result{Mode: mode}, err
	}
	r.emit(types.Event{Type: types.EventProbeFinished, Mode: mode.String(), Details: summary(res)})
	return res, nil
}

func target(p Probe) string {
	switch v := p.(type) {
	case TCPSend:
		return net.JoinHostPort(v.Host, strconv.Itoa(v.Port))
	case UDPSend:
		return net.JoinHostPort(v.Host, strconv.Itoa(v.Port))
	case TCPListen:
		return ":" + strconv.Itoa(v.Port)
	case UDPListen:
		return ":" + strconv.Itoa(v.Port)
	}
	return ""
}

func summary(res Result) map[string]any {
	if res.Send != nil {
		return map[string]any{
			"elapsed_ms":     res.Send.ElapsedMs,
			"bytes_sent":     res.Send.BytesSent,
			"bytes_received": res.Send.BytesReceived,
		}
	}
	if res.Listen != nil {
		return map[string]any{
			"duration_ms": res.Listen.DurationMs,
			"captures":    len(res.Listen.Captures),
		}
	}
	return nil
}

// sleepContext waits d or until ctx ends.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
