package cli

import (
	"context"
	"flag"
	"io"

	"github.com/schollz/progressbar/v3"

	"github.com/pingsantohq/whistle/internal/events"
	"github.com/pingsantohq/whistle/internal/probe"
	"github.com/pingsantohq/whistle/pkg/types"
)

// Listen runs one tcp-listen or udp-listen session and prints the captures.
// Interrupting the session still prints what was captured.
func Listen(ctx context.Context, args []string, deps Dependencies) error {
	deps = deps.withDefaults()

	fs := flag.NewFlagSet("listen", flag.ContinueOnError)
	fs.SetOutput(deps.Err)
	shared := newRequestFlags(fs)
	durationMs := fs.Int64("duration-ms", 0, "Session length in milliseconds")
	maxCapture := fs.Int("max-capture", 0, "Stop after this many captures")
	echo := fs.Bool("echo", false, "Reply to every capture")
	echoPayload := fs.String("echo-payload", "", "Reply payload (default \"ack\")")
	respondDelayMs := fs.Int64("respond-delay-ms", 0, "Delay before replying, in milliseconds")
	showProgress := fs.Bool("progress", false, "Render a capture progress bar on a terminal")

	if err := fs.Parse(args); err != nil {
		return err
	}

	req, set, err := shared.build("listen")
	if err != nil {
		return err
	}
	if set["duration-ms"] {
		req.DurationMs = durationMs
	}
	if set["max-capture"] {
		req.MaxCapture = maxCapture
	}
	if set["echo"] {
		req.Echo = *echo
	}
	if set["echo-payload"] {
		req.EchoPayload = echoPayload
	}
	if set["respond-delay-ms"] {
		req.RespondDelayMs = respondDelayMs
	}

	var extra events.Recorder
	if *showProgress && deps.IsTerminal(deps.Err) {
		extra = newProgressRecorder(deps.Err, req)
	}
	return execute(ctx, req, deps, extra)
}

// progressRecorder advances a bar on every capture of a listen session.
type progressRecorder struct {
	bar *progressbar.ProgressBar
}

func newProgressRecorder(w io.Writer, req types.WhistleRequest) *progressRecorder {
	limit := int64(-1)
	if p, err := probe.Admit(req); err == nil {
		switch v := p.(type) {
		case probe.TCPListen:
			limit = int64(v.MaxCapture)
		case probe.UDPListen:
			limit = int64(v.MaxCapture)
		}
	}
	if limit == 0 {
		limit = -1
	}
	bar := progressbar.NewOptions64(limit,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("captures"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	return &progressRecorder{bar: bar}
}

func (r *progressRecorder) Record(ev types.Event) {
	switch ev.Type {
	case types.EventListening:
		r.bar.Describe("captures on " + ev.Addr)
	case types.EventCapture:
		_ = r.bar.Add(1)
	case types.EventProbeFinished, types.EventProbeFailed:
		_ = r.bar.Finish()
	}
}
