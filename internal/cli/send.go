package cli

import (
	"context"
	"flag"
)

// Send runs one tcp-send or udp-send probe and prints the result.
func Send(ctx context.Context, args []string, deps Dependencies) error {
	deps = deps.withDefaults()

	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(deps.Err)
	shared := newRequestFlags(fs)
	host := fs.String("host", "localhost", "Loopback host to send to")
	payload := fs.String("payload", "", "Payload text")
	timeoutMs := fs.Int64("timeout-ms", 0, "Connect and read timeout in milliseconds")
	delayMs := fs.Int64("delay-ms", 0, "Delay between connecting and sending, in milliseconds")
	chunkSize := fs.Int("chunk-size", 0, "Split the TCP payload into chunks of this many bytes")

	if err := fs.Parse(args); err != nil {
		return err
	}

	req, set, err := shared.build("send")
	if err != nil {
		return err
	}
	if req.Host == "" || set["host"] {
		req.Host = *host
	}
	if set["payload"] {
		req.Payload = payload
	}
	if set["timeout-ms"] {
		req.TimeoutMs = timeoutMs
	}
	if set["delay-ms"] {
		req.DelayMs = delayMs
	}
	if set["chunk-size"] {
		req.ChunkSize = chunkSize
	}

	return execute(ctx, req, deps, nil)
}
