package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pingsantohq/whistle/internal/cli"
	"github.com/pingsantohq/whistle/internal/diag"
	"github.com/pingsantohq/whistle/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	cmd := os.Args[1]
	if err := dispatch(ctx, cmd, os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "command %s failed: %v\n", cmd, err)
		stop()
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, cmd string, args []string) error {
	// stdout carries JSON results, so logs go to stderr.
	deps := cli.Dependencies{
		Out:    os.Stdout,
		Err:    os.Stderr,
		Logger: logging.NewWithWriter(os.Stderr),
	}

	switch cmd {
	case "serve":
		deps.Logger = logging.New()
		return cli.Serve(ctx, args, deps)
	case "send":
		return cli.Send(ctx, args, deps)
	case "listen":
		return cli.Listen(ctx, args, deps)
	case "diag":
		return diag.Run(ctx, args, diag.Dependencies{})
	case "-h", "--help", "help":
		printUsage(os.Stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "whistle: loopback TCP/UDP probe tool")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  whistle serve [--config /etc/whistle/whistle.yaml] [--listen addr]")
	fmt.Fprintln(w, "  whistle send [--proto tcp|udp] [--host localhost] --port N [--payload text] [--timeout-ms N] [--delay-ms N] [--chunk-size N] [--malformed] [--request file]")
	fmt.Fprintln(w, "  whistle listen [--proto tcp|udp] [--port N] [--duration-ms N] [--max-capture N] [--echo] [--echo-payload text] [--respond-delay-ms N] [--malformed] [--progress] [--request file]")
	fmt.Fprintln(w, "  whistle diag [--config path] [--server URL] [--output file] [--self-test=false]")
}
