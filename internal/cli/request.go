// Package cli implements the whistle subcommands. Each command parses its own
// flag set and writes its result as JSON, so output can be piped into other
// tools.
package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/pingsantohq/whistle/internal/events"
	"github.com/pingsantohq/whistle/internal/probe"
	"github.com/pingsantohq/whistle/pkg/types"
)

type Dependencies struct {
	Out    io.Writer
	Err    io.Writer
	Logger *log.Logger
	// IsTerminal decides whether progress output is rendered on w.
	IsTerminal func(w io.Writer) bool
	// OnListen is called with the bound address once serve accepts connections.
	OnListen func(addr string)
}

func (d Dependencies) withDefaults() Dependencies {
	if d.Out == nil {
		d.Out = os.Stdout
	}
	if d.Err == nil {
		d.Err = os.Stderr
	}
	if d.Logger == nil {
		d.Logger = log.New(io.Discard, "", 0)
	}
	if d.IsTerminal == nil {
		d.IsTerminal = isTerminal
	}
	return d
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// requestFlags binds the flags shared by send and listen. Optional values are
// only copied into the request when given on the command line, so admission
// can still tell an absent field from an explicit zero.
type requestFlags struct {
	fs        *flag.FlagSet
	file      *string
	proto     *string
	port      *int
	malformed *bool
}

func newRequestFlags(fs *flag.FlagSet) *requestFlags {
	return &requestFlags{
		fs:        fs,
		file:      fs.String("request", "", "YAML or JSON file holding a whistle request; flags override its fields"),
		proto:     fs.String("proto", "tcp", "Transport (tcp|udp)"),
		port:      fs.Int("port", 0, "Port number"),
		malformed: fs.Bool("malformed", false, "Append the malformed marker to the outgoing payload"),
	}
}

// build merges the optional request file with the shared flags and returns
// the set of flags given explicitly.
func (f *requestFlags) build(action string) (types.WhistleRequest, map[string]bool, error) {
	var req types.WhistleRequest
	if *f.file != "" {
		loaded, err := loadRequest(*f.file)
		if err != nil {
			return req, nil, err
		}
		req = loaded
	}

	set := map[string]bool{}
	f.fs.Visit(func(fl *flag.Flag) { set[fl.Name] = true })

	if req.Mode == "" || set["proto"] {
		proto := strings.ToLower(strings.TrimSpace(*f.proto))
		if proto != "tcp" && proto != "udp" {
			return req, nil, fmt.Errorf("invalid proto %q (allowed: tcp, udp)", *f.proto)
		}
		req.Mode = proto + "-" + action
	}
	if set["port"] {
		req.Port = *f.port
	}
	if set["malformed"] {
		req.Malformed = *f.malformed
	}
	return req, set, nil
}

// loadRequest reads a request document. JSON is accepted as a YAML subset.
func loadRequest(path string) (types.WhistleRequest, error) {
	var req types.WhistleRequest
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return req, fmt.Errorf("read request %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("parse request %q: %w", path, err)
	}
	return req, nil
}

// execute admits req, runs it on the calling goroutine and prints the outcome.
func execute(ctx context.Context, req types.WhistleRequest, deps Dependencies, extra events.Recorder) error {
	p, err := probe.Admit(req)
	if err != nil {
		writeJSON(deps.Out, types.ErrorResult{OK: false, Error: err.Error(), Kind: probe.KindOf(err).String()})
		return err
	}

	res, err := probe.Run(ctx, p,
		probe.WithProbeID(uuid.NewString()),
		probe.WithRecorder(events.NewMulti(events.NewLogRecorder(deps.Logger), extra)),
	)
	if err != nil {
		writeJSON(deps.Out, types.ErrorResult{OK: false, Error: err.Error(), Kind: probe.KindOf(err).String()})
		return err
	}
	return writeJSON(deps.Out, res)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}
