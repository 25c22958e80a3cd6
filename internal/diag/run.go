package diag

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pingsantohq/whistle/internal/config"
	"github.com/pingsantohq/whistle/internal/events"
	"github.com/pingsantohq/whistle/internal/probe"
	"github.com/pingsantohq/whistle/pkg/types"
)

const (
	defaultOutputPrefix = "whistle_diag_"
	infoFileName        = "diagnostics/info.json"
	selfTestFileName    = "diagnostics/selftest.json"
	configDirName       = "config"
	observabilityDir    = "observability"
	selfTestPayload     = "whistle-selftest"
)

// Dependencies provides optional overrides for testing.
type Dependencies struct {
	Now        func() time.Time
	HTTPClient *http.Client
	Out        io.Writer
}

// Run collects a diagnostics bundle: the config file, a scrape of a running
// server and a loopback self-test of every probe mode.
func Run(ctx context.Context, args []string, deps Dependencies) error {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Out == nil {
		deps.Out = os.Stdout
	}

	fs := flag.NewFlagSet("diag", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigPath, "Path to whistle configuration file")
	outputPath := fs.String("output", "", "Path for diagnostics tarball (default ./whistle_diag_<ts>.tar.gz)")
	serverURL := fs.String("server", "", "Base URL of a running whistle server to scrape (default from config)")
	scrapeTimeout := fs.Duration("scrape-timeout", 3*time.Second, "HTTP timeout when scraping the server")
	selfTest := fs.Bool("self-test", true, "Run a loopback send/listen round trip for tcp and udp")

	if err := fs.Parse(args); err != nil {
		return err
	}

	now := deps.Now().UTC()
	outPath := *outputPath
	if outPath == "" {
		outPath = fmt.Sprintf("%s%s.tar.gz", defaultOutputPrefix, now.Format("20060102T150405Z"))
	}
	if dir := filepath.Dir(outPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensure output directory %q: %w", dir, err)
		}
	}

	info := bundleInfo{
		GeneratedAt: now.Format(time.RFC3339),
		OutputPath:  outPath,
		Warnings:    make([]string, 0, 4),
		GoVersion:   runtime.Version(),
		GOOS:        runtime.GOOS,
	}

	cfg := config.Default()
	if parsed, err := config.Load(ctx, *configPath); err != nil {
		info.Warnings = append(info.Warnings, fmt.Sprintf("config unavailable (%s): %v", *configPath, err))
	} else {
		cfg = parsed
		info.ConfigPath = *configPath
	}

	outFile, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create diagnostics file %q: %w", outPath, err)
	}
	defer outFile.Close()

	gw := gzip.NewWriter(outFile)
	defer gw.Close()

	tw := tar.NewWriter(gw)
	defer tw.Close()

	if info.ConfigPath != "" {
		if err := addFile(tw, *configPath, filepath.ToSlash(filepath.Join(configDirName, filepath.Base(*configPath)))); err != nil {
			info.Warnings = append(info.Warnings, fmt.Sprintf("failed to include config %q: %v", *configPath, err))
		}
	}

	base := strings.TrimRight(*serverURL, "/")
	if base == "" {
		base = "http://" + cfg.Server.Listen
	}
	info.Server = &serverSummary{URL: base}
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *scrapeTimeout}
	}
	scrapeCtx, cancel := context.WithTimeout(ctx, *scrapeTimeout)
	defer cancel()

	if data, status, err := fetch(scrapeCtx, client, base+"/readyz"); err != nil {
		info.Warnings = append(info.Warnings, fmt.Sprintf("readiness probe failed: %v", err))
	} else {
		info.Server.Ready = status == http.StatusOK
		info.Server.ReadyReason = strings.TrimSpace(string(data))
	}

	if data, status, err := fetch(scrapeCtx, client, base+"/metrics"); err != nil {
		info.Warnings = append(info.Warnings, fmt.Sprintf("metrics scrape failed: %v", err))
	} else if status != http.StatusOK {
		info.Warnings = append(info.Warnings, fmt.Sprintf("metrics scrape returned status %d", status))
	} else {
		if err := addBytes(tw, data, filepath.ToSlash(filepath.Join(observabilityDir, "metrics.prom"))); err != nil {
			info.Warnings = append(info.Warnings, fmt.Sprintf("failed to include metrics snapshot: %v", err))
		}
		summary, warns := summarizeMetrics(data)
		info.Server.Metrics = summary
		info.Warnings = append(info.Warnings, warns...)
	}

	if *selfTest {
		results := runSelfTest(ctx)
		payload, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal self-test results: %w", err)
		}
		if err := addBytes(tw, payload, selfTestFileName); err != nil {
			return err
		}
		for _, r := range results {
			if !r.OK {
				info.Warnings = append(info.Warnings, fmt.Sprintf("self-test %s failed: %s", r.Mode, r.Error))
			}
		}
		info.SelfTest = results
	}

	if err := writeInfo(tw, info); err != nil {
		return err
	}

	fmt.Fprintf(deps.Out, "diagnostics written to %s (%d warnings)\n", outPath, len(info.Warnings))
	return nil
}

// selfTestResult is the outcome of one loopback round trip.
type selfTestResult struct {
	Mode      string `json:"mode"`
	OK        bool   `json:"ok"`
	ElapsedMs int64  `json:"elapsed_ms"`
	Echoed    string `json:"echoed,omitempty"`
	Captured  int    `json:"captured"`
	Error     string `json:"error,omitempty"`
}

func runSelfTest(ctx context.Context) []selfTestResult {
	return []selfTestResult{
		roundTrip(ctx, "tcp"),
		roundTrip(ctx, "udp"),
	}
}

// roundTrip starts an echoing listen session on an ephemeral port and sends
// one payload to it.
func roundTrip(ctx context.Context, proto string) selfTestResult {
	res := selfTestResult{Mode: proto}
	started := time.Now()

	duration := int64(3000)
	maxCapture := 1
	echoPayload := selfTestPayload
	listener, err := probe.Admit(types.WhistleRequest{
		Mode:        proto + "-listen",
		DurationMs:  &duration,
		MaxCapture:  &maxCapture,
		Echo:        true,
		EchoPayload: &echoPayload,
	})
	if err != nil {
		res.Error = err.Error()
		return res
	}

	bound := make(chan string, 1)
	onListen := events.Func(func(ev types.Event) {
		if ev.Type == types.EventListening {
			bound <- ev.Addr
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	var listened probe.Result
	g.Go(func() error {
		var err error
		listened, err = probe.Run(gctx, listener, probe.WithRecorder(onListen))
		return err
	})

	var sent probe.Result
	g.Go(func() error {
		var addr string
		select {
		case addr = <-bound:
		case <-gctx.Done():
			return gctx.Err()
		}
		_, portText, err := net.SplitHostPort(addr)
		if err != nil {
			return err
		}
		port, err := strconv.Atoi(portText)
		if err != nil {
			return err
		}
		payload := selfTestPayload
		timeout := int64(2000)
		sender, err := probe.Admit(types.WhistleRequest{
			Mode:      proto + "-send",
			Host:      "127.0.0.1",
			Port:      port,
			Payload:   &payload,
			TimeoutMs: &timeout,
		})
		if err != nil {
			return err
		}
		sent, err = probe.Run(gctx, sender)
		return err
	})

	if err := g.Wait(); err != nil {
		res.Error = err.Error()
		return res
	}

	res.ElapsedMs = time.Since(started).Milliseconds()
	if listened.Listen != nil {
		res.Captured = len(listened.Listen.Captures)
	}
	if sent.Send != nil {
		res.Echoed = sent.Send.Response.Text
	}
	switch {
	case res.Captured != 1:
		res.Error = fmt.Sprintf("expected 1 capture, got %d", res.Captured)
	case res.Echoed != selfTestPayload:
		res.Error = fmt.Sprintf("unexpected echo %q", res.Echoed)
	default:
		res.OK = true
	}
	return res
}

func fetch(ctx context.Context, client *http.Client, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "text/plain")
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return data, resp.StatusCode, err
}

// summarizeMetrics totals the whistle counters that matter when triaging.
func summarizeMetrics(data []byte) (*metricsSummary, []string) {
	summary := &metricsSummary{}
	var warnings []string
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, err := parseMetricLine(line)
		if err != nil {
			warnings = append(warnings, err.Error())
			continue
		}
		switch name {
		case "whistle_probes_active_number":
			summary.ActiveProbes += int64(value)
		case "whistle_probes_started_total":
			summary.Started += uint64(value)
		case "whistle_probes_failed_total":
			summary.Failed += uint64(value)
		case "whistle_api_rejected_total":
			summary.Rejected += uint64(value)
		}
	}
	return summary, warnings
}

// parseMetricLine splits `name{labels} value` into the bare name and value.
func parseMetricLine(line string) (string, float64, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", 0, fmt.Errorf("invalid metric line %q", line)
	}
	name := fields[0]
	if i := strings.IndexByte(name, '{'); i >= 0 {
		name = name[:i]
	}
	value, err := strconv.ParseFloat(fields[len(fields)-1], 64)
	if err != nil {
		return "", 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return name, value, nil
}

func writeInfo(tw *tar.Writer, info bundleInfo) error {
	payload, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal diagnostics info: %w", err)
	}
	return addBytes(tw, payload, infoFileName)
}

func addBytes(tw *tar.Writer, data []byte, name string) error {
	header := &tar.Header{
		Name:    name,
		Mode:    0o600,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write tar header for %q: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write tar content for %q: %w", name, err)
	}
	return nil
}

func addFile(tw *tar.Writer, src, name string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %q: %w", src, err)
	}
	if !info.Mode().IsRegular() {
		return errors.New("not a regular file")
	}
	file, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %q: %w", src, err)
	}
	defer file.Close()

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("header for %q: %w", src, err)
	}
	header.Name = name
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %q: %w", src, err)
	}
	if _, err := io.Copy(tw, file); err != nil {
		return fmt.Errorf("copy %q: %w", src, err)
	}
	return nil
}

type bundleInfo struct {
	GeneratedAt string           `json:"generated_at"`
	OutputPath  string           `json:"output_path"`
	ConfigPath  string           `json:"config_path,omitempty"`
	Server      *serverSummary   `json:"server,omitempty"`
	SelfTest    []selfTestResult `json:"self_test,omitempty"`
	Warnings    []string         `json:"warnings,omitempty"`
	GoVersion   string           `json:"go_version"`
	GOOS        string           `json:"goos"`
}

type serverSummary struct {
	URL         string          `json:"url"`
	Ready       bool            `json:"ready"`
	ReadyReason string          `json:"ready_reason,omitempty"`
	Metrics     *metricsSummary `json:"metrics,omitempty"`
}

type metricsSummary struct {
	ActiveProbes int64  `json:"active_probes"`
	Started      uint64 `json:"started_total"`
	Failed       uint64 `json:"failed_total"`
	Rejected     uint64 `json:"rejected_total"`
}
