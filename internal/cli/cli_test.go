package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pingsantohq/whistle/pkg/types"
)

func startEchoUpper(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf, _ := io.ReadAll(conn)
		conn.Write(bytes.ToUpper(buf))
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestSendPrintsResult(t *testing.T) {
	port := startEchoUpper(t)
	var out bytes.Buffer

	err := Send(context.Background(), []string{"--port", strconv.Itoa(port), "--payload", "hi"}, Dependencies{Out: &out, Err: io.Discard})
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	var res types.SendResult
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("decode output: %v (%s)", err, out.String())
	}
	if !res.OK || res.Mode != "tcp-send" || res.Response.Text != "HI" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSendRejectsRemoteHost(t *testing.T) {
	var out bytes.Buffer
	err := Send(context.Background(), []string{"--host", "10.0.0.1", "--port", "80"}, Dependencies{Out: &out, Err: io.Discard})
	if err == nil {
		t.Fatalf("expected validation error")
	}

	var res types.ErrorResult
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if res.OK || res.Kind != "validation" {
		t.Fatalf("unexpected error output %+v", res)
	}
}

func TestSendRejectsUnknownProto(t *testing.T) {
	err := Send(context.Background(), []string{"--proto", "sctp", "--port", "80"}, Dependencies{Out: io.Discard, Err: io.Discard})
	if err == nil || !strings.Contains(err.Error(), "invalid proto") {
		t.Fatalf("expected proto error, got %v", err)
	}
}

func TestSendReadsRequestFile(t *testing.T) {
	port := startEchoUpper(t)
	path := filepath.Join(t.TempDir(), "req.yaml")
	body := "mode: tcp-send\nhost: 127.0.0.1\nport: " + strconv.Itoa(port) + "\npayload: from-file\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write request: %v", err)
	}

	var out bytes.Buffer
	if err := Send(context.Background(), []string{"--request", path}, Dependencies{Out: &out, Err: io.Discard}); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	var res types.SendResult
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if res.Response.Text != "FROM-FILE" {
		t.Fatalf("unexpected response %+v", res.Response)
	}
}

func TestListenEndsAtDuration(t *testing.T) {
	var out bytes.Buffer
	started := time.Now()
	err := Listen(context.Background(), []string{"--proto", "udp", "--port", "0", "--duration-ms", "150", "--progress"}, Dependencies{
		Out:        &out,
		Err:        io.Discard,
		IsTerminal: func(io.Writer) bool { return true },
	})
	if err != nil {
		t.Fatalf("Listen returned error: %v", err)
	}
	if time.Since(started) > 3*time.Second {
		t.Fatalf("listen overran its duration")
	}

	var res types.ListenResult
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if !res.OK || res.Mode != "udp-listen" || len(res.Captures) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestServeAnswersUntilCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "whistle.yaml")
	if err := os.WriteFile(path, []byte("server:\n  listen: 127.0.0.1:0\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addrCh := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, []string{"--config", path}, Dependencies{
			Out:      io.Discard,
			Err:      io.Discard,
			OnListen: func(addr string) { addrCh <- addr },
		})
	}()

	var addr string
	select {
	case addr = <-addrCh:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not start")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	resp, err = http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("serve did not stop")
	}
}

func TestServeMissingConfig(t *testing.T) {
	err := Serve(context.Background(), []string{"--config", filepath.Join(t.TempDir(), "none.yaml")}, Dependencies{Err: io.Discard})
	if err == nil || !strings.Contains(err.Error(), "failed to load config") {
		t.Fatalf("expected config error, got %v", err)
	}
}
