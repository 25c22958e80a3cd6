package probe

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/pingsantohq/whistle/internal/events"
	"github.com/pingsantohq/whistle/pkg/types"
)

type listenOutcome struct {
	res Result
	err error
}

// startListen runs p in the background and returns the loopback address it bound.
func startListen(t *testing.T, ctx context.Context, p Probe, rec events.Recorder) (string, <-chan listenOutcome) {
	t.Helper()
	ready := make(chan string, 1)
	recorder := events.NewMulti(rec, events.Func(func(ev types.Event) {
		if ev.Type == types.EventListening {
			ready <- ev.Addr
		}
	}))

	done := make(chan listenOutcome, 1)
	go func() {
		res, err := Run(ctx, p, WithRecorder(recorder), WithProbeID("test"))
		done <- listenOutcome{res: res, err: err}
	}()

	select {
	case addr := <-ready:
		_, port, err := net.SplitHostPort(addr)
		require.NoError(t, err)
		return net.JoinHostPort("127.0.0.1", port), done
	case out := <-done:
		t.Fatalf("listen ended before binding: %v", out.err)
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for listener")
	}
	return "", nil
}

func waitOutcome(t *testing.T, done <-chan listenOutcome) listenOutcome {
	t.Helper()
	select {
	case out := <-done:
		return out
	case <-time.After(10 * time.Second):
		t.Fatalf("timeout waiting for listen result")
	}
	return listenOutcome{}
}

func tcpExchange(addr, payload string) (string, error) {
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(payload)); err != nil {
		return "", err
	}
	if err := conn.(*net.TCPConn).CloseWrite(); err != nil {
		return "", err
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	reply, err := io.ReadAll(conn)
	return string(reply), err
}

func TestListenTCPEchoEndToEnd(t *testing.T) {
	p, err := Admit(types.WhistleRequest{Mode: "tcp-listen", DurationMs: i64(2000), MaxCapture: intp(1), Echo: true, EchoPayload: str("PONG")})
	require.NoError(t, err)

	addr, done := startListen(t, context.Background(), p, nil)

	reply, err := tcpExchange(addr, "PING")
	require.NoError(t, err)
	require.Equal(t, "PONG", reply)

	out := waitOutcome(t, done)
	require.NoError(t, out.err)
	require.NotNil(t, out.res.Listen)
	require.True(t, out.res.Listen.OK)
	require.Equal(t, "tcp-listen", out.res.Listen.Mode)
	require.Len(t, out.res.Listen.Captures, 1)

	c := out.res.Listen.Captures[0]
	require.Equal(t, "PING", c.Text)
	require.Equal(t, "50494e47", c.Hex)
	require.Equal(t, 4, c.Bytes)
	require.NotNil(t, c.RemoteAddress)
	require.Equal(t, "127.0.0.1", *c.RemoteAddress)
	require.NotNil(t, c.RemotePort)
	require.NotNil(t, c.ElapsedMs)
	require.Empty(t, c.Note)
	require.Less(t, out.res.Listen.DurationMs, int64(2000))
}

func TestSendAgainstListenEcho(t *testing.T) {
	p, err := Admit(types.WhistleRequest{Mode: "tcp-listen", DurationMs: i64(3000), MaxCapture: intp(1), Echo: true, EchoPayload: str("PONG")})
	require.NoError(t, err)
	addr, done := startListen(t, context.Background(), p, nil)

	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	portNum, err := strconv.Atoi(port)
	require.NoError(t, err)

	send, err := Admit(types.WhistleRequest{Mode: "tcp-send", Host: "127.0.0.1", Port: portNum, Payload: str("PING")})
	require.NoError(t, err)
	res, err := Run(context.Background(), send)
	require.NoError(t, err)
	require.Equal(t, 4, res.Send.BytesReceived)
	require.Equal(t, "504f4e47", res.Send.Response.Hex)

	out := waitOutcome(t, done)
	require.NoError(t, out.err)
	require.Len(t, out.res.Listen.Captures, 1)
}

func TestListenTCPStopsAtMaxCapture(t *testing.T) {
	p, err := Admit(types.WhistleRequest{Mode: "tcp-listen", DurationMs: i64(5000), MaxCapture: intp(2)})
	require.NoError(t, err)

	addr, done := startListen(t, context.Background(), p, nil)

	var eg errgroup.Group
	for i := 0; i < 3; i++ {
		payload := "conn-" + strconv.Itoa(i)
		eg.Go(func() error {
			// The third connection may be reset when the session closes.
			_, _ = tcpExchange(addr, payload)
			return nil
		})
	}

	out := waitOutcome(t, done)
	_ = eg.Wait()
	require.NoError(t, out.err)
	require.Len(t, out.res.Listen.Captures, 2)
	require.Less(t, out.res.Listen.DurationMs, int64(5000))
}

func TestListenTCPCaptureCappedAtMaxResponseBytes(t *testing.T) {
	p, err := Admit(types.WhistleRequest{Mode: "tcp-listen", DurationMs: i64(5000), MaxCapture: intp(1)})
	require.NoError(t, err)

	addr, done := startListen(t, context.Background(), p, nil)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	go func() {
		// The listener stops reading at the cap, so the tail may be refused.
		_, _ = conn.Write(bytes.Repeat([]byte{'q'}, MaxResponseBytes+5000))
		_ = conn.(*net.TCPConn).CloseWrite()
	}()

	out := waitOutcome(t, done)
	require.NoError(t, out.err)
	require.Len(t, out.res.Listen.Captures, 1)
	capture := out.res.Listen.Captures[0]
	require.Equal(t, MaxResponseBytes, capture.Bytes)
	require.Len(t, capture.Hex, 2*MaxResponseBytes)
}

func TestListenTCPSlowSenderCannotOutliveSession(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the read grace period after the session deadline")
	}
	p, err := Admit(types.WhistleRequest{Mode: "tcp-listen", DurationMs: i64(300), MaxCapture: intp(1)})
	require.NoError(t, err)

	addr, done := startListen(t, context.Background(), p, nil)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			if _, err := conn.Write([]byte("x")); err != nil {
				return
			}
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()

	out := waitOutcome(t, done)
	require.NoError(t, out.err)
	require.Len(t, out.res.Listen.Captures, 1)
	require.NotZero(t, out.res.Listen.Captures[0].Bytes)
	require.Less(t, out.res.Listen.DurationMs, (300*time.Millisecond + connReadTimeout + time.Second).Milliseconds())
}

func TestListenTCPDeadline(t *testing.T) {
	p, err := Admit(types.WhistleRequest{Mode: "tcp-listen", DurationMs: i64(150)})
	require.NoError(t, err)

	started := time.Now()
	res, err := Run(context.Background(), p)
	require.NoError(t, err)
	require.Empty(t, res.Listen.Captures)
	require.GreaterOrEqual(t, time.Since(started), 150*time.Millisecond)
	require.Less(t, time.Since(started), 2*time.Second)
}

func TestListenZeroDurationClampsToOneMillisecond(t *testing.T) {
	p, err := Admit(types.WhistleRequest{Mode: "udp-listen", DurationMs: i64(0)})
	require.NoError(t, err)

	res, err := Run(context.Background(), p)
	require.NoError(t, err)
	require.Empty(t, res.Listen.Captures)
	require.Less(t, res.Listen.DurationMs, int64(500))
}

func TestListenCancelReturnsCaptures(t *testing.T) {
	p, err := Admit(types.WhistleRequest{Mode: "tcp-listen", DurationMs: i64(60_000)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	addr, done := startListen(t, ctx, p, nil)

	_, err = tcpExchange(addr, "first")
	require.NoError(t, err)
	cancel()

	out := waitOutcome(t, done)
	require.NoError(t, out.err)
	require.Len(t, out.res.Listen.Captures, 1)
	require.Equal(t, "first", out.res.Listen.Captures[0].Text)
}

func TestListenBindConflict(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()

	p, err := Admit(types.WhistleRequest{Mode: "tcp-listen", Port: portOf(t, ln.Addr()), DurationMs: i64(100)})
	require.NoError(t, err)

	_, err = Run(context.Background(), p)
	require.Error(t, err)
	require.Equal(t, KindBind, KindOf(err))
}

func TestListenUDPCaptureAndEcho(t *testing.T) {
	p, err := Admit(types.WhistleRequest{Mode: "udp-listen", DurationMs: i64(3000), MaxCapture: intp(1), Echo: true, EchoPayload: str("PONG"), RespondDelayMs: i64(50)})
	require.NoError(t, err)

	var captured []types.Event
	addr, done := startListen(t, context.Background(), p, events.Func(func(ev types.Event) {
		if ev.Type == types.EventCapture {
			captured = append(captured, ev)
		}
	}))

	conn, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte{0xde, 0xad, 0xbe, 0xef})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "PONG", string(buf[:n]))

	out := waitOutcome(t, done)
	require.NoError(t, out.err)
	require.Len(t, out.res.Listen.Captures, 1)
	c := out.res.Listen.Captures[0]
	require.Equal(t, "deadbeef", c.Hex)
	require.Equal(t, 4, c.Bytes)
	require.Nil(t, c.ElapsedMs)
	require.Len(t, captured, 1)
	require.Equal(t, 4, captured[0].Bytes)
}

func TestListenUDPMaxCaptureZero(t *testing.T) {
	p, err := Admit(types.WhistleRequest{Mode: "udp-listen", DurationMs: i64(5000), MaxCapture: intp(0)})
	require.NoError(t, err)

	res, err := Run(context.Background(), p)
	require.NoError(t, err)
	require.Empty(t, res.Listen.Captures)
	require.Less(t, res.Listen.DurationMs, int64(1000))
}
