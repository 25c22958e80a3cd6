package probe

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/pingsantohq/whistle/pkg/types"
)

const (
	tcpReadBuffer = 8192
	udpReadBuffer = 65535
	chunkPause    = 120 * time.Millisecond
)

func (r *runner) sendTCP(ctx context.Context, p TCPSend) (types.SendResult, error) {
	start := time.Now()

	addr, err := resolveLoopback(ctx, p.Host, p.Port)
	if err != nil {
		return types.SendResult{}, err
	}

	dialer := net.Dialer{Timeout: p.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		if isCancelled(ctx) {
			return types.SendResult{}, cancelled(ctx.Err())
		}
		return types.SendResult{}, newError(KindConnect, "connect "+addr.String(), err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := sleepContext(ctx, p.Delay); err != nil {
		return types.SendResult{}, cancelled(err)
	}

	if err := writePayload(ctx, conn, p.Payload, p.ChunkSize, p.Timeout); err != nil {
		if isCancelled(ctx) {
			return types.SendResult{}, cancelled(ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return types.SendResult{}, cancelled(err)
		}
		return types.SendResult{}, newError(KindIO, "write", err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}

	response, err := readUntilBound(conn, p.Timeout, time.Time{}, MaxResponseBytes)
	if err != nil {
		if isCancelled(ctx) {
			return types.SendResult{}, cancelled(ctx.Err())
		}
		return types.SendResult{}, newError(KindIO, "read", err)
	}

	return types.SendResult{
		OK:            true,
		Mode:          ModeTCPSend.String(),
		ElapsedMs:     time.Since(start).Milliseconds(),
		BytesSent:     len(p.Payload),
		BytesReceived: len(response),
		Response:      NewPreview(response),
	}, nil
}

// writePayload writes payload whole, or in chunkSize pieces spaced by
// chunkPause when chunking is requested and shorter than the payload.
func writePayload(ctx context.Context, conn net.Conn, payload []byte, chunkSize int, timeout time.Duration) error {
	if chunkSize <= 0 || chunkSize >= len(payload) {
		return writeWithin(conn, payload, timeout)
	}
	pacer := rate.NewLimiter(rate.Every(chunkPause), 1)
	for off := 0; off < len(payload); off += chunkSize {
		if err := pacer.Wait(ctx); err != nil {
			// The limiter refuses a wait that would outlive ctx before ctx ends.
			if ctx.Err() == nil {
				if _, ok := ctx.Deadline(); ok {
					err = context.DeadlineExceeded
				}
			}
			return errors.Wrap(err, "pace chunk")
		}
		end := min(off+chunkSize, len(payload))
		if err := writeWithin(conn, payload[off:end], timeout); err != nil {
			return errors.Wrapf(err, "chunk at offset %d", off)
		}
	}
	return nil
}

func writeWithin(conn net.Conn, b []byte, timeout time.Duration) error {
	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	_, err := conn.Write(b)
	return err
}

// readUntilBound reads until peer close, limit bytes, or a read stalls past
// timeout. A non-zero cutoff bounds the whole read regardless of progress.
// Only errors other than EOF and timeouts are returned.
func readUntilBound(conn net.Conn, timeout time.Duration, cutoff time.Time, limit int) ([]byte, error) {
	buf := make([]byte, tcpReadBuffer)
	var out []byte
	for {
		if timeout > 0 {
			deadline := time.Now().Add(timeout)
			if !cutoff.IsZero() && cutoff.Before(deadline) {
				deadline = cutoff
			}
			_ = conn.SetReadDeadline(deadline)
		}
		n, err := conn.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
			if len(out) >= limit {
				return out[:limit], nil
			}
		}
		if err != nil {
			if isSoftEnd(err) {
				return out, nil
			}
			return out, err
		}
	}
}

func (r *runner) sendUDP(ctx context.Context, p UDPSend) (types.SendResult, error) {
	start := time.Now()

	addr, err := resolveLoopback(ctx, p.Host, p.Port)
	if err != nil {
		return types.SendResult{}, err
	}

	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return types.SendResult{}, newError(KindConnect, "associate "+addr.String(), err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := sleepContext(ctx, p.Delay); err != nil {
		return types.SendResult{}, cancelled(err)
	}

	if err := writeWithin(conn, p.Payload, p.Timeout); err != nil {
		if isCancelled(ctx) {
			return types.SendResult{}, cancelled(ctx.Err())
		}
		return types.SendResult{}, newError(KindIO, "send", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(p.Timeout))
	buf := make([]byte, udpReadBuffer)
	n, err := conn.Read(buf)
	var response []byte
	switch {
	case err == nil:
		response = buf[:min(n, MaxResponseBytes)]
	case isCancelled(ctx):
		return types.SendResult{}, cancelled(ctx.Err())
	case isTimeout(err), isPortUnreachable(err):
		// No reply is a valid UDP outcome.
	default:
		return types.SendResult{}, newError(KindIO, "recv", err)
	}

	return types.SendResult{
		OK:            true,
		Mode:          ModeUDPSend.String(),
		ElapsedMs:     time.Since(start).Milliseconds(),
		BytesSent:     len(p.Payload),
		BytesReceived: len(response),
		Response:      NewPreview(response),
	}, nil
}
