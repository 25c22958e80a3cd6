package probe

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pingsantohq/whistle/pkg/types"
)

const (
	pollInterval    = 50 * time.Millisecond
	connReadTimeout = 5 * time.Second
)

// session tracks the deadline and capture bound shared by both listen modes.
type session struct {
	start    time.Time
	deadline time.Time
	limit    int
	captures []types.CaptureEntry
}

func newSession(opts ListenOptions) *session {
	start := time.Now()
	return &session{
		start:    start,
		deadline: start.Add(opts.Duration),
		limit:    opts.MaxCapture,
		captures: make([]types.CaptureEntry, 0, opts.MaxCapture),
	}
}

// next returns the poll deadline for the coming iteration, or false once the
// session is over.
func (s *session) next(ctx context.Context) (time.Time, bool) {
	if len(s.captures) >= s.limit || isCancelled(ctx) {
		return time.Time{}, false
	}
	now := time.Now()
	if !now.Before(s.deadline) {
		return time.Time{}, false
	}
	return now.Add(min(pollInterval, s.deadline.Sub(now))), true
}

func (s *session) result(mode Mode) types.ListenResult {
	return types.ListenResult{
		OK:         true,
		Mode:       mode.String(),
		DurationMs: time.Since(s.start).Milliseconds(),
		Captures:   s.captures,
	}
}

func (r *runner) record(s *session, mode Mode, entry types.CaptureEntry) {
	s.captures = append(s.captures, entry)
	ev := types.Event{Type: types.EventCapture, Mode: mode.String(), Bytes: entry.Bytes, Note: entry.Note}
	if entry.RemoteAddress != nil && entry.RemotePort != nil {
		ev.Addr = net.JoinHostPort(*entry.RemoteAddress, strconv.Itoa(*entry.RemotePort))
	}
	r.emit(ev)
}

func listenAddr(port int) string {
	return net.JoinHostPort("", strconv.Itoa(port))
}

func (r *runner) listenTCP(ctx context.Context, p TCPListen) (types.ListenResult, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", listenAddr(p.Port))
	if err != nil {
		return types.ListenResult{}, newError(KindBind, "bind tcp "+listenAddr(p.Port), err)
	}
	defer ln.Close()
	tl := ln.(*net.TCPListener)

	r.emit(types.Event{Type: types.EventListening, Mode: ModeTCPListen.String(), Addr: ln.Addr().String()})

	s := newSession(p.ListenOptions)
	for {
		pollUntil, ok := s.next(ctx)
		if !ok {
			break
		}
		_ = tl.SetDeadline(pollUntil)
		conn, err := tl.Accept()
		if err != nil {
			if isTimeout(err) || isCancelled(ctx) {
				continue
			}
			r.record(s, ModeTCPListen, noteCapture(fmt.Sprintf("Accept error: %v", err)))
			continue
		}
		r.record(s, ModeTCPListen, r.handleConn(ctx, conn, p.ListenOptions, s.deadline.Add(connReadTimeout)))
	}

	return s.result(ModeTCPListen), nil
}

// handleConn drains one accepted connection and optionally echoes back.
// Reading stops at cutoff even if the peer keeps trickling data.
func (r *runner) handleConn(ctx context.Context, conn net.Conn, opts ListenOptions, cutoff time.Time) types.CaptureEntry {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	started := time.Now()
	// Read failures end the capture; what arrived so far is kept.
	data, _ := readUntilBound(conn, connReadTimeout, cutoff, MaxResponseBytes)

	entry := newCapture(conn.RemoteAddr(), data)
	elapsed := time.Since(started).Milliseconds()
	entry.ElapsedMs = &elapsed

	if opts.Echo {
		if err := sleepContext(ctx, opts.RespondDelay); err == nil {
			_ = writeWithin(conn, opts.EchoPayload, connReadTimeout)
		}
	}
	return entry
}

func (r *runner) listenUDP(ctx context.Context, p UDPListen) (types.ListenResult, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", listenAddr(p.Port))
	if err != nil {
		return types.ListenResult{}, newError(KindBind, "bind udp "+listenAddr(p.Port), err)
	}
	defer pc.Close()

	r.emit(types.Event{Type: types.EventListening, Mode: ModeUDPListen.String(), Addr: pc.LocalAddr().String()})

	buf := make([]byte, udpReadBuffer)
	s := newSession(p.ListenOptions)
	for {
		pollUntil, ok := s.next(ctx)
		if !ok {
			break
		}
		_ = pc.SetReadDeadline(pollUntil)
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) || isCancelled(ctx) {
				continue
			}
			r.record(s, ModeUDPListen, noteCapture(fmt.Sprintf("Recv error: %v", err)))
			continue
		}

		data := bytes.Clone(buf[:min(n, MaxResponseBytes)])
		r.record(s, ModeUDPListen, newCapture(from, data))

		if p.Echo {
			if err := sleepContext(ctx, p.RespondDelay); err == nil {
				_ = pc.SetWriteDeadline(time.Now().Add(connReadTimeout))
				_, _ = pc.WriteTo(p.EchoPayload, from)
			}
		}
	}

	return s.result(ModeUDPListen), nil
}
