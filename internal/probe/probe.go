// Package probe implements the whistle probe engine: single round-trip TCP and
// UDP sends against loopback targets, and bounded listen sessions that capture
// and optionally echo inbound traffic.
package probe

import (
	"strings"
	"time"

	"github.com/pingsantohq/whistle/pkg/types"
)

const (
	MaxPayloadBytes  = 4096
	MaxResponseBytes = 128 * 1024
	MaxDelay         = 8000 * time.Millisecond
	MaxDuration      = 600000 * time.Millisecond
	MaxCapture       = 25
	MaxTimeout       = 60 * time.Second
	MinTimeout       = 500 * time.Millisecond
	maxHostLength    = 255

	defaultTCPTimeout  = 5000 * time.Millisecond
	defaultUDPTimeout  = 4000 * time.Millisecond
	defaultTCPDuration = MaxDuration
	defaultUDPDuration = 5000 * time.Millisecond
	defaultMaxCapture  = 10
	defaultEchoPayload = "ack"
)

type Mode string

const (
	ModeTCPSend   Mode = "tcp-send"
	ModeUDPSend   Mode = "udp-send"
	ModeTCPListen Mode = "tcp-listen"
	ModeUDPListen Mode = "udp-listen"
)

// Modes lists every supported mode in presentation order.
var Modes = []Mode{ModeTCPSend, ModeUDPSend, ModeTCPListen, ModeUDPListen}

func (m Mode) String() string { return string(m) }

// Listens reports whether m is a passive capture mode.
func (m Mode) Listens() bool {
	return m == ModeTCPListen || m == ModeUDPListen
}

func ParseMode(raw string) (Mode, error) {
	normalized := Mode(strings.ToLower(strings.TrimSpace(raw)))
	if normalized == "" {
		return "", invalid(ErrModeRequired)
	}
	for _, m := range Modes {
		if m == normalized {
			return m, nil
		}
	}
	return "", &Error{Kind: KindValidation, Op: string(normalized), Err: ErrUnsupportedMode}
}

// Probe is an admitted, immutable probe invocation. The set of implementations
// is closed: TCPSend, UDPSend, TCPListen and UDPListen.
type Probe interface {
	Mode() Mode
	probe()
}

type TCPSend struct {
	Host      string
	Port      int
	Payload   []byte
	Timeout   time.Duration
	Delay     time.Duration
	ChunkSize int
}

type UDPSend struct {
	Host    string
	Port    int
	Payload []byte
	Timeout time.Duration
	Delay   time.Duration
}

// ListenOptions are shared by both listen modes.
type ListenOptions struct {
	Port         int
	Duration     time.Duration
	MaxCapture   int
	Echo         bool
	EchoPayload  []byte
	RespondDelay time.Duration
}

type TCPListen struct {
	ListenOptions
}

type UDPListen struct {
	ListenOptions
}

func (TCPSend) Mode() Mode   { return ModeTCPSend }
func (UDPSend) Mode() Mode   { return ModeUDPSend }
func (TCPListen) Mode() Mode { return ModeTCPListen }
func (UDPListen) Mode() Mode { return ModeUDPListen }

func (TCPSend) probe()   {}
func (UDPSend) probe()   {}
func (TCPListen) probe() {}
func (UDPListen) probe() {}

// Admit validates a wire request and clamps every optional field to its
// safety bound. No socket is touched.
func Admit(req types.WhistleRequest) (Probe, error) {
	mode, err := ParseMode(req.Mode)
	if err != nil {
		return nil, err
	}

	if mode.Listens() {
		if req.Port < 0 || req.Port > 65535 {
			return nil, invalid(ErrInvalidPort)
		}
		fallback := defaultUDPDuration
		if mode == ModeTCPListen {
			fallback = defaultTCPDuration
		}
		opts := ListenOptions{
			Port:         req.Port,
			Duration:     clampDuration(req.DurationMs, fallback),
			MaxCapture:   clampCapture(req.MaxCapture),
			Echo:         req.Echo,
			EchoPayload:  BuildPayload(stringOr(req.EchoPayload, defaultEchoPayload), req.Malformed),
			RespondDelay: clampDelay(req.RespondDelayMs),
		}
		if mode == ModeTCPListen {
			return TCPListen{ListenOptions: opts}, nil
		}
		return UDPListen{ListenOptions: opts}, nil
	}

	host := strings.TrimSpace(req.Host)
	if host == "" {
		return nil, invalid(ErrHostRequired)
	}
	if len(host) > maxHostLength {
		return nil, invalid(ErrHostTooLong)
	}
	if err := ValidateDestination(host); err != nil {
		return nil, err
	}
	if req.Port < 1 || req.Port > 65535 {
		return nil, invalid(ErrInvalidPort)
	}

	payload := BuildPayload(stringOr(req.Payload, ""), req.Malformed)
	delay := clampDelay(req.DelayMs)

	if mode == ModeTCPSend {
		return TCPSend{
			Host:      host,
			Port:      req.Port,
			Payload:   payload,
			Timeout:   clampTimeout(req.TimeoutMs, defaultTCPTimeout),
			Delay:     delay,
			ChunkSize: clampChunk(req.ChunkSize),
		}, nil
	}
	return UDPSend{
		Host:    host,
		Port:    req.Port,
		Payload: payload,
		Timeout: clampTimeout(req.TimeoutMs, defaultUDPTimeout),
		Delay:   delay,
	}, nil
}

func clampDelay(ms *int64) time.Duration {
	if ms == nil || *ms <= 0 {
		return 0
	}
	return min(millis(*ms), MaxDelay)
}

func clampDuration(ms *int64, fallback time.Duration) time.Duration {
	if ms == nil {
		return fallback
	}
	if *ms < 1 {
		return time.Millisecond
	}
	return min(millis(*ms), MaxDuration)
}

func clampTimeout(ms *int64, fallback time.Duration) time.Duration {
	timeout := fallback
	if ms != nil && *ms > 0 {
		timeout = millis(*ms)
	}
	return max(min(timeout, MaxTimeout), MinTimeout)
}

func clampCapture(n *int) int {
	if n == nil {
		return defaultMaxCapture
	}
	return max(min(*n, MaxCapture), 0)
}

func clampChunk(n *int) int {
	if n == nil || *n <= 0 {
		return 0
	}
	return min(*n, MaxPayloadBytes)
}

// millis converts without overflowing for absurd inputs.
func millis(ms int64) time.Duration {
	const ceiling = int64(1<<63-1) / int64(time.Millisecond)
	if ms > ceiling {
		ms = ceiling
	}
	return time.Duration(ms) * time.Millisecond
}

func stringOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
