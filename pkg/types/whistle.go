package types

import "time"

// WhistleRequest is the wire form of a probe invocation. Optional numeric
// fields are pointers so that an explicit zero can be told apart from an
// absent value during admission.
type WhistleRequest struct {
	Mode           string  `json:"mode" yaml:"mode"`
	Host           string  `json:"host,omitempty" yaml:"host,omitempty"`
	Port           int     `json:"port" yaml:"port"`
	Payload        *string `json:"payload,omitempty" yaml:"payload,omitempty"`
	TimeoutMs      *int64  `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	DelayMs        *int64  `json:"delayMs,omitempty" yaml:"delayMs,omitempty"`
	ChunkSize      *int    `json:"chunkSize,omitempty" yaml:"chunkSize,omitempty"`
	DurationMs     *int64  `json:"durationMs,omitempty" yaml:"durationMs,omitempty"`
	Malformed      bool    `json:"malformed,omitempty" yaml:"malformed,omitempty"`
	Echo           bool    `json:"echo,omitempty" yaml:"echo,omitempty"`
	EchoPayload    *string `json:"echoPayload,omitempty" yaml:"echoPayload,omitempty"`
	RespondDelayMs *int64  `json:"respondDelayMs,omitempty" yaml:"respondDelayMs,omitempty"`
	MaxCapture     *int    `json:"maxCapture,omitempty" yaml:"maxCapture,omitempty"`
}

// Preview pairs the text and hex renderings of a byte buffer.
type Preview struct {
	Text  string `json:"text" yaml:"text"`
	Hex   string `json:"hex" yaml:"hex"`
	Bytes int    `json:"bytes" yaml:"bytes"`
}

// SendResult is returned by the tcp-send and udp-send modes.
type SendResult struct {
	OK            bool    `json:"ok" yaml:"ok"`
	Mode          string  `json:"mode" yaml:"mode"`
	ElapsedMs     int64   `json:"elapsedMs" yaml:"elapsedMs"`
	BytesSent     int     `json:"bytesSent" yaml:"bytesSent"`
	BytesReceived int     `json:"bytesReceived" yaml:"bytesReceived"`
	Response      Preview `json:"response" yaml:"response"`
}

// CaptureEntry records one inbound connection or datagram seen by a listen session.
type CaptureEntry struct {
	At            time.Time `json:"at" yaml:"at"`
	RemoteAddress *string   `json:"remoteAddress,omitempty" yaml:"remoteAddress,omitempty"`
	RemotePort    *int      `json:"remotePort,omitempty" yaml:"remotePort,omitempty"`
	Bytes         int       `json:"bytes" yaml:"bytes"`
	Hex           string    `json:"hex" yaml:"hex"`
	Text          string    `json:"text" yaml:"text"`
	ElapsedMs     *int64    `json:"elapsedMs,omitempty" yaml:"elapsedMs,omitempty"`
	Note          string    `json:"note,omitempty" yaml:"note,omitempty"`
}

// ListenResult is returned by the tcp-listen and udp-listen modes.
type ListenResult struct {
	OK         bool           `json:"ok" yaml:"ok"`
	Mode       string         `json:"mode" yaml:"mode"`
	DurationMs int64          `json:"durationMs" yaml:"durationMs"`
	Captures   []CaptureEntry `json:"captures" yaml:"captures"`
}

// ErrorResult is the failure envelope returned across the dispatch boundary.
type ErrorResult struct {
	OK    bool   `json:"ok" yaml:"ok"`
	Error string `json:"error" yaml:"error"`
	Kind  string `json:"kind,omitempty" yaml:"kind,omitempty"`
}

// HistoryEntry summarizes one finished invocation.
type HistoryEntry struct {
	ID       string    `json:"id" yaml:"id"`
	Type     string    `json:"type" yaml:"type"`
	Protocol string    `json:"protocol" yaml:"protocol"`
	OK       bool      `json:"ok" yaml:"ok"`
	Summary  string    `json:"summary" yaml:"summary"`
	At       time.Time `json:"at" yaml:"at"`
}
