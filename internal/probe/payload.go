package probe

// malformedMarker is appended to payloads when malformed input is requested.
var malformedMarker = []byte{0x00, 0xff, 0x13, 0x37}

// BuildPayload returns the bounded outbound buffer for payload. When malformed
// is set the marker always survives: the base payload is cut short enough to
// leave room for it.
func BuildPayload(payload string, malformed bool) []byte {
	limit := MaxPayloadBytes
	if malformed {
		limit -= len(malformedMarker)
	}
	data := []byte(payload)
	if len(data) > limit {
		data = data[:limit]
	}
	if !malformed {
		return data
	}
	out := make([]byte, 0, len(data)+len(malformedMarker))
	out = append(out, data...)
	return append(out, malformedMarker...)
}
