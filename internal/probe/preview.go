package probe

import (
	"encoding/hex"
	"net"
	"net/netip"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pingsantohq/whistle/pkg/types"
)

// NewPreview renders b as lossy UTF-8 text and lowercase hex.
func NewPreview(b []byte) types.Preview {
	return types.Preview{
		Text:  lossyText(b),
		Hex:   hex.EncodeToString(b),
		Bytes: len(b),
	}
}

// lossyText replaces every maximal invalid subsequence of b with one U+FFFD.
// A truncated multi-byte sequence counts as a single invalid subsequence.
func lossyText(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	var sb strings.Builder
	sb.Grow(len(b) + 8)
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r != utf8.RuneError || size > 1 {
			sb.Write(b[:size])
			b = b[size:]
			continue
		}
		sb.WriteRune(utf8.RuneError)
		b = b[invalidPrefix(b):]
	}
	return sb.String()
}

// invalidPrefix returns how many bytes of b, which does not start with a
// valid rune, form one invalid subsequence: a lead byte plus the continuation
// bytes that could still have completed it.
func invalidPrefix(b []byte) int {
	need, lo, hi := 0, byte(0x80), byte(0xBF)
	switch lead := b[0]; {
	case lead >= 0xC2 && lead <= 0xDF:
		need = 1
	case lead == 0xE0:
		need, lo = 2, 0xA0
	case lead == 0xED:
		need, hi = 2, 0x9F
	case lead >= 0xE1 && lead <= 0xEF:
		need = 2
	case lead == 0xF0:
		need, lo = 3, 0x90
	case lead == 0xF4:
		need, hi = 3, 0x8F
	case lead >= 0xF1 && lead <= 0xF3:
		need = 3
	default:
		return 1
	}
	n := 1
	for n <= need && n < len(b) && b[n] >= lo && b[n] <= hi {
		lo, hi = 0x80, 0xBF
		n++
	}
	return n
}

func newCapture(remote net.Addr, data []byte) types.CaptureEntry {
	p := NewPreview(data)
	entry := types.CaptureEntry{
		At:    time.Now().UTC(),
		Bytes: p.Bytes,
		Hex:   p.Hex,
		Text:  p.Text,
	}
	if ap, ok := addrPort(remote); ok {
		host := ap.Addr().Unmap().String()
		port := int(ap.Port())
		entry.RemoteAddress = &host
		entry.RemotePort = &port
	}
	return entry
}

func noteCapture(note string) types.CaptureEntry {
	return types.CaptureEntry{
		At:   time.Now().UTC(),
		Note: note,
	}
}

func addrPort(addr net.Addr) (netip.AddrPort, bool) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.AddrPort(), true
	case *net.UDPAddr:
		return a.AddrPort(), true
	case nil:
		return netip.AddrPort{}, false
	}
	ap, err := netip.ParseAddrPort(addr.String())
	return ap, err == nil
}
