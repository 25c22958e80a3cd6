package probe

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

var loopbackNames = map[string]struct{}{
	"localhost": {},
	"127.0.0.1": {},
	"::1":       {},
	"[::1]":     {},
}

// ValidateDestination restricts send targets to loopback. Listen modes bind
// locally and never pass through here.
func ValidateDestination(host string) error {
	normalized := strings.ToLower(strings.TrimSpace(host))
	if _, ok := loopbackNames[normalized]; ok {
		return nil
	}
	if strings.HasPrefix(normalized, "127.") {
		parts := strings.Split(normalized, ".")
		if len(parts) == 4 && allOctets(parts) {
			return nil
		}
	}
	return &Error{Kind: KindValidation, Op: host, Err: ErrForbiddenHost}
}

func allOctets(parts []string) bool {
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return false
		}
		if _, err := strconv.ParseUint(p, 10, 8); err != nil {
			return false
		}
	}
	return true
}

// resolveLoopback looks host up and returns the first usable address,
// preferring IPv4. Any resolved address outside loopback is refused.
func resolveLoopback(ctx context.Context, host string, port int) (netip.AddrPort, error) {
	host = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(host), "["), "]")
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.AddrPort{}, newError(KindResolution, "resolve "+host, err)
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, &Error{Kind: KindResolution, Op: "resolve " + host, Err: ErrNoAddress}
	}
	chosen := addrs[0].Unmap()
	for _, a := range addrs {
		if a.Unmap().Is4() {
			chosen = a.Unmap()
			break
		}
	}
	if !chosen.IsLoopback() {
		return netip.AddrPort{}, &Error{Kind: KindValidation, Op: chosen.String(), Err: ErrForbiddenHost}
	}
	return netip.AddrPortFrom(chosen, uint16(port)), nil
}
