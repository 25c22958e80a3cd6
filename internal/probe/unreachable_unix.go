//go:build unix

package probe

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// isPortUnreachable reports the error a connected UDP socket surfaces after
// the peer answered with ICMP port unreachable.
func isPortUnreachable(err error) bool {
	return errors.Is(err, unix.ECONNREFUSED)
}
