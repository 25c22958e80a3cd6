//go:build windows

package probe

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

func isPortUnreachable(err error) bool {
	return errors.Is(err, windows.WSAECONNRESET)
}
