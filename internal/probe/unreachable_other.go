//go:build !unix && !windows

package probe

func isPortUnreachable(err error) bool {
	return false
}
