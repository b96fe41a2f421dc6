//go:build !linux

package transport

import "syscall"

// controlReuseAddr is a no-op outside Linux; the socket option numbers this
// codebase relies on are Linux-specific, and the other platforms this
// module targets run exclusively in test environments.
func controlReuseAddr(_, _ string, _ syscall.RawConn) error {
	return nil
}
