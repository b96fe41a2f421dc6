//go:build linux

package ioutil

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// sendfile attempts a zero-copy transfer of n bytes from src to the raw
// file descriptor behind rc using sendfile(2). handled is false only if rc's
// descriptor could not be obtained, in which case the caller falls back to a
// buffered copy; a sendfile(2) error is returned with handled true.
func sendfile(rc dstRawConn, src *os.File, n int64) (written int64, handled bool, err error) {
	conn, err := rc.SyscallConn()
	if err != nil {
		return 0, false, nil
	}

	var ctrlErr error
	remaining := n
	writeErr := conn.Write(func(dstFd uintptr) bool {
		offset := int64(-1) // sendfile(2) advances src's own offset when offset is nil

		var srcOffset *int64
		_ = offset

		for remaining > 0 {
			sent, serr := unix.Sendfile(int(dstFd), int(src.Fd()), srcOffset, int(remaining))
			if sent > 0 {
				remaining -= int64(sent)
				written += int64(sent)
			}
			if serr == unix.EAGAIN {
				// destination socket buffer full; let the runtime poller
				// retry by reporting not-done and revisiting later.
				return false
			}
			if serr != nil {
				ctrlErr = serr
				return true
			}
			if sent == 0 {
				// src exhausted before n bytes: nothing more sendfile can do.
				return true
			}
		}
		return true
	})

	if writeErr != nil {
		return written, true, writeErr
	}
	if ctrlErr != nil {
		return written, true, ctrlErr
	}
	if written < n {
		return written, true, io.ErrUnexpectedEOF
	}
	return written, true, nil
}
