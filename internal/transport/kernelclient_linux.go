//go:build linux

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/allvpv/partclone-nbd/internal/image"
	"github.com/allvpv/partclone-nbd/internal/nbd"
)

// Linux /dev/nbdN ioctl request numbers, from <linux/nbd.h>. Grounded on
// other_examples/24b724d0_derlaft-go-nbd__nbd.go.go; golang.org/x/sys/unix
// is used here instead of that file's bespoke syscall.Syscall wrapper.
const (
	nbdSetSock       = 43776
	nbdSetBlkSize    = 43777
	nbdDoIt          = 43779
	nbdClearSock     = 43780
	nbdSetSizeBlocks = 43783
	nbdDisconnect    = 43784
	nbdSetFlags      = 43786

	nbdFlagHasFlags = 1 << 0
	nbdFlagReadOnly = 1 << 1
)

// ClientConfig holds local kernel-client-mode configuration.
type ClientConfig struct {
	// Device is the path to the kernel NBD device node, e.g. "/dev/nbd0".
	Device string
}

// ServeLocal attaches img to the kernel NBD device named in cfg.Device: it
// opens a socketpair, hands one end to the kernel via ioctl NBD_SET_SOCK,
// and runs the handshake and request loop on the other end in this process,
// exactly as a remote TCP client would be served. It blocks until the
// kernel driver disconnects (ioctl NBD_DO_IT returns) or ctx is cancelled.
func ServeLocal(ctx context.Context, cfg ClientConfig, img *image.Image, logger *slog.Logger) error {
	dev, err := os.OpenFile(cfg.Device, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("transport: open %s: %w", cfg.Device, err)
	}
	defer dev.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("transport: socketpair: %w", err)
	}
	kernelSide, serverSide := fds[0], fds[1]

	if err := ioctl(dev.Fd(), nbdSetBlkSize, uintptr(img.BlockSize)); err != nil {
		closeFds(kernelSide, serverSide)
		return fmt.Errorf("transport: ioctl NBD_SET_BLKSIZE: %w", err)
	}
	blocks := img.DeviceSize / uint64(img.BlockSize)
	if err := ioctl(dev.Fd(), nbdSetSizeBlocks, uintptr(blocks)); err != nil {
		closeFds(kernelSide, serverSide)
		return fmt.Errorf("transport: ioctl NBD_SET_SIZE_BLOCKS: %w", err)
	}
	if err := ioctl(dev.Fd(), nbdSetFlags, uintptr(nbdFlagHasFlags|nbdFlagReadOnly)); err != nil {
		closeFds(kernelSide, serverSide)
		return fmt.Errorf("transport: ioctl NBD_SET_FLAGS: %w", err)
	}
	if err := ioctl(dev.Fd(), nbdSetSock, uintptr(kernelSide)); err != nil {
		closeFds(kernelSide, serverSide)
		return fmt.Errorf("transport: ioctl NBD_SET_SOCK: %w", err)
	}

	conn, err := net.FileConn(os.NewFile(uintptr(serverSide), "nbd-server-side"))
	if err != nil {
		closeFds(kernelSide, serverSide)
		return fmt.Errorf("transport: adopt server-side socket: %w", err)
	}

	doItErr := make(chan error, 1)
	go func() {
		// NBD_DO_IT blocks until the kernel driver disconnects (NBD_DISCONNECT
		// or device release); its return is the signal that the block device
		// session has ended.
		doItErr <- ioctl(dev.Fd(), nbdDoIt, 0)
	}()

	go func() {
		<-ctx.Done()
		logger.Info("tearing down kernel nbd session", slog.String("device", cfg.Device))
		_ = ioctl(dev.Fd(), nbdDisconnect, 0)
		conn.Close()
	}()

	serveErr := nbd.Serve(conn, img, logger)
	conn.Close()

	select {
	case err := <-doItErr:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("transport: ioctl NBD_DO_IT: %w", err)
		}
	case <-time.After(5 * time.Second):
		logger.Warn("timed out waiting for NBD_DO_IT to return after disconnect")
	}

	if err := ioctl(dev.Fd(), nbdClearSock, 0); err != nil {
		logger.Warn("ioctl NBD_CLEAR_SOCK failed", slog.Any("error", err))
	}

	if serveErr != nil && ctx.Err() == nil {
		return fmt.Errorf("transport: serve kernel client: %w", serveErr)
	}
	return nil
}

func ioctl(fd uintptr, req, arg uintptr) error {
	return unix.IoctlSetInt(int(fd), uint(req), int(arg))
}

func closeFds(fds ...int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
