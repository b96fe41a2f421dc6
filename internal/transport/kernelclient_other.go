//go:build !linux

package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/allvpv/partclone-nbd/internal/image"
)

// ClientConfig holds local kernel-client-mode configuration.
type ClientConfig struct {
	// Device is the path to the kernel NBD device node, e.g. "/dev/nbd0".
	Device string
}

// ServeLocal is unsupported outside Linux: the NBD kernel driver and its
// ioctl interface are Linux-specific.
func ServeLocal(_ context.Context, cfg ClientConfig, _ *image.Image, _ *slog.Logger) error {
	return fmt.Errorf("transport: local kernel-client mode (device %s) is only supported on linux", cfg.Device)
}
