// Package transport implements the two ways a client can reach the NBD
// server embedded in this process: a TCP accept loop for remote clients, and
// (on Linux) a socketpair-driven local kernel client that attaches the image
// as a /dev/nbdN block device.
//
// # Overview
//
// Serve dials nothing; it owns a listener and spawns one worker goroutine
// per accepted connection, each running the handshake and request loop from
// internal/nbd against its own cursor and file descriptor. A transient
// Accept error (the kernel is momentarily out of file descriptors, for
// example) is retried with exponential backoff rather than aborting the
// whole server, mirroring the reconnection discipline the teacher's gRPC
// transport applies on the client side of a dropped stream.
//
// # Usage
//
//	cfg := transport.Config{ListenAddr: ":10809"}
//	err := transport.Serve(ctx, cfg, img, logger)
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/allvpv/partclone-nbd/internal/image"
	"github.com/allvpv/partclone-nbd/internal/nbd"
)

const (
	defaultListenBacklog  = 5
	defaultAcceptInitial  = 10 * time.Millisecond
	defaultAcceptMax      = 1 * time.Second
	defaultAcceptMaxSpent = 30 * time.Second
)

// Config holds the TCP server-mode configuration.
type Config struct {
	// ListenAddr is the "host:port" the server listens on. An empty host
	// binds INADDR_ANY, matching the distilled spec's default.
	ListenAddr string

	// AcceptInitialBackoff is the starting interval applied after a
	// transient Accept error. Defaults to 10ms when zero.
	AcceptInitialBackoff time.Duration

	// AcceptMaxBackoff caps the backoff interval between Accept retries.
	// Defaults to 1 second when zero.
	AcceptMaxBackoff time.Duration
}

func (c *Config) applyDefaults() {
	if c.AcceptInitialBackoff == 0 {
		c.AcceptInitialBackoff = defaultAcceptInitial
	}
	if c.AcceptMaxBackoff == 0 {
		c.AcceptMaxBackoff = defaultAcceptMax
	}
}

// listenConfig lets tests substitute a net.ListenConfig that binds to
// "127.0.0.1:0" without requiring SO_REUSEADDR semantics to be observable.
var listenConfig = net.ListenConfig{}

// Serve listens on cfg.ListenAddr and serves img to every client that
// connects, until ctx is cancelled or the listener fails permanently. It
// blocks; callers typically run it in its own goroutine and cancel ctx from
// a signal handler.
func Serve(ctx context.Context, cfg Config, img *image.Image, logger *slog.Logger) error {
	cfg.applyDefaults()

	lc := listenConfig
	lc.Control = controlReuseAddr

	ln, err := lc.Listen(ctx, "tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("transport: listen on %s: %w", cfg.ListenAddr, err)
	}
	logger.Info("listening for nbd clients", slog.String("addr", ln.Addr().String()))

	// Unblock Accept when ctx is cancelled; the listener has no native
	// context awareness.
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.AcceptInitialBackoff
	b.MaxInterval = cfg.AcceptMaxBackoff
	b.MaxElapsedTime = defaultAcceptMaxSpent

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			transient := (errors.As(err, &netErr) && netErr.Timeout()) ||
				errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE)
			if transient {
				wait := b.NextBackOff()
				if wait == backoff.Stop {
					return fmt.Errorf("transport: accept: giving up after repeated transient errors: %w", err)
				}
				logger.Warn("transient accept error, retrying", slog.Any("error", err), slog.Duration("after", wait))
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(wait):
				}
				continue
			}
			return fmt.Errorf("transport: accept: %w", err)
		}
		b.Reset()

		connID := uuid.NewString()
		connLogger := logger.With(slog.String("conn", connID))

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			// Closing the connection on cancellation unblocks the request
			// loop's pending read, so Serve's wg.Wait can return.
			stop := context.AfterFunc(ctx, func() { conn.Close() })
			defer stop()
			serveConn(conn, img, connLogger)
		}()
	}
}

func serveConn(conn net.Conn, img *image.Image, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("recovered from panic in connection handler", slog.Any("panic", r))
		}
	}()

	logger.Info("client connected", slog.String("remote", conn.RemoteAddr().String()))
	if err := nbd.Serve(conn, img, logger); err != nil {
		logger.Warn("connection ended", slog.Any("error", err))
		return
	}
	logger.Info("client disconnected")
}
