package nbd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/allvpv/partclone-nbd/internal/cursor"
	"github.com/allvpv/partclone-nbd/internal/image"
)

// ErrClientDisconnected names a client's clean NBD_CMD_DISC. Serve does not
// return it: it reports a clean disconnect by returning nil.
var ErrClientDisconnected = errors.New("nbd: client requested disconnect")

// request is one decoded NBD_CMD request frame.
type request struct {
	kind   uint32
	handle uint64
	offset uint64
	length uint32
}

// Serve drives one client connection end to end: the handshake, then the
// request loop, until the client disconnects or a protocol error occurs.
// conn is closed by the caller, not by Serve.
func Serve(conn net.Conn, img *image.Image, logger *slog.Logger) error {
	if err := handshake(conn, img.DeviceSize); err != nil {
		return fmt.Errorf("nbd: handshake: %w", err)
	}
	logger.Debug("handshake complete", "device_size", img.DeviceSize)

	cur, err := cursor.Open(img)
	if err != nil {
		return fmt.Errorf("nbd: open cursor: %w", err)
	}
	defer cur.Close()

	zero := make([]byte, img.BlockSize)
	if len(zero) < minZeroBufSize {
		zero = make([]byte, minZeroBufSize)
	}
	buf := make([]byte, img.BlockSize)

	for {
		req, err := readRequest(conn, logger)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("nbd: read request: %w", err)
		}

		if req.offset > img.DeviceSize || req.offset+uint64(req.length) > img.DeviceSize {
			logger.Warn("request out of range", "offset", req.offset, "length", req.length)
			if err := sendReply(conn, req.handle, errInval); err != nil {
				return fmt.Errorf("nbd: send reply: %w", err)
			}
			continue
		}

		switch req.kind {
		case cmdWrite, cmdFlush, cmdTrim:
			logger.Warn("rejecting write-class request on read-only export", "type", req.kind)
			if err := sendReply(conn, req.handle, errPerm); err != nil {
				return fmt.Errorf("nbd: send reply: %w", err)
			}
			continue
		case cmdDisconnect:
			logger.Debug("client requested disconnect")
			return nil
		case cmdRead:
			// handled below
		default:
			return fmt.Errorf("nbd: unexpected request type %d", req.kind)
		}

		if err := sendReply(conn, req.handle, 0); err != nil {
			return fmt.Errorf("nbd: send reply: %w", err)
		}

		if req.length == 0 {
			// A zero-length read is legal NBD; offset may equal
			// device_size (one block index past the last valid block),
			// which SetBlock would reject, so there is nothing to
			// position the cursor onto.
			continue
		}

		block := req.offset / uint64(img.BlockSize)
		blockOffset := uint32(req.offset % uint64(img.BlockSize))

		if err := cur.SetBlock(block); err != nil {
			return fmt.Errorf("nbd: position cursor: %w", err)
		}
		if err := cur.SeekWithinCurrentBlock(blockOffset); err != nil {
			return fmt.Errorf("nbd: seek within block: %w", err)
		}

		remaining := req.length
		for remaining > 0 {
			chunk := cur.RemainingBytes()
			if chunk > remaining {
				chunk = remaining
			}
			remaining -= chunk

			if cur.Existence() {
				if err := cur.WriteTo(conn, chunk, buf); err != nil {
					return fmt.Errorf("nbd: send image data: %w", err)
				}
			} else if _, err := conn.Write(zero[:chunk]); err != nil {
				return fmt.Errorf("nbd: send zero-fill: %w", err)
			}

			if err := cur.Advance(); err != nil {
				return fmt.Errorf("nbd: advance cursor: %w", err)
			}
		}
	}
}

func readRequest(r io.Reader, logger *slog.Logger) (request, error) {
	magic, err := readUint32(r)
	if err != nil {
		return request{}, err
	}
	kind, err := readUint32(r)
	if err != nil {
		return request{}, err
	}
	handle, err := readUint64(r)
	if err != nil {
		return request{}, err
	}
	offset, err := readUint64(r)
	if err != nil {
		return request{}, err
	}
	length, err := readUint32(r)
	if err != nil {
		return request{}, err
	}

	if magic != requestMagic {
		// The frame is still the right shape (fixed-size fields, already
		// fully consumed above); log the mismatch and let the caller
		// process it rather than tearing down the connection over it.
		logger.Warn("request magic mismatch", "magic", magic)
	}

	return request{kind: kind, handle: handle, offset: offset, length: length}, nil
}

func sendReply(w io.Writer, handle uint64, errno uint32) error {
	if err := writeUint32(w, replyMagic); err != nil {
		return err
	}
	if err := writeUint32(w, errno); err != nil {
		return err
	}
	return writeUint64(w, handle)
}
