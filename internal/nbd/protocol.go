// Package nbd implements the server side of the Network Block Device wire
// protocol: the nonfixed newstyle handshake and the read-only request loop,
// serving a single export backed by a Partclone image.
package nbd

// Wire-protocol constants, all sent big-endian over the connection.
const (
	// nbdMagic1 and nbdMagic2 together identify the start of a newstyle
	// handshake.
	nbdMagic1 = "NBDMAGIC"
	nbdMagic2 = 0x49484156454F5054

	// requestMagic and replyMagic tag every request/reply frame.
	requestMagic = 0x25609513
	replyMagic   = 0x67446698

	// optExportName is the only option this server honors: the client's
	// only opportunity to name an export before the transmission phase
	// begins, in the nonfixed newstyle handshake this implementation
	// speaks.
	optExportName = 1

	// exportFlagHasFlags and exportFlagReadOnly populate the per-export
	// flags field sent at the end of option negotiation.
	exportFlagHasFlags = 1 << 0
	exportFlagReadOnly = 1 << 1

	// cmdRead, cmdWrite, cmdDisconnect, cmdFlush, cmdTrim are NBD_CMD_*
	// request types. Only cmdRead is permitted; the rest are write-class
	// or control operations this read-only server rejects or honors as a
	// clean disconnect.
	cmdRead       = 0
	cmdWrite      = 1
	cmdDisconnect = 2
	cmdFlush      = 3
	cmdTrim       = 4

	// errInval and errPerm are the Linux errno values this server ever
	// returns in a reply frame.
	errInval = 22
	errPerm  = 1

	// handshakeZeroPad is the trailing padding the nonfixed newstyle
	// handshake sends once the client has not set NBD_FLAG_C_NO_ZEROES.
	handshakeZeroPad = 124

	// minZeroBufSize lower-bounds the server's reusable zero-fill buffer,
	// mirroring the reference server's calloc(block_size > 124 ? block_size
	// : 124, 1). Only absent blocks are served from it; the handshake sends
	// its zero padding from its own array.
	minZeroBufSize = 124
)
