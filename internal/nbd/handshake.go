package nbd

import (
	"encoding/binary"
	"fmt"
	"io"
)

// handshake performs the nonfixed newstyle negotiation documented in the
// NBD protocol spec: magic exchange, global flags, a single mandatory
// NBD_OPT_EXPORT_NAME option (custom export names are not supported), and
// the export's size/flags reply. It returns once the connection is ready
// to enter the transmission phase.
func handshake(rw io.ReadWriter, deviceSize uint64) error {
	if _, err := io.WriteString(rw, nbdMagic1); err != nil {
		return fmt.Errorf("nbd: send magic: %w", err)
	}
	if err := writeUint64(rw, nbdMagic2); err != nil {
		return fmt.Errorf("nbd: send magic: %w", err)
	}

	// Global flags: neither NBD_FLAG_FIXED_NEWSTYLE nor NBD_FLAG_NO_ZEROES
	// is advertised; this server always sends the 124-byte zero pad.
	if err := writeUint16(rw, 0); err != nil {
		return fmt.Errorf("nbd: send global flags: %w", err)
	}

	clientFlags, err := readUint32(rw)
	if err != nil {
		return fmt.Errorf("nbd: read client flags: %w", err)
	}
	if clientFlags&0x2 != 0 {
		return fmt.Errorf("nbd: client set NBD_FLAG_C_NO_ZEROES, which this server does not support")
	}

	clientMagic, err := readUint64(rw)
	if err != nil {
		return fmt.Errorf("nbd: read option magic: %w", err)
	}
	if clientMagic != nbdMagic2 {
		return fmt.Errorf("nbd: unrecognized option magic %#x", clientMagic)
	}

	option, err := readUint32(rw)
	if err != nil {
		return fmt.Errorf("nbd: read option: %w", err)
	}
	if option != optExportName {
		return fmt.Errorf("nbd: unsupported option %d (only NBD_OPT_EXPORT_NAME is supported)", option)
	}

	optLen, err := readUint32(rw)
	if err != nil {
		return fmt.Errorf("nbd: read option length: %w", err)
	}
	if optLen != 0 {
		return fmt.Errorf("nbd: custom export names are not supported")
	}

	if err := writeUint64(rw, deviceSize); err != nil {
		return fmt.Errorf("nbd: send export size: %w", err)
	}
	if err := writeUint16(rw, exportFlagHasFlags|exportFlagReadOnly); err != nil {
		return fmt.Errorf("nbd: send export flags: %w", err)
	}

	var zeroPad [handshakeZeroPad]byte
	if _, err := rw.Write(zeroPad[:]); err != nil {
		return fmt.Errorf("nbd: send handshake padding: %w", err)
	}

	return nil
}

func readUint16(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func writeUint16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}
