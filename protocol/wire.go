// Package protocol implements the wire format spoken between the client
// and the daemon over the abstract-namespace control socket: a one-byte
// version handshake followed by tag-prefixed request/response frames,
// with open file descriptors passed out of band via SCM_RIGHTS ancillary
// messages.
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Version is the only protocol version this implementation speaks. The
// client sends it as the first byte of every connection; the daemon answers
// with acceptByte or rejectByte rather than its own version.
const Version uint8 = 1

// maxCollectionLen bounds the number of items a collection frame may
// declare, matching the one-byte count prefix: a malicious or corrupted
// peer cannot make a reader allocate an unbounded amount of memory.
const maxCollectionLen = 255

// maxStringLen bounds the length of a single length-prefixed string.
const maxStringLen = 65535

func writeU8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func readU8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func writeBool(w io.Writer, v bool) error {
	if v {
		return writeU8(w, 1)
	}
	return writeU8(w, 0)
}

func readBool(r io.Reader) (bool, error) {
	b, err := readU8(r)
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func writeString(w io.Writer, s string) error {
	if len(s) > maxStringLen {
		return errors.Errorf("string too long: %d bytes exceeds %d", len(s), maxStringLen)
	}
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(s)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint16(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeCount(w io.Writer, n int) error {
	if n > maxCollectionLen {
		return errors.Errorf("collection too long: %d items exceeds %d", n, maxCollectionLen)
	}
	return writeU8(w, uint8(n))
}

func readCount(r io.Reader) (int, error) {
	n, err := readU8(r)
	return int(n), err
}

// acceptByte and rejectByte are the two values the daemon may send back
// during the handshake: accept the client's declared version, or reject
// and close the connection.
const (
	acceptByte uint8 = 0x01
	rejectByte uint8 = 0x00
)

// ClientNegotiate performs the client half of the one-byte version
// handshake: it sends our Version, then reads the daemon's accept/reject
// byte. A reject, or any byte other than acceptByte, is a hard failure and
// the caller must close the connection.
func ClientNegotiate(rw io.ReadWriter) error {
	if err := writeU8(rw, Version); err != nil {
		return errors.Wrap(err, "write protocol version")
	}
	reply, err := readU8(rw)
	if err != nil {
		return errors.Wrap(err, "read handshake reply")
	}
	if reply != acceptByte {
		return errors.Errorf("daemon rejected protocol version %d", Version)
	}
	return nil
}

// ServerNegotiate performs the daemon half of the handshake: it reads the
// client's declared version and replies with acceptByte if it matches
// Version, or rejectByte (and an error) otherwise. The caller must close
// the connection on error.
func ServerNegotiate(rw io.ReadWriter) error {
	peer, err := readU8(rw)
	if err != nil {
		return errors.Wrap(err, "read client protocol version")
	}
	if peer != Version {
		_ = writeU8(rw, rejectByte)
		return errors.Errorf("protocol version mismatch: client speaks %d, we speak %d", peer, Version)
	}
	return errors.Wrap(writeU8(rw, acceptByte), "write handshake reply")
}
