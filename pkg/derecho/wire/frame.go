// Package wire implements the length-prefixed, gob-framed TCP protocol
// shared by the join path (§6, gms package) and the total-restart
// rejoin path (§4.6, restart package): both exchange the same kinds of
// object (a View, a set of RaggedTrims, a commit flag) over a plain TCP
// connection, so the framing and message shapes live in one place.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// maxFrameBytes bounds a single frame so a corrupt or malicious peer
// cannot make a reader allocate unbounded memory from a forged length
// prefix.
const maxFrameBytes = 256 << 20

// WriteFrame gob-encodes v and writes it to w as a 4-byte little-endian
// length prefix followed by the encoded bytes.
func WriteFrame(w io.Writer, v interface{}) error {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(v); err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(body.Len()))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

// ReadFrame reads one length-prefixed frame from r and gob-decodes it
// into v.
func ReadFrame(r io.Reader, v interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return fmt.Errorf("wire: frame of %d bytes exceeds %d byte limit", n, maxFrameBytes)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	return gob.NewDecoder(bytes.NewReader(body)).Decode(v)
}

// WriteByte writes a single raw byte, used for the join path's status
// code. The restart path's commit flag travels as RestartOffer.Commit
// inside a gob frame instead.
func WriteByte(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})
	return err
}

// ReadByte reads a single raw byte.
func ReadByte(r io.Reader) (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}
