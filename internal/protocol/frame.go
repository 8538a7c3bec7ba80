// Package protocol implements the relay wire protocol: length-prefixed JSON
// frames over a stream, plus the frame vocabulary spoken on the unix socket.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameBytes caps a single frame payload at 16 MiB.
const MaxFrameBytes = 16 << 20

var (
	// ErrFrameTooLarge is returned when a frame length exceeds MaxFrameBytes.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrFrameMalformed is returned for unparseable JSON, a missing type
	// field, or a zero-length frame.
	ErrFrameMalformed = errors.New("frame malformed")
)

// ReadFrame reads one length-prefixed frame from r. Partial reads are handled
// by io.ReadFull; a clean EOF before the length prefix returns io.EOF.
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, ErrFrameMalformed
	}
	if n > MaxFrameBytes {
		// Drain the payload so the stream stays in sync; the caller may keep
		// reading frames after reporting the error.
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameMalformed, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrFrameMalformed)
	}
	return &f, nil
}

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, f *Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(payload) > MaxFrameBytes {
		return ErrFrameTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}
