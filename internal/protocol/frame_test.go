package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := &Frame{Type: TypeSend, To: "bob", Body: "hi", Meta: &Meta{RequiresAck: true, TTLMS: 60000}}
	if err := WriteFrame(&buf, in); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	out, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if out.Type != TypeSend || out.To != "bob" || out.Body != "hi" {
		t.Errorf("round trip mismatch: %+v", out)
	}
	if out.Meta == nil || !out.Meta.RequiresAck || out.Meta.TTLMS != 60000 {
		t.Errorf("meta not preserved: %+v", out.Meta)
	}
}

func TestPartialReadBuffered(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, &Frame{Type: TypeHeartbeat}); err != nil {
		t.Fatal(err)
	}
	// Deliver one byte at a time; io.ReadFull must assemble the frame.
	f, err := ReadFrame(iotest{r: &buf})
	if err != nil {
		t.Fatalf("ReadFrame over one-byte reader: %v", err)
	}
	if f.Type != TypeHeartbeat {
		t.Errorf("got type %q", f.Type)
	}
}

type iotest struct{ r io.Reader }

func (o iotest) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return o.r.Read(p)
}

func TestTooLargeIsRecoverable(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameBytes+1)
	buf.Write(hdr[:])
	buf.Write(make([]byte, MaxFrameBytes+1))
	// A valid frame follows the oversized one.
	if err := WriteFrame(&buf, &Frame{Type: TypeBye}); err != nil {
		t.Fatal(err)
	}

	_, err := ReadFrame(&buf)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("got %v, want ErrFrameTooLarge", err)
	}
	// The oversized payload was drained; the stream is still usable.
	f, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read after oversized frame: %v", err)
	}
	if f.Type != TypeBye {
		t.Errorf("got type %q, want bye", f.Type)
	}
}

func TestMalformed(t *testing.T) {
	cases := []struct {
		name    string
		payload []byte
	}{
		{"bad json", []byte(`{"type":`)},
		{"missing type", []byte(`{"body":"x"}`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			var hdr [4]byte
			binary.BigEndian.PutUint32(hdr[:], uint32(len(tc.payload)))
			buf.Write(hdr[:])
			buf.Write(tc.payload)
			_, err := ReadFrame(&buf)
			if !errors.Is(err, ErrFrameMalformed) {
				t.Errorf("got %v, want ErrFrameMalformed", err)
			}
		})
	}
}

func TestZeroLengthRejected(t *testing.T) {
	var hdr [4]byte
	_, err := ReadFrame(bytes.NewReader(hdr[:]))
	if !errors.Is(err, ErrFrameMalformed) {
		t.Errorf("got %v, want ErrFrameMalformed", err)
	}
}

func TestEOFBeforeHeader(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	if err != io.EOF {
		t.Errorf("got %v, want io.EOF", err)
	}
	// Truncated header also surfaces as EOF.
	_, err = ReadFrame(bytes.NewReader([]byte{0, 0}))
	if err != io.EOF {
		t.Errorf("truncated header: got %v, want io.EOF", err)
	}
}
