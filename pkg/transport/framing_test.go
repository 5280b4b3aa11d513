package transport

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestFrameWriterReader(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "single byte", payload: []byte{0x16}},
		{name: "app start", payload: append([]byte{0x01, 0x03}, []byte("      MCore")...)},
		{name: "binary data", payload: []byte{0x00, 0xFF, 0x7F, 0x80}},
		{name: "max size", payload: bytes.Repeat([]byte("y"), DefaultMaxFrameSize)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)

			writer := NewFrameWriterWithMarker(buf, MarkerFromRadio)
			if err := writer.WriteFrame(tt.payload); err != nil {
				t.Fatalf("WriteFrame failed: %v", err)
			}
			if buf.Len() != FrameHeaderSize+len(tt.payload) {
				t.Errorf("frame size = %d, want %d", buf.Len(), FrameHeaderSize+len(tt.payload))
			}

			got, err := NewFrameReader(buf).ReadFrame()
			if err != nil {
				t.Fatalf("ReadFrame failed: %v", err)
			}
			if !bytes.Equal(got, tt.payload) {
				t.Errorf("payload mismatch: got %x, want %x", got, tt.payload)
			}
		})
	}
}

func TestFrameWriterHeader(t *testing.T) {
	buf := new(bytes.Buffer)
	if err := NewFrameWriter(buf).WriteFrame([]byte{0x05}); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	want := []byte{'<', 0x01, 0x00, 0x05}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("frame = %x, want %x", buf.Bytes(), want)
	}
}

func TestFrameWriterErrors(t *testing.T) {
	writer := NewFrameWriter(new(bytes.Buffer))

	if err := writer.WriteFrame(nil); !errors.Is(err, ErrFrameEmpty) {
		t.Errorf("expected ErrFrameEmpty, got %v", err)
	}
	if err := writer.WriteFrame(make([]byte, DefaultMaxFrameSize+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestFrameReaderErrors(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		max   int
		want  error
	}{
		{name: "eof", input: nil, want: io.EOF},
		{name: "truncated header", input: []byte{'>', 0x01}, want: ErrFrameTruncated},
		{name: "truncated payload", input: []byte{'>', 0x04, 0x00, 0x01}, want: ErrFrameTruncated},
		{name: "zero length", input: []byte{'>', 0x00, 0x00}, want: ErrFrameEmpty},
		{name: "wrong marker", input: []byte{'<', 0x01, 0x00, 0x05}, want: ErrBadFrameMarker},
		{name: "too large", input: []byte{'>', 0x10, 0x00}, max: 8, want: ErrFrameTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := NewFrameReader(bytes.NewReader(tt.input))
			if tt.max > 0 {
				reader.SetMaxFrameSize(tt.max)
			}
			_, err := reader.ReadFrame()
			if !errors.Is(err, tt.want) {
				t.Errorf("ReadFrame() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestFrameReaderSequence(t *testing.T) {
	buf := new(bytes.Buffer)
	writer := NewFrameWriterWithMarker(buf, MarkerFromRadio)
	for _, p := range [][]byte{{0x05, 0x01}, {0x09, 0x10, 0x20, 0x30, 0x40}, {0x80}} {
		if err := writer.WriteFrame(p); err != nil {
			t.Fatalf("WriteFrame failed: %v", err)
		}
	}

	reader := NewFrameReader(buf)
	var codes []byte
	for {
		p, err := reader.ReadFrame()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadFrame failed: %v", err)
		}
		codes = append(codes, p[0])
	}
	if !bytes.Equal(codes, []byte{0x05, 0x09, 0x80}) {
		t.Errorf("codes = %x", codes)
	}
}
