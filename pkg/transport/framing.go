package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Framing constants.
const (
	// MarkerToRadio prefixes frames written by the host.
	MarkerToRadio byte = '<'

	// MarkerFromRadio prefixes frames written by the radio.
	MarkerFromRadio byte = '>'

	// FrameHeaderSize is the marker byte plus the u16 length.
	FrameHeaderSize = 3

	// DefaultMaxFrameSize bounds a frame payload. Companion frames are
	// well below this; larger lengths indicate a desynchronized stream.
	DefaultMaxFrameSize = 512
)

// Framing errors.
var (
	ErrFrameTooLarge  = errors.New("transport: frame too large")
	ErrFrameEmpty     = errors.New("transport: frame is empty")
	ErrFrameTruncated = errors.New("transport: frame truncated")
	ErrBadFrameMarker = errors.New("transport: unexpected frame marker")
)

// FrameWriter writes marker/length-prefixed frames.
type FrameWriter struct {
	mu     sync.Mutex
	w      io.Writer
	marker byte
	max    int
}

// NewFrameWriter returns a writer producing host-to-radio frames.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return NewFrameWriterWithMarker(w, MarkerToRadio)
}

// NewFrameWriterWithMarker returns a writer using the given marker. Radio
// simulators use MarkerFromRadio.
func NewFrameWriterWithMarker(w io.Writer, marker byte) *FrameWriter {
	return &FrameWriter{w: w, marker: marker, max: DefaultMaxFrameSize}
}

// WriteFrame writes one frame with a single Write call.
// Safe for concurrent use.
func (fw *FrameWriter) WriteFrame(payload []byte) error {
	if len(payload) == 0 {
		return ErrFrameEmpty
	}
	if len(payload) > fw.max {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), fw.max)
	}

	buf := make([]byte, FrameHeaderSize+len(payload))
	buf[0] = fw.marker
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(payload)))
	copy(buf[FrameHeaderSize:], payload)

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// FrameReader reads marker/length-prefixed frames.
type FrameReader struct {
	r      io.Reader
	marker byte
	max    int
	hdr    [FrameHeaderSize]byte
}

// NewFrameReader returns a reader expecting radio-to-host frames.
func NewFrameReader(r io.Reader) *FrameReader {
	return NewFrameReaderWithMarker(r, MarkerFromRadio)
}

// NewFrameReaderWithMarker returns a reader expecting the given marker.
func NewFrameReaderWithMarker(r io.Reader, marker byte) *FrameReader {
	return &FrameReader{r: r, marker: marker, max: DefaultMaxFrameSize}
}

// SetMaxFrameSize changes the payload limit.
func (fr *FrameReader) SetMaxFrameSize(n int) {
	fr.max = n
}

// ReadFrame reads one frame and returns its payload.
// io.EOF is returned unchanged when the stream ends between frames.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.hdr[:]); err != nil {
		if err == io.EOF {
			return nil, err
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	if fr.hdr[0] != fr.marker {
		return nil, fmt.Errorf("%w: %#x", ErrBadFrameMarker, fr.hdr[0])
	}

	length := int(binary.LittleEndian.Uint16(fr.hdr[1:3]))
	if length == 0 {
		return nil, ErrFrameEmpty
	}
	if length > fr.max {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, fr.max)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}
