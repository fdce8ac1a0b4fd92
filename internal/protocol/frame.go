package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the size of the length prefix in bytes.
	HeaderSize = 4

	// DefaultMaxFrameSize is the largest payload accepted on a frame,
	// checked against the length prefix before the payload is read.
	DefaultMaxFrameSize = 10 * 1024 * 1024
)

var (
	// ErrFrameTooLarge is returned when a frame length prefix exceeds the maximum size.
	ErrFrameTooLarge = errors.New("frame payload exceeds maximum size")

	// ErrTruncatedFrame is returned when the connection closes mid-frame.
	ErrTruncatedFrame = errors.New("connection closed mid-frame")
)

// FrameReader reads length-prefixed frames from an io.Reader.
// Wire format: 4-byte big-endian payload length followed by the payload.
type FrameReader struct {
	r      io.Reader
	max    uint32
	header [HeaderSize]byte
}

// NewFrameReader creates a FrameReader with the default size limit.
func NewFrameReader(r io.Reader) *FrameReader {
	return NewFrameReaderSize(r, DefaultMaxFrameSize)
}

// NewFrameReaderSize creates a FrameReader with a custom size limit.
func NewFrameReaderSize(r io.Reader, max uint32) *FrameReader {
	if max == 0 {
		max = DefaultMaxFrameSize
	}
	return &FrameReader{r: r, max: max}
}

// Read reads the next frame payload. A clean close before any header
// byte returns io.EOF; a close partway through a frame returns
// ErrTruncatedFrame. An oversized length prefix returns ErrFrameTooLarge
// without consuming the payload.
func (fr *FrameReader) Read() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: partial header", ErrTruncatedFrame)
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(fr.header[:])
	if length > fr.max {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, length, fr.max)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: partial payload", ErrTruncatedFrame)
			}
			return nil, err
		}
	}

	return payload, nil
}

// FrameWriter writes length-prefixed frames to an io.Writer.
type FrameWriter struct {
	w   io.Writer
	max uint32
}

// NewFrameWriter creates a FrameWriter with the default size limit.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return NewFrameWriterSize(w, DefaultMaxFrameSize)
}

// NewFrameWriterSize creates a FrameWriter with a custom size limit.
func NewFrameWriterSize(w io.Writer, max uint32) *FrameWriter {
	if max == 0 {
		max = DefaultMaxFrameSize
	}
	return &FrameWriter{w: w, max: max}
}

// Write writes one frame. Header and payload go out in a single Write
// call so frames are never interleaved by the underlying writer.
func (fw *FrameWriter) Write(payload []byte) error {
	if uint64(len(payload)) > uint64(fw.max) {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, len(payload), fw.max)
	}

	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	_, err := fw.w.Write(buf)
	return err
}
