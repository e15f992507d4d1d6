// Package wire implements the length-prefixed frame encoding used on the
// byte stream between the client and the automation server.
//
// A frame is a 4-byte unsigned little-endian length L followed by exactly L
// bytes of UTF-8 payload. The length word describes the payload only, never
// itself. Zero-length payloads are legal frames.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// headerSize is the fixed size of the length prefix.
const headerSize = 4

// DefaultMaxFrameSize bounds the payload length accepted by Read. Bulk
// payloads (screenshots, downloads) can run to tens of megabytes; anything
// past this is assumed to be a corrupted length word rather than a real
// frame.
const DefaultMaxFrameSize = 64 << 20

var (
	// ErrFrameTooLarge is returned when a decoded length prefix exceeds the
	// configured maximum.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrTransportClosed is returned when the stream ends, including
	// mid-frame. A partial frame at end-of-stream means the peer process
	// exited, not that the frame was malformed.
	ErrTransportClosed = errors.New("transport closed")
)

// Encode returns a complete frame for the given payload.
func Encode(payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf[:headerSize], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	return buf
}

// Write encodes payload as a single frame and writes it to w. The frame is
// written with one Write call so that a writer serialized by a mutex never
// interleaves partial frames.
func Write(w io.Writer, payload []byte) error {
	if _, err := w.Write(Encode(payload)); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Read reads exactly one frame from r and returns its payload. max bounds
// the accepted payload length; pass 0 to use DefaultMaxFrameSize.
//
// End-of-stream before the first header byte, inside the header, or inside
// the payload all return ErrTransportClosed: the peer closing its end of the
// pipe is a hard stop for the whole transport, not a recoverable decode
// error.
func Read(r io.Reader, max uint32) ([]byte, error) {
	if max == 0 {
		max = DefaultMaxFrameSize
	}

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, closedErr(err)
	}

	length := binary.LittleEndian.Uint32(header)
	if length > max {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, max)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, closedErr(err)
	}
	return payload, nil
}

func closedErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("%w: %s", ErrTransportClosed, err)
	}
	return fmt.Errorf("reading frame: %w", err)
}
