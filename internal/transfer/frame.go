package transfer

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// maxFrameSize is the maximum allowed frame size (16 MB).
	maxFrameSize = 16 << 20

	// lengthPrefixSize is the size of the length prefix in bytes.
	lengthPrefixSize = 4
)

// WriteFrame writes a length-prefixed frame to the writer.
// Format: [4 bytes big-endian length] [payload]
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame too large: %d > %d", len(data), maxFrameSize)
	}

	var lengthBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(data)))

	if _, err := w.Write(lengthBuf[:]); err != nil {
		return fmt.Errorf("write length:\n%w", err)
	}

	if len(data) == 0 {
		return nil
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload:\n%w", err)
	}

	return nil
}

// ReadFrame reads a length-prefixed frame from the reader.
// Returns io.EOF unwrapped when the stream ends cleanly before a frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lengthBuf [lengthPrefixSize]byte

	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read length:\n%w", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])

	if length > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d > %d", length, maxFrameSize)
	}

	data := make([]byte, length)

	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload:\n%w", err)
	}

	return data, nil
}
