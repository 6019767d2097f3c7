// internal/wire/frame.go
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxFrameSize is Chrome's limit for host to browser messages.
const DefaultMaxFrameSize = 1024 * 1024

// ReadFrame reads one native messaging frame: a 4-byte little-endian length
// followed by that many bytes of JSON.
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read frame length: %w", err)
	}
	if uint64(length) > uint64(max) {
		return nil, fmt.Errorf("frame too large: %d bytes (max %d)", length, max)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return buf, nil
}

// WriteFrame marshals v and writes it as one frame.
func WriteFrame(w io.Writer, v any, max int) error {
	b, err := JSON.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	return WriteRawFrame(w, b, max)
}

// WriteRawFrame writes already-encoded JSON as one frame. The header and
// body go out in a single Write so concurrent writers sharing a locked
// writer cannot interleave.
func WriteRawFrame(w io.Writer, b []byte, max int) error {
	if len(b) > max {
		return fmt.Errorf("frame too large: %d bytes (max %d)", len(b), max)
	}
	buf := make([]byte, 4+len(b))
	binary.LittleEndian.PutUint32(buf, uint32(len(b)))
	copy(buf[4:], b)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}
