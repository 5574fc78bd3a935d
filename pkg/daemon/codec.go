package daemon

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// maxFrameSize bounds a single protocol frame. Requirement sets and
// plans are small; anything larger is a protocol violation.
const maxFrameSize = 16 << 20 // 16 MB

// Encoder writes length-prefixed msgpack frames.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder creates a new protocol encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes one message as a 4-byte big-endian length prefix
// followed by the msgpack body, and flushes.
func (e *Encoder) Encode(v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("message of %d bytes exceeds frame limit", len(data))
	}

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(data)))
	if _, err := e.w.Write(length[:]); err != nil {
		return fmt.Errorf("failed to write frame length: %w", err)
	}
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame body: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush frame: %w", err)
	}
	return nil
}

// Decoder reads length-prefixed msgpack frames.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder creates a new protocol decoder.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode reads the next frame into v. It returns io.EOF on a clean
// close between frames.
func (d *Decoder) Decode(v any) error {
	var length [4]byte
	if _, err := io.ReadFull(d.r, length[:]); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("failed to read frame length: %w", err)
	}

	size := binary.BigEndian.Uint32(length[:])
	if size == 0 {
		return fmt.Errorf("zero-length frame")
	}
	if size > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(d.r, data); err != nil {
		return fmt.Errorf("failed to read frame body: %w", err)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return nil
}

// DecodeRequest reads and validates one request.
func (d *Decoder) DecodeRequest() (*Request, error) {
	var req Request
	if err := d.Decode(&req); err != nil {
		return nil, err
	}
	if err := req.Op.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}
