// Package frame implements varint length-prefixed framing for stream
// transports, plus a JSON codec on top of it.
package frame

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxSize bounds a single frame when the codec has no explicit limit.
const DefaultMaxSize = 4 << 20

var (
	ErrTooLarge = errors.New("frame: frame exceeds the maximum size")
	ErrBadSize  = errors.New("frame: malformed size prefix")
)

// Write writes buf prefixed by its varint-encoded length, in a single
// Write call.
func Write(w io.Writer, buf []byte) error {
	prefixed := protowire.AppendVarint(make([]byte, 0, len(buf)+protowire.SizeVarint(uint64(len(buf)))), uint64(len(buf)))
	prefixed = append(prefixed, buf...)
	_, err := w.Write(prefixed)
	return err
}

// Reader reads frames written by `Write`.
type Reader struct {
	buf     *bufio.Reader
	maxSize int
}

func NewReader(r io.Reader, maxSize int) *Reader {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Reader{
		buf:     bufio.NewReader(r),
		maxSize: maxSize,
	}
}

// Next returns the next frame. `io.EOF` is returned untouched when the
// stream ends cleanly between two frames.
func (r *Reader) Next() ([]byte, error) {
	var prefix [binary.MaxVarintLen64]byte
	n := 0
	for {
		b, err := r.buf.ReadByte()
		if err != nil {
			if n > 0 && errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if n == len(prefix) {
			return nil, ErrBadSize
		}
		prefix[n] = b
		n++
		if b < 0x80 {
			break
		}
	}

	size, consumed := protowire.ConsumeVarint(prefix[:n])
	if err := protowire.ParseError(consumed); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadSize, err)
	}
	if size > uint64(r.maxSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, size, r.maxSize)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r.buf, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// JSONCodec encodes values of type Msg as JSON frames.
type JSONCodec[Msg any] struct {
	w io.Writer
	r *Reader
}

func NewJSONCodec[Msg any](rw io.ReadWriter, maxSize int) *JSONCodec[Msg] {
	return &JSONCodec[Msg]{
		w: rw,
		r: NewReader(rw, maxSize),
	}
}

// Encode MUST NOT be called concurrently.
func (c *JSONCodec[Msg]) Encode(msg *Msg) error {
	buf, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return Write(c.w, buf)
}

// Decode MUST NOT be called concurrently.
func (c *JSONCodec[Msg]) Decode() (*Msg, error) {
	buf, err := c.r.Next()
	if err != nil {
		return nil, err
	}
	msg := new(Msg)
	if err := json.Unmarshal(buf, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
