// Package ring implements a growable circular byte buffer with
// mark/reset support, used to accumulate partial reads from a
// byte stream until a whole frame can be decoded.
package ring

import (
	"errors"
	"io"
)

// DefaultCapacity is the capacity of a `Buffer` created with a
// non-positive capacity.
const DefaultCapacity = 32

var (
	ErrNoMark          = errors.New("ring: reset without mark")
	ErrMarkInvalidated = errors.New("ring: mark invalidated, read limit exceeded")
)

type markState uint8

const (
	markNone markState = iota
	markValid
	markInvalid
)

// Buffer is a circular byte queue which grows on demand.
//
// One slot of the backing array is always left unused so that
// `head == tail` unambiguously means empty.
//
// A Buffer is not safe for concurrent use.
type Buffer struct {
	buf  []byte
	head int // next byte to read
	tail int // next slot to write

	mark      markState
	readLimit int
	sinceMark int
}

// New allocates a Buffer able to hold capacity bytes before its
// first growth.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		buf: make([]byte, capacity+1),
	}
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	if b.tail >= b.head {
		return b.tail - b.head
	}
	return b.tail - b.head + len(b.buf)
}

// Cap returns how many bytes the buffer can hold without growing.
func (b *Buffer) Cap() int {
	return len(b.buf) - 1
}

// retained is the number of bytes already read but still needed by
// a valid mark.
func (b *Buffer) retained() int {
	if b.mark == markValid {
		return b.sinceMark
	}
	return 0
}

// reserve makes sure n more bytes can be written without
// overwriting unread or retained bytes.
func (b *Buffer) reserve(n int) {
	kept := b.retained()
	used := b.Len()
	needed := kept + used + n
	if needed <= b.Cap() {
		return
	}

	newCap := b.Cap() + b.Cap()>>1
	if newCap < needed {
		newCap = needed
	}

	// Data is re-linearized at the start of the new array, retained
	// bytes first, so indices stay valid whatever the wrap state was.
	grown := make([]byte, newCap+1)
	start := b.index(b.head - kept)
	b.copyFrom(grown, start, kept+used)
	b.buf = grown
	b.head = kept
	b.tail = kept + used
}

func (b *Buffer) index(i int) int {
	l := len(b.buf)
	return ((i % l) + l) % l
}

// copyFrom copies n bytes starting at physical index from into dst.
func (b *Buffer) copyFrom(dst []byte, from, n int) {
	first := len(b.buf) - from
	if first >= n {
		copy(dst, b.buf[from:from+n])
		return
	}
	copy(dst, b.buf[from:])
	copy(dst[first:], b.buf[:n-first])
}

func (b *Buffer) consumed(n int) {
	b.head = b.index(b.head + n)
	if b.mark != markValid {
		return
	}
	b.sinceMark += n
	if b.sinceMark > b.readLimit {
		b.mark = markInvalid
		b.sinceMark = 0
	}
}

// Write appends p to the buffer, growing it when needed. It never
// returns an error.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b.reserve(len(p))

	first := len(b.buf) - b.tail
	if first >= len(p) {
		copy(b.buf[b.tail:], p)
	} else {
		copy(b.buf[b.tail:], p[:first])
		copy(b.buf, p[first:])
	}
	b.tail = b.index(b.tail + len(p))
	return len(p), nil
}

func (b *Buffer) WriteByte(c byte) error {
	b.reserve(1)
	b.buf[b.tail] = c
	b.tail = b.index(b.tail + 1)
	return nil
}

// Read consumes up to len(p) bytes. It returns `io.EOF` when the
// buffer is empty.
func (b *Buffer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n := b.Peek(p)
	if n == 0 {
		return 0, io.EOF
	}
	b.consumed(n)
	return n, nil
}

func (b *Buffer) ReadByte() (byte, error) {
	if b.Len() == 0 {
		return 0, io.EOF
	}
	c := b.buf[b.head]
	b.consumed(1)
	return c, nil
}

// Peek copies up to len(p) unread bytes into p without consuming them.
func (b *Buffer) Peek(p []byte) int {
	n := min(len(p), b.Len())
	if n > 0 {
		b.copyFrom(p, b.head, n)
	}
	return n
}

// Skip discards up to n unread bytes and reports how many were
// discarded.
func (b *Buffer) Skip(n int) int {
	n = min(max(n, 0), b.Len())
	if n > 0 {
		b.consumed(n)
	}
	return n
}

// Mark remembers the current read position. `Reset` rewinds to it as
// long as no more than readLimit bytes were consumed in between.
func (b *Buffer) Mark(readLimit int) {
	b.mark = markValid
	b.readLimit = readLimit
	b.sinceMark = 0
}

// Reset rewinds the read position to the last mark. The mark stays
// valid afterwards.
func (b *Buffer) Reset() error {
	switch b.mark {
	case markNone:
		return ErrNoMark
	case markInvalid:
		return ErrMarkInvalidated
	}
	b.head = b.index(b.head - b.sinceMark)
	b.sinceMark = 0
	return nil
}
