// Package buffer implements a growable byte buffer with separate read and
// write cursors, modeled on a classic scatter/gather network buffer: the
// readable region is reused in place whenever possible instead of being
// reallocated on every append.
package buffer

import (
	"golang.org/x/sys/unix"
)

// spillSize is the size of the stack-resident overflow segment used by
// ReadFromFD's scatter read. One syscall reads into the buffer's own
// writable tail and into this spill segment at the same time; anything
// that lands in the spill segment is copied in with Append, which grows
// or shifts the buffer as needed.
const spillSize = 65536

// initialCapacity is the default size of a newly constructed Buffer.
const initialCapacity = 1024

// Buffer is a growable byte container with read_pos <= write_pos <= cap.
// It is not safe for concurrent use; a Buffer is owned by exactly one
// connection at a time.
type Buffer struct {
	data     []byte
	readPos  int
	writePos int
}

// New creates a Buffer with the default initial capacity.
func New() *Buffer {
	return NewSize(initialCapacity)
}

// NewSize creates a Buffer with the given initial capacity.
func NewSize(size int) *Buffer {
	if size <= 0 {
		size = initialCapacity
	}
	return &Buffer{data: make([]byte, size)}
}

// Readable returns the number of bytes available to read.
func (b *Buffer) Readable() int { return b.writePos - b.readPos }

// Writable returns the number of bytes available to write without growing.
func (b *Buffer) Writable() int { return len(b.data) - b.writePos }

// Prependable returns the number of bytes that can be reclaimed by
// shifting the readable region back to offset 0.
func (b *Buffer) Prependable() int { return b.readPos }

// Peek returns an immutable view of the readable region. The slice aliases
// the buffer's storage and is invalidated by any mutating call.
func (b *Buffer) Peek() []byte { return b.data[b.readPos:b.writePos] }

// BeginWrite returns a mutable view of the writable region.
func (b *Buffer) BeginWrite() []byte { return b.data[b.writePos:] }

// Retrieve advances the read cursor by n, which must be <= Readable.
func (b *Buffer) Retrieve(n int) {
	if n > b.Readable() {
		n = b.Readable()
	}
	b.readPos += n
}

// RetrieveUntil advances the read cursor up to (but not past) end, an
// offset measured from Peek()'s start.
func (b *Buffer) RetrieveUntil(end int) {
	b.Retrieve(end)
}

// RetrieveAll zeroes the storage and resets both cursors, readying the
// buffer for a fresh request cycle.
func (b *Buffer) RetrieveAll() {
	for i := range b.data {
		b.data[i] = 0
	}
	b.readPos = 0
	b.writePos = 0
}

// HasWritten advances the write cursor by n after the caller has filled in
// len(n) bytes starting at BeginWrite().
func (b *Buffer) HasWritten(n int) { b.writePos += n }

// Append copies p into the writable region, growing or shifting the
// buffer first if necessary.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.EnsureWritable(len(p))
	copy(b.data[b.writePos:], p)
	b.writePos += len(p)
}

// AppendString is a convenience wrapper around Append.
func (b *Buffer) AppendString(s string) { b.Append([]byte(s)) }

// EnsureWritable guarantees Writable() >= n, either by shifting the
// readable region down to offset 0 (reusing already-consumed space) or by
// growing the backing array.
func (b *Buffer) EnsureWritable(n int) {
	if b.Writable() >= n {
		return
	}
	if b.Writable()+b.Prependable() >= n {
		readable := b.Readable()
		copy(b.data, b.data[b.readPos:b.writePos])
		b.readPos = 0
		b.writePos = readable
		return
	}
	grown := make([]byte, b.writePos+n+1)
	copy(grown, b.data[:b.writePos])
	b.data = grown
}

// ReadFromFD performs a scatter read from fd: one syscall fills both the
// buffer's writable tail and a stack-resident spill segment. If the total
// bytes read fit within the tail, the write cursor simply advances;
// otherwise the spill overflow is appended, which grows or shifts the
// buffer per EnsureWritable. Returns the number of bytes read and any
// error (including unix.EAGAIN, which the caller must treat as transient).
func (b *Buffer) ReadFromFD(fd int) (int, error) {
	writable := b.Writable()
	spill := make([]byte, spillSize)

	total, err := unix.Readv(fd, [][]byte{b.data[b.writePos:], spill})
	if total <= 0 {
		return total, err
	}
	if total <= writable {
		b.writePos += total
	} else {
		b.writePos = len(b.data)
		b.Append(spill[:total-writable])
	}
	return total, err
}

// WriteToFD writes the entire readable region to fd in a single write,
// advancing the read cursor by the number of bytes actually written.
func (b *Buffer) WriteToFD(fd int) (int, error) {
	n, err := unix.Write(fd, b.Peek())
	if n > 0 {
		b.Retrieve(n)
	}
	return n, err
}
