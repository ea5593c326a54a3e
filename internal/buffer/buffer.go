// Package buffer implements the growable byte staging area the crypto
// socket uses for its wrap and unwrap intermediate buffers.
//
// The shape (a single backing slice with a read cursor and a write
// cursor, left-shifted rather than reallocated when it compacts) mirrors
// github.com/brickingsoft/rio's pkg/bytebuffers, trimmed down to what a
// single-owner, non-pooled buffer needs.
package buffer

// MinCapacity is the smallest capacity a new Buffer starts at, regardless
// of the caller's requested initial size.
const MinCapacity = 32 * 1024

// Buffer is an ordered byte sequence with three indices: a read
// position, a write position, and a capacity, holding
// 0 <= read <= write <= capacity.
//
// Readable returns a view over [read, write); Writable returns a view of
// at least the requested size starting at write, growing the backing
// array if necessary. Growth is infallible: callers never see an error
// from Writable.
type Buffer struct {
	b []byte
	r int
	w int
}

// New allocates a Buffer with at least the given initial capacity.
func New(initialCapacity int) *Buffer {
	if initialCapacity < MinCapacity {
		initialCapacity = MinCapacity
	}
	return &Buffer{b: make([]byte, initialCapacity)}
}

// Bytes returns the number of readable bytes currently staged.
func (buf *Buffer) Bytes() int { return buf.w - buf.r }

// Cap returns the current backing capacity.
func (buf *Buffer) Cap() int { return len(buf.b) }

// Readable returns the view over the currently staged, unread bytes.
// The returned slice aliases the buffer's backing array and is only
// valid until the next call to Writable, AdvanceWrite, or Inject.
func (buf *Buffer) Readable() []byte {
	return buf.b[buf.r:buf.w]
}

// Writable returns a slice of at least minBytes contiguous writable
// capacity starting at the write cursor, growing the backing array (and
// compacting away already-consumed bytes) if necessary.
func (buf *Buffer) Writable(minBytes int) []byte {
	buf.ensure(minBytes)
	return buf.b[buf.w:len(buf.b)]
}

// AdvanceRead marks n bytes at the front of the readable view as
// consumed. It panics if n exceeds Bytes(), which would indicate a bug
// in the caller rather than a recoverable condition.
func (buf *Buffer) AdvanceRead(n int) {
	if n < 0 || buf.r+n > buf.w {
		panic("buffer: advance read out of range")
	}
	buf.r += n
	buf.compactIfEmpty()
}

// AdvanceWrite marks n bytes, previously reserved via Writable, as
// containing valid data.
func (buf *Buffer) AdvanceWrite(n int) {
	if n < 0 || buf.w+n > len(buf.b) {
		panic("buffer: advance write out of range")
	}
	buf.w += n
}

// Inject appends the readable bytes of other into this buffer, as if
// they had just arrived from the same source this buffer stages for.
// other is left untouched; its readable bytes are copied, not moved.
func (buf *Buffer) Inject(other []byte) {
	if len(other) == 0 {
		return
	}
	dst := buf.Writable(len(other))
	n := copy(dst, other)
	buf.AdvanceWrite(n)
}

// ensure grows (or compacts) the backing array so that at least minBytes
// of writable room exist after the write cursor.
func (buf *Buffer) ensure(minBytes int) {
	if len(buf.b)-buf.w >= minBytes {
		return
	}
	// Compacting in place first often reclaims enough room without an
	// allocation: shift the unread tail down to index 0.
	if buf.r > 0 {
		n := copy(buf.b, buf.b[buf.r:buf.w])
		buf.r = 0
		buf.w = n
		if len(buf.b)-buf.w >= minBytes {
			return
		}
	}
	grown := len(buf.b) * 2
	needed := buf.w + minBytes
	if needed > grown {
		grown = needed
	}
	nb := make([]byte, grown)
	copy(nb, buf.b[:buf.w])
	buf.b = nb
}

// compactIfEmpty resets both cursors to zero once every readable byte
// has been consumed, so a long-lived buffer that oscillates between
// empty and full doesn't creep its cursors toward the end of a huge
// backing array.
func (buf *Buffer) compactIfEmpty() {
	if buf.r == buf.w {
		buf.r = 0
		buf.w = 0
	}
}
