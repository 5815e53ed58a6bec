package session

// DefaultRingCapacity is the replay buffer size per session. 128 KiB of
// recent PTY output is enough to repaint a full screen plus scrollback on
// reattach.
const DefaultRingCapacity = 128 * 1024

// Ring is a bounded byte ring holding the most recent PTY output. Appending
// never exceeds capacity; the oldest bytes are dropped as needed.
//
// Ring is not internally synchronized: the owning session's mutex guards it.
// The PTY reader is the single writer; attach handlers take Snapshot copies,
// so replay delivery never holds a reference into the ring.
type Ring struct {
	buf   []byte
	start int
	size  int
}

// NewRing creates a ring with the given capacity (DefaultRingCapacity when
// capacity is not positive).
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Ring{buf: make([]byte, capacity)}
}

// Write appends p, dropping the oldest bytes when capacity is exceeded.
func (r *Ring) Write(p []byte) {
	capacity := len(r.buf)
	if len(p) >= capacity {
		copy(r.buf, p[len(p)-capacity:])
		r.start = 0
		r.size = capacity
		return
	}
	// Drop from the head to make room.
	if overflow := r.size + len(p) - capacity; overflow > 0 {
		r.start = (r.start + overflow) % capacity
		r.size -= overflow
	}
	writePos := (r.start + r.size) % capacity
	n := copy(r.buf[writePos:], p)
	copy(r.buf, p[n:])
	r.size += len(p)
}

// Snapshot returns a copy of the buffered bytes in emission order.
func (r *Ring) Snapshot() []byte {
	out := make([]byte, r.size)
	n := copy(out, r.buf[r.start:min(r.start+r.size, len(r.buf))])
	copy(out[n:], r.buf[:r.size-n])
	return out
}

// Len returns the number of buffered bytes.
func (r *Ring) Len() int {
	return r.size
}

// Reset discards all buffered bytes.
func (r *Ring) Reset() {
	r.start = 0
	r.size = 0
}
