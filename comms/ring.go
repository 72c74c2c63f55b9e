package comms

import (
	"sync"

	"github.com/pm3link/pm3link/command"
)

// DefaultBufferSize is the number of unread frames kept before the oldest is
// overwritten.
const DefaultBufferSize = 50

// Ring is a fixed capacity FIFO of received frames. When full, a push
// overwrites the oldest unread frame. All methods are safe for concurrent use.
type Ring struct {
	mu    sync.Mutex
	slots []command.Frame
	head  int // next write
	tail  int // oldest unread
}

// NewRing returns a ring retaining up to capacity frames.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	// one slot stays free so that head == tail means empty
	return &Ring{slots: make([]command.Frame, capacity+1)}
}

// Cap returns the number of frames the ring retains.
func (r *Ring) Cap() int { return len(r.slots) - 1 }

// Push appends f. It returns false if the ring was full and the oldest unread
// frame was dropped to make room.
func (r *Ring) Push(f command.Frame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[r.head] = f
	r.head = r.next(r.head)
	if r.head == r.tail {
		r.tail = r.next(r.tail)
		return false
	}
	return true
}

// Len returns the number of unread frames.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.len()
}

// PeekMatching returns the position, counted from the oldest unread frame,
// of the first frame accepted by match.
func (r *Ring) PeekMatching(match func(command.Frame) bool) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.find(match)
}

// PopAt removes and returns the frame at position i, as reported by
// PeekMatching. Frames before it keep their order. It panics if i is out of
// range. Concurrent consumers should use Take instead.
func (r *Ring) PopAt(i int) command.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.popAt(i)
}

// Take removes and returns the oldest frame accepted by match.
func (r *Ring) Take(match func(command.Frame) bool) (command.Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.find(match)
	if !ok {
		return command.Frame{}, false
	}
	return r.popAt(i), true
}

// Clear drops every unread frame.
func (r *Ring) Clear() {
	r.mu.Lock()
	r.tail = r.head
	r.mu.Unlock()
}

// Frames returns a copy of the unread frames, oldest first.
func (r *Ring) Frames() []command.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]command.Frame, 0, r.len())
	for i := r.tail; i != r.head; i = r.next(i) {
		out = append(out, r.slots[i])
	}
	return out
}

func (r *Ring) next(i int) int { return (i + 1) % len(r.slots) }

func (r *Ring) len() int {
	return (r.head - r.tail + len(r.slots)) % len(r.slots)
}

func (r *Ring) find(match func(command.Frame) bool) (int, bool) {
	n := 0
	for i := r.tail; i != r.head; i = r.next(i) {
		if match(r.slots[i]) {
			return n, true
		}
		n++
	}
	return 0, false
}

func (r *Ring) popAt(i int) command.Frame {
	if i < 0 || i >= r.len() {
		panic("comms: ring index out of range")
	}
	size := len(r.slots)
	at := (r.tail + i) % size
	f := r.slots[at]
	// shift the older frames up by one and drop the tail slot
	for j := i; j > 0; j-- {
		r.slots[(r.tail+j)%size] = r.slots[(r.tail+j-1)%size]
	}
	r.tail = r.next(r.tail)
	return f
}
