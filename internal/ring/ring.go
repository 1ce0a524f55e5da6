// Package ring provides the fixed-capacity, sequence-numbered message store
// backing one session.
//
// The buffer has exactly one writer (the session's read loop) and arbitrarily
// many concurrent readers. Readers never block the writer: each slot holds an
// atomic pointer to an immutable entry, so a reader either observes a
// complete entry or detects that the slot was lapped and re-clamps to the
// retained floor. Sequence numbers are assigned at append time, are strictly
// increasing, and are never reused even after eviction.
package ring

import (
	"sync/atomic"
	"time"

	"github.com/wagiedev/agentpool-go/internal/message"
)

// Defaults for buffer sizing.
const (
	// DefaultCapacity is the default slot count per session.
	DefaultCapacity = 1000

	// DefaultMaxBytes is the default aggregate payload byte ceiling per
	// session (1 MiB). Exceeding it evicts the oldest messages ahead of the
	// slot-count limit.
	DefaultMaxBytes = 1024 * 1024
)

// Buffered is one message as retained by the buffer.
type Buffered struct {
	// Seq is the per-session sequence number assigned at append time.
	Seq uint64

	// At is the append timestamp.
	At time.Time

	// Msg is the decoded message. Immutable after append.
	Msg message.Message

	// Size is the encoded payload size in bytes, used for the byte ceiling.
	Size int
}

// Buffer is the circular message store for one session.
type Buffer struct {
	capacity uint64
	maxBytes int64

	slots []atomic.Pointer[Buffered]

	// next is the sequence number the next append will take.
	next atomic.Uint64

	// floor is the lowest sequence number still retained.
	floor atomic.Uint64

	// bytes is the aggregate payload size of retained entries.
	// Written only by the single appender.
	bytes int64
}

// New creates a Buffer. Zero or negative arguments select the defaults.
func New(capacity int, maxBytes int64) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	return &Buffer{
		capacity: uint64(capacity),
		maxBytes: maxBytes,
		slots:    make([]atomic.Pointer[Buffered], capacity),
	}
}

// Append stores msg and returns its assigned sequence number.
//
// Append must only be called from the session's single read loop. It
// overwrites the oldest slot when the buffer is full and advances the
// retained floor, evicting early when the aggregate byte ceiling is
// exceeded. The newest message is always retained regardless of size.
func (b *Buffer) Append(msg message.Message, size int) uint64 {
	seq := b.next.Load()
	newFloor := b.floor.Load()

	// Entries falling out of the slot window are evicted now, before their
	// slot is overwritten, so byte accounting stays exact.
	if seq >= b.capacity && seq-b.capacity+1 > newFloor {
		for f := newFloor; f < seq-b.capacity+1; f++ {
			if old := b.slots[f%b.capacity].Load(); old != nil {
				b.bytes -= int64(old.Size)
			}
		}

		newFloor = seq - b.capacity + 1
	}

	entry := &Buffered{
		Seq:  seq,
		At:   time.Now(),
		Msg:  msg,
		Size: size,
	}

	b.slots[seq%b.capacity].Store(entry)
	b.bytes += int64(size)
	b.next.Store(seq + 1)

	// Secondary eviction: enforce the byte ceiling ahead of the slot limit.
	for b.bytes > b.maxBytes && newFloor < seq {
		if old := b.slots[newFloor%b.capacity].Load(); old != nil {
			b.bytes -= int64(old.Size)
		}

		newFloor++
	}

	b.floor.Store(newFloor)

	return seq
}

// Read returns up to max messages starting at sequence number start.
//
// Read is safe to call concurrently with Append and never blocks the writer.
// If start is below the retained floor, truncated is true and reading
// resumes from the floor. Returned messages have contiguous, strictly
// increasing sequence numbers; next is the offset to pass for the following
// page.
func (b *Buffer) Read(start uint64, max int) (msgs []Buffered, truncated bool, next uint64) {
	for {
		floor := b.floor.Load()
		end := b.next.Load()

		from := start
		if from < floor {
			truncated = true
			from = floor
		}

		if from >= end {
			return nil, truncated, from
		}

		// A non-positive max reads everything retained.
		if max > 0 {
			if limit := from + uint64(max); limit < end {
				end = limit
			}
		}

		out := make([]Buffered, 0, end-from)
		lapped := false

		for seq := from; seq < end; seq++ {
			entry := b.slots[seq%b.capacity].Load()
			if entry == nil || entry.Seq != seq {
				// The writer lapped this slot between our floor load and
				// now. Restart from the advanced floor.
				lapped = true

				break
			}

			out = append(out, *entry)
		}

		if lapped {
			truncated = true

			continue
		}

		return out, truncated, end
	}
}

// Len reports the number of retained messages.
func (b *Buffer) Len() int {
	next := b.next.Load()
	floor := b.floor.Load()

	if next < floor {
		return 0
	}

	return int(next - floor)
}

// Next reports the sequence number the next append will take.
func (b *Buffer) Next() uint64 {
	return b.next.Load()
}

// Floor reports the lowest sequence number still retained.
func (b *Buffer) Floor() uint64 {
	return b.floor.Load()
}
