// Package hlc implements the hybrid logical clock used to stamp every MVCC
// version and WAL record. A timestamp pairs a physical wall-clock reading
// (microseconds since the Unix epoch) with a logical counter that orders
// events sharing the same physical tick.
package hlc

import (
	"encoding/binary"
	"sync"
	"time"
)

// Timestamp is a (physical, logical) pair. Timestamps are totally ordered
// lexicographically on (Physical, Logical).
type Timestamp struct {
	Physical uint64
	Logical  uint32
}

// Zero is the smallest possible timestamp, used as "beginning of time" for
// full-history scans.
var Zero = Timestamp{}

// Before reports whether t happened strictly before o.
func (t Timestamp) Before(o Timestamp) bool {
	if t.Physical != o.Physical {
		return t.Physical < o.Physical
	}
	return t.Logical < o.Logical
}

// After reports whether t happened strictly after o.
func (t Timestamp) After(o Timestamp) bool {
	return o.Before(t)
}

// Equal reports whether t and o are the same instant.
func (t Timestamp) Equal(o Timestamp) bool {
	return t.Physical == o.Physical && t.Logical == o.Logical
}

// LessOrEqual reports whether t happened at or before o.
func (t Timestamp) LessOrEqual(o Timestamp) bool {
	return t.Equal(o) || t.Before(o)
}

// Bytes encodes the timestamp in its 12-byte wire form: big-endian
// physical followed by big-endian logical.
func (t Timestamp) Bytes() [12]byte {
	var b [12]byte
	binary.BigEndian.PutUint64(b[0:8], t.Physical)
	binary.BigEndian.PutUint32(b[8:12], t.Logical)
	return b
}

// FromBytes decodes a timestamp produced by Bytes. It panics if b is
// shorter than 12 bytes, matching the fixed-width wire contract.
func FromBytes(b []byte) Timestamp {
	return Timestamp{
		Physical: binary.BigEndian.Uint64(b[0:8]),
		Logical:  binary.BigEndian.Uint32(b[8:12]),
	}
}

// nowMicros returns the wall clock in microseconds since the epoch. Split
// out so tests can't accidentally depend on real time.
var nowMicros = func() uint64 {
	return uint64(time.Now().UnixMicro())
}

// Clock issues monotonically increasing timestamps, safe for concurrent
// use by every transaction beginning or committing.
type Clock struct {
	mu   sync.Mutex
	last Timestamp
}

// NewClock returns a clock starting at Zero.
func NewClock() *Clock {
	return &Clock{}
}

// Now returns the next timestamp. If the wall clock has advanced past the
// last issued physical reading, the logical counter resets to zero;
// otherwise it increments, guaranteeing strict monotonicity even under a
// burst of same-microsecond calls.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physical := nowMicros()
	if physical > c.last.Physical {
		c.last = Timestamp{Physical: physical, Logical: 0}
		return c.last
	}

	c.last.Logical++
	if c.last.Logical == ^uint32(0) {
		// Logical counter exhausted at this physical tick; wait for the
		// wall clock to tick over rather than wrapping.
		for {
			time.Sleep(time.Microsecond)
			next := nowMicros()
			if next > c.last.Physical {
				c.last = Timestamp{Physical: next, Logical: 0}
				break
			}
		}
	}
	return c.last
}

// Update merges a timestamp received from another node (or another
// transaction) into the clock, per the HLC merge rule: the new physical
// reading is the max of the local physical clock, the received physical
// reading, and the last issued physical reading; the logical counter is
// bumped according to which of those three was the maximum.
func (c *Clock) Update(received Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physical := nowMicros()
	maxPhysical := physical
	if received.Physical > maxPhysical {
		maxPhysical = received.Physical
	}
	if c.last.Physical > maxPhysical {
		maxPhysical = c.last.Physical
	}

	// Merge the logical counters of every source sharing the winning
	// physical reading — both the received stamp and the last issued one
	// can tie it at once, and the result must be strictly greater than
	// each. Only a wall clock strictly ahead of both resets to zero.
	var next Timestamp
	switch {
	case maxPhysical == c.last.Physical && maxPhysical == received.Physical:
		logical := received.Logical
		if c.last.Logical > logical {
			logical = c.last.Logical
		}
		next = Timestamp{Physical: maxPhysical, Logical: logical + 1}
	case maxPhysical == c.last.Physical:
		next = Timestamp{Physical: maxPhysical, Logical: c.last.Logical + 1}
	case maxPhysical == received.Physical:
		next = Timestamp{Physical: maxPhysical, Logical: received.Logical + 1}
	default:
		next = Timestamp{Physical: maxPhysical, Logical: 0}
	}

	c.last = next
	return next
}
