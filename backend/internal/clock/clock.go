package clock

import (
	"fmt"

	"github.com/google/uuid"
)

// Timestamp is a Lamport pair. The total order is (Counter, Replica)
// lexicographic, so ties between replicas are broken deterministically.
type Timestamp struct {
	Counter uint64 `json:"counter"`
	Replica string `json:"replica"`
}

func (t Timestamp) IsZero() bool { return t.Counter == 0 && t.Replica == "" }

// Compare returns -1/0/+1 for t </==/> other.
func (t Timestamp) Compare(other Timestamp) int {
	if t.Counter != other.Counter {
		if t.Counter < other.Counter {
			return -1
		}
		return 1
	}
	if t.Replica != other.Replica {
		if t.Replica < other.Replica {
			return -1
		}
		return 1
	}
	return 0
}

func (t Timestamp) Before(other Timestamp) bool { return t.Compare(other) < 0 }
func (t Timestamp) After(other Timestamp) bool  { return t.Compare(other) > 0 }

func (t Timestamp) String() string {
	return fmt.Sprintf("%d@%s", t.Counter, t.Replica)
}

// NewReplicaID mints a globally unique replica identifier. One per
// client/device/session, immutable once assigned.
func NewReplicaID() string {
	return uuid.NewString()
}

// Clock produces timestamps for locally originated operations. It is
// confined to the goroutine that owns the replica; callers that share a
// replica across goroutines must serialize access themselves (the
// coordinator actor does this through its mailbox).
type Clock struct {
	replica string
	counter uint64
}

func New(replica string) *Clock {
	return &Clock{replica: replica}
}

func (c *Clock) Replica() string { return c.replica }

// Tick returns the next strictly increasing timestamp for this replica.
func (c *Clock) Tick() Timestamp {
	c.counter++
	return Timestamp{Counter: c.counter, Replica: c.replica}
}

// Observe applies the Lamport receive rule: after observing a remote
// timestamp, every future local timestamp is causally after it.
func (c *Clock) Observe(t Timestamp) {
	if t.Counter > c.counter {
		c.counter = t.Counter
	}
}
