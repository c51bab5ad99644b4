package oplog

import (
	"context"
	"errors"
	"sync"

	"nexusServer/backend/internal/crdt"
)

var (
	ErrSeqGap        = errors.New("SEQ_GAP")
	ErrCompactBounds = errors.New("COMPACT_BOUNDS")
)

// Record is one accepted operation with its total-order position.
// Sequence numbers are monotonic and gapless per project.
type Record struct {
	Seq uint64         `json:"seq"`
	Op  crdt.Operation `json:"op"`
}

// Log is the durable, ordered, append-only record of one project's
// accepted operations. The project coordinator is the only writer;
// Append must be durable before the operation is broadcast.
type Log interface {
	// Append writes the record for the given sequence number. Seq must
	// be exactly Tail+1.
	Append(ctx context.Context, seq uint64, op crdt.Operation) error
	// ReadFrom returns up to limit records starting at seq, in order.
	// limit <= 0 means no limit. Restartable from any seq.
	ReadFrom(ctx context.Context, seq uint64, limit int) ([]Record, error)
	// Tail returns the highest appended sequence number (0 when empty).
	Tail(ctx context.Context) (uint64, error)
	// Compact discards all records with seq < beforeSeq. The caller
	// guarantees a snapshot covering the prefix exists and that every
	// registered replica has acknowledged past it.
	Compact(ctx context.Context, beforeSeq uint64) error
}

// MemoryLog keeps the log in process. Used by tests and as the hot tail
// cache in front of the durable store.
type MemoryLog struct {
	mu      sync.RWMutex
	base    uint64 // seq of records[0] - 1
	records []Record
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(ctx context.Context, seq uint64, op crdt.Operation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq != l.base+uint64(len(l.records))+1 {
		return ErrSeqGap
	}
	l.records = append(l.records, Record{Seq: seq, Op: op})
	return nil
}

func (l *MemoryLog) ReadFrom(ctx context.Context, seq uint64, limit int) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Record
	for _, r := range l.records {
		if r.Seq < seq {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (l *MemoryLog) Tail(ctx context.Context) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.base + uint64(len(l.records)), nil
}

func (l *MemoryLog) Compact(ctx context.Context, beforeSeq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	tail := l.base + uint64(len(l.records))
	if beforeSeq > tail+1 {
		return ErrCompactBounds
	}
	if beforeSeq <= l.base+1 {
		return nil
	}
	drop := int(beforeSeq - l.base - 1)
	l.records = append([]Record(nil), l.records[drop:]...)
	l.base = beforeSeq - 1
	return nil
}
