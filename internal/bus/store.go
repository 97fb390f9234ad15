package bus

import (
	"context"
	"time"
)

// Record is one durably stored event.
type Record struct {
	Sequence  uint64
	Subject   string
	Data      []byte
	Timestamp time.Time
}

// StreamStore is the durable append-only log behind the bus. Sequences are
// assigned by the store, start at 1, and strictly increase.
type StreamStore interface {
	// Append durably stores a record and returns it with its sequence.
	Append(ctx context.Context, subject string, data []byte) (Record, error)
	// Range calls fn for every record with sequence >= fromSeq in order.
	// fn returning false stops the iteration.
	Range(ctx context.Context, fromSeq uint64, fn func(Record) bool) error
	// LastSequence returns the highest assigned sequence, zero when empty.
	LastSequence(ctx context.Context) (uint64, error)
	// Trim discards the oldest records until none is older than cutoff and
	// the total payload size is at most maxBytes (0 = unbounded). Returns
	// the number of discarded records.
	Trim(ctx context.Context, cutoff time.Time, maxBytes int64) (int, error)
	Close() error
}
