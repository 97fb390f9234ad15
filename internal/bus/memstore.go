package bus

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process StreamStore for tests and single-process
// deployments without durability requirements.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	nextSeq uint64
	bytes   int64
}

var _ StreamStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextSeq: 1}
}

// Append implements StreamStore.
func (s *MemoryStore) Append(_ context.Context, subject string, data []byte) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := Record{
		Sequence:  s.nextSeq,
		Subject:   subject,
		Data:      append([]byte(nil), data...),
		Timestamp: time.Now().UTC(),
	}
	s.nextSeq++
	s.records = append(s.records, record)
	s.bytes += int64(len(data))
	return record, nil
}

// Range implements StreamStore.
func (s *MemoryStore) Range(_ context.Context, fromSeq uint64, fn func(Record) bool) error {
	s.mu.RLock()
	snapshot := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if r.Sequence >= fromSeq {
			snapshot = append(snapshot, r)
		}
	}
	s.mu.RUnlock()

	for _, r := range snapshot {
		if !fn(r) {
			return nil
		}
	}
	return nil
}

// LastSequence implements StreamStore.
func (s *MemoryStore) LastSequence(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextSeq - 1, nil
}

// Trim implements StreamStore.
func (s *MemoryStore) Trim(_ context.Context, cutoff time.Time, maxBytes int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for len(s.records) > 0 {
		head := s.records[0]
		tooOld := head.Timestamp.Before(cutoff)
		tooBig := maxBytes > 0 && s.bytes > maxBytes
		if !tooOld && !tooBig {
			break
		}
		s.records = s.records[1:]
		s.bytes -= int64(len(head.Data))
		dropped++
	}
	return dropped, nil
}

// Close implements StreamStore.
func (s *MemoryStore) Close() error {
	return nil
}
