package cache

import (
	"context"
	"sync"
	"time"

	"billscan_worker/core/port/out"

	"github.com/google/uuid"
)

// MemoryScanLock is the single-process ScanLock used when Redis is not configured.
type MemoryScanLock struct {
	mu   sync.Mutex
	held map[uuid.UUID]memoryLease
	now  func() time.Time
	seq  uint64
}

type memoryLease struct {
	seq     uint64
	expires time.Time
}

func NewMemoryScanLock() *MemoryScanLock {
	return &MemoryScanLock{held: make(map[uuid.UUID]memoryLease), now: time.Now}
}

func (l *MemoryScanLock) Acquire(_ context.Context, userID uuid.UUID, ttl time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if lease, ok := l.held[userID]; ok && now.Before(lease.expires) {
		return nil, out.ErrScanInProgress
	}
	l.seq++
	seq := l.seq
	l.held[userID] = memoryLease{seq: seq, expires: now.Add(ttl)}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if lease, ok := l.held[userID]; ok && lease.seq == seq {
			delete(l.held, userID)
		}
		return nil
	}, nil
}

var _ out.ScanLock = (*MemoryScanLock)(nil)
