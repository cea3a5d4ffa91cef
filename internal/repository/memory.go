package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"ledgerbridge/internal/models"
)

type memoryEntry struct {
	rank int
	at   time.Time
	seq  uint64
}

// MemoryQueue is the in-process transport used in memory mode and as
// the failover target of RedisQueue.
type MemoryQueue struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	seq     uint64
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{entries: make(map[string]memoryEntry)}
}

func rankOf(p models.Priority) int {
	for i, candidate := range models.Priorities {
		if candidate == p {
			return i
		}
	}
	return 1
}

func (q *MemoryQueue) Push(_ context.Context, id string, priority models.Priority, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.entries[id] = memoryEntry{rank: rankOf(priority), at: at, seq: q.seq}
	return nil
}

func (q *MemoryQueue) PopDue(_ context.Context, now time.Time, limit int) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	type due struct {
		id string
		memoryEntry
	}
	var ready []due
	for id, e := range q.entries {
		if !e.at.After(now) {
			ready = append(ready, due{id: id, memoryEntry: e})
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if a.rank != b.rank {
			return a.rank < b.rank
		}
		if !a.at.Equal(b.at) {
			return a.at.Before(b.at)
		}
		return a.seq < b.seq
	})
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}

	out := make([]string, 0, len(ready))
	for _, d := range ready {
		delete(q.entries, d.id)
		out = append(out, d.id)
	}
	return out, nil
}

func (q *MemoryQueue) Remove(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, id)
	return nil
}

func (q *MemoryQueue) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.entries)), nil
}
