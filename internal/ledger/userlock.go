package ledger

import (
	"sort"
	"sync"
)

// UserLocks serializes mutating ledger operations per user id. Store
// implementations hold the relevant locks for the lifetime of a database
// transaction so balance reads and accrual decrements cannot interleave
// for the same user.
type UserLocks struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewUserLocks creates an empty lock table.
func NewUserLocks() *UserLocks {
	return &UserLocks{locks: make(map[int64]*sync.Mutex)}
}

func (l *UserLocks) lockFor(userID int64) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[userID] = m
	}
	return m
}

// Acquire locks every listed user and returns the release function.
// Ids are deduplicated and locked in ascending order so two operations
// touching an overlapping user set cannot deadlock.
func (l *UserLocks) Acquire(userIDs ...int64) func() {
	ids := append([]int64(nil), userIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var held []*sync.Mutex
	var last int64 = -1
	for _, id := range ids {
		if id == last {
			continue
		}
		last = id
		m := l.lockFor(id)
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
