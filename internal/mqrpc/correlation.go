package mqrpc

import (
	"context"
	"sync"
	"time"
)

type slot struct {
	done    chan struct{}
	payload string
}

// Table maps correlation ids to pending replies.
// A slot is resolved at most once and removed when its waiter returns.
type Table struct {
	mu    sync.Mutex
	slots map[string]*slot
	max   int
}

func NewTable(max int) *Table {
	if max <= 0 {
		max = DefaultMaxPending
	}

	return &Table{
		slots: make(map[string]*slot),
		max:   max,
	}
}

// Insert creates an unresolved slot for id.
func (t *Table) Insert(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, has := t.slots[id]; has {
		return ErrDuplicateID
	}
	if len(t.slots) >= t.max {
		return ErrTableFull
	}
	t.slots[id] = &slot{done: make(chan struct{})}

	return nil
}

// Resolve stores payload for id and wakes its waiter.
// It returns false if id is unknown (never sent, or its waiter already gave up) or already resolved.
func (t *Table) Resolve(id string, payload string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, has := t.slots[id]
	if !has {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	s.payload = payload
	close(s.done)

	return true
}

// Wait blocks until id is resolved, timeout elapses or ctx is done. The slot is removed in every case.
func (t *Table) Wait(ctx context.Context, id string, timeout time.Duration) (string, error) {
	t.mu.Lock()
	s, has := t.slots[id]
	t.mu.Unlock()
	if !has {
		return "", ErrUnknownID
	}
	defer t.Remove(id)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.done:
		return s.payload, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	// a reply racing with the deadline still wins
	select {
	case <-s.done:
		return s.payload, nil
	default:
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	return "", ErrTimeout
}

func (t *Table) Remove(id string) {
	t.mu.Lock()
	delete(t.slots, id)
	t.mu.Unlock()
}

// Resolved reports whether id has a slot and whether it is resolved.
func (t *Table) Resolved(id string) (resolved bool, has bool) {
	t.mu.Lock()
	s, has := t.slots[id]
	t.mu.Unlock()
	if !has {
		return false, false
	}
	select {
	case <-s.done:
		return true, true
	default:
		return false, true
	}
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.slots)
}
