// Package journal provides the bounded, append-only histories backing the
// execution and notification logs.
package journal

import "sync"

const DefaultCap = 100

// Journal keeps the most recent entries up to a fixed capacity.
// Eviction is FIFO: once the cap is exceeded the oldest entry goes first.
// Entries are never mutated after append.
type Journal[T any] struct {
	mu    sync.Mutex
	cap   int
	items []T
	total uint64
}

func New[T any](capacity int) *Journal[T] {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &Journal[T]{cap: capacity}
}

func (j *Journal[T]) Append(v T) {
	j.mu.Lock()
	j.items = append(j.items, v)
	if len(j.items) > j.cap {
		j.items = j.items[len(j.items)-j.cap:]
	}
	j.total++
	j.mu.Unlock()
}

// Items returns a copy, oldest first.
func (j *Journal[T]) Items() []T {
	j.mu.Lock()
	out := make([]T, len(j.items))
	copy(out, j.items)
	j.mu.Unlock()
	return out
}

func (j *Journal[T]) Len() int {
	j.mu.Lock()
	n := len(j.items)
	j.mu.Unlock()
	return n
}

// Total counts every append ever made, including evicted entries.
func (j *Journal[T]) Total() uint64 {
	j.mu.Lock()
	n := j.total
	j.mu.Unlock()
	return n
}
