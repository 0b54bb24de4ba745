package journal

import (
	"sync"
	"testing"
)

func TestEvictsOldestFirst(t *testing.T) {
	t.Parallel()
	j := New[int](100)
	for i := 0; i < 150; i++ {
		j.Append(i)
	}
	got := j.Items()
	if len(got) != 100 {
		t.Fatalf("len = %d, want 100", len(got))
	}
	if got[0] != 50 || got[99] != 149 {
		t.Fatalf("window = [%d..%d], want [50..149]", got[0], got[99])
	}
	if j.Total() != 150 {
		t.Fatalf("Total = %d, want 150", j.Total())
	}
}

func TestDefaultCap(t *testing.T) {
	t.Parallel()
	j := New[string](0)
	for i := 0; i < DefaultCap+1; i++ {
		j.Append("x")
	}
	if j.Len() != DefaultCap {
		t.Fatalf("Len = %d, want %d", j.Len(), DefaultCap)
	}
}

func TestConcurrentAppends(t *testing.T) {
	t.Parallel()
	j := New[int](64)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				j.Append(i)
			}
		}()
	}
	wg.Wait()
	if j.Len() != 64 {
		t.Fatalf("Len = %d, want 64", j.Len())
	}
	if j.Total() != 800 {
		t.Fatalf("Total = %d, want 800", j.Total())
	}
}
