package lru

import "testing"

func TestPutGetPromotes(t *testing.T) {
	m := New[string, int](2)
	m.Put("a", 1)
	m.Put("b", 2)

	if _, ok := m.Get("a"); !ok {
		t.Fatalf("expected hit for a")
	}
	// a is now most-recent; put c should evict b, not a.
	m.Put("c", 3)
	if !m.NeedsCleanup() {
		t.Fatalf("expected overflow after inserting beyond capacity")
	}
	k, v, ok := m.CleanupOne()
	if !ok || k != "b" || v != 2 {
		t.Fatalf("expected to evict b=2, got %v=%v ok=%v", k, v, ok)
	}
	if m.NeedsCleanup() {
		t.Fatalf("did not expect further overflow")
	}
}

func TestMissSentinel(t *testing.T) {
	m := New[string, int](4)
	if _, ok := m.Get("missing"); ok {
		t.Fatalf("expected miss")
	}
}

func TestCleanupDrainsToCapacity(t *testing.T) {
	m := New[int, string](2)
	for i := 0; i < 5; i++ {
		m.Put(i, "v")
	}
	var evicted []int
	n := m.Cleanup(func(k int, _ string) { evicted = append(evicted, k) })
	if n != 3 {
		t.Fatalf("expected 3 evictions, got %d", n)
	}
	if m.NeedsCleanup() {
		t.Fatalf("should not need cleanup after drain")
	}
	want := []int{0, 1, 2}
	for i, k := range want {
		if evicted[i] != k {
			t.Fatalf("eviction order = %v, want oldest-first %v", evicted, want)
		}
	}
}

func TestRangeOrder(t *testing.T) {
	m := New[int, int](10)
	m.Put(1, 1)
	m.Put(2, 2)
	m.Put(3, 3)
	m.Get(1) // promote 1 to most-recent

	var seen []int
	m.Range(func(k, _ int) bool { seen = append(seen, k); return true })
	want := []int{2, 3, 1}
	if len(seen) != len(want) {
		t.Fatalf("got %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("got %v, want %v", seen, want)
		}
	}
}

func TestMostRecentFirst(t *testing.T) {
	m := New[int, int](10)
	m.Put(1, 1)
	m.Put(2, 2)
	m.Put(3, 3)

	var seen []int
	m.MostRecentFirst(func(k, _ int) bool { seen = append(seen, k); return true })
	want := []int{3, 2, 1}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("got %v, want %v", seen, want)
		}
	}
}

func TestDeleteRemovesEntry(t *testing.T) {
	m := New[string, int](4)
	m.Put("a", 1)
	m.Delete("a")
	if _, ok := m.Get("a"); ok {
		t.Fatalf("expected miss after delete")
	}
}
