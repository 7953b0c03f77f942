package expiry

import (
	"testing"
	"time"
)

func TestSetGetDelete(t *testing.T) {
	m := New[int](10, time.Minute)

	m.Set("a", 1)
	m.Set("b", 2)
	if got := m.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}

	v, ok := m.Get("a")
	if !ok || v != 1 {
		t.Fatalf("Get(a) = %d, %v", v, ok)
	}

	m.Set("a", 10)
	v, _ = m.Get("a")
	if v != 10 {
		t.Fatalf("Get(a) after replace = %d, want 10", v)
	}

	v, ok = m.Delete("a")
	if !ok || v != 10 {
		t.Fatalf("Delete(a) = %d, %v", v, ok)
	}
	if _, ok := m.Get("a"); ok {
		t.Fatal("Get(a) succeeded after delete")
	}
}

func TestCapEvictsLeastRecentlyUsed(t *testing.T) {
	m := New[string](3, time.Minute)

	var evicted []string
	m.OnEvict(func(key string, _ string) { evicted = append(evicted, key) })

	m.Set("a", "1")
	time.Sleep(2 * time.Millisecond)
	m.Set("b", "2")
	time.Sleep(2 * time.Millisecond)
	m.Set("c", "3")
	time.Sleep(2 * time.Millisecond)

	// Touch "a" so "b" becomes the coldest entry.
	m.Get("a")
	time.Sleep(2 * time.Millisecond)

	m.Set("d", "4")
	if m.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", m.Len())
	}
	if len(evicted) != 1 || evicted[0] != "b" {
		t.Fatalf("evicted = %v, want [b]", evicted)
	}
	if _, ok := m.Peek("a"); !ok {
		t.Fatal("recently used entry was evicted")
	}
}

func TestSweepDropsIdleEntries(t *testing.T) {
	m := New[int](10, 20*time.Millisecond)

	var evicted []string
	m.OnEvict(func(key string, _ int) { evicted = append(evicted, key) })

	m.Set("old", 1)
	time.Sleep(30 * time.Millisecond)
	m.Set("fresh", 2)

	if dropped := m.Sweep(); dropped != 1 {
		t.Fatalf("Sweep() = %d, want 1", dropped)
	}
	if _, ok := m.Peek("old"); ok {
		t.Fatal("idle entry survived sweep")
	}
	if _, ok := m.Peek("fresh"); !ok {
		t.Fatal("fresh entry was swept")
	}
	if len(evicted) != 1 || evicted[0] != "old" {
		t.Fatalf("evicted = %v, want [old]", evicted)
	}
}

func TestTouchExtendsLifetime(t *testing.T) {
	m := New[int](10, 25*time.Millisecond)

	m.Set("a", 1)
	time.Sleep(15 * time.Millisecond)
	if !m.Touch("a") {
		t.Fatal("Touch(a) = false")
	}
	time.Sleep(15 * time.Millisecond)

	// 30ms since insert but only 15ms since the touch.
	if dropped := m.Sweep(); dropped != 0 {
		t.Fatalf("Sweep() = %d, want 0", dropped)
	}
	if m.Touch("missing") {
		t.Fatal("Touch(missing) = true")
	}
}

func TestKeysAndValues(t *testing.T) {
	m := New[int](0, 0)
	m.Set("a", 1)
	m.Set("b", 2)

	if keys := m.Keys(); len(keys) != 2 {
		t.Fatalf("Keys() = %v", keys)
	}
	sum := 0
	for _, v := range m.Values() {
		sum += v
	}
	if sum != 3 {
		t.Fatalf("Values() sum = %d, want 3", sum)
	}

	// Unbounded map with expiry disabled never drops entries.
	if dropped := m.Sweep(); dropped != 0 {
		t.Fatalf("Sweep() = %d, want 0", dropped)
	}
}
