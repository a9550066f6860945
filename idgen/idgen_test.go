package idgen

import (
	"math"
	"strings"
	"sync"
	"testing"
)

func TestAllocator_Wraparound(t *testing.T) {
	a := NewAllocator(5, 6)
	want := []int64{5, 6, 5, 6, 5}
	for i, w := range want {
		if got := a.Allocate(); got != w {
			t.Fatalf("Allocate #%d: got %d, want %d", i, got, w)
		}
	}
}

func TestAllocator_SingleValueRange(t *testing.T) {
	a := NewAllocator(3, 3)
	for i := 0; i < 4; i++ {
		if got := a.Allocate(); got != 3 {
			t.Fatalf("Allocate #%d: got %d, want 3", i, got)
		}
	}
}

func TestAllocator_WrapAtMaxInt64(t *testing.T) {
	a := NewAllocator(0, math.MaxInt64)
	a.next = math.MaxInt64
	if got := a.Allocate(); got != math.MaxInt64 {
		t.Fatalf("got %d, want MaxInt64", got)
	}
	if got := a.Allocate(); got != 0 {
		t.Fatalf("after wrap: got %d, want 0", got)
	}
}

func TestAllocator_Reset(t *testing.T) {
	a := NewAllocator(10, 100)
	a.Allocate()
	a.Allocate()
	a.Reset()
	if got := a.Allocate(); got != 10 {
		t.Fatalf("after Reset: got %d, want 10", got)
	}
}

func TestAllocator_InvalidBoundsPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("NewAllocator(7, 6): expected panic")
		}
	}()
	NewAllocator(7, 6)
}

func TestAllocator_ConcurrentUnique(t *testing.T) {
	a := NewAllocator(1, math.MaxInt64)
	const workers, per = 8, 500

	var mu sync.Mutex
	seen := make(map[int64]struct{}, workers*per)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, per)
			for i := 0; i < per; i++ {
				local = append(local, a.Allocate())
			}
			mu.Lock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != workers*per {
		t.Fatalf("got %d unique ids, want %d", len(seen), workers*per)
	}
}

func TestDefaultAllocator_ReservesZero(t *testing.T) {
	if DefaultAllocator.initial != 1 {
		t.Fatalf("DefaultAllocator initial: got %d, want 1", DefaultAllocator.initial)
	}
}

func TestUUIDv7_Format(t *testing.T) {
	id := UUIDv7()()
	if len(id) != 36 || len(strings.Split(id, "-")) != 5 {
		t.Fatalf("UUIDv7: bad format %q", id)
	}
}

func TestPrefixed(t *testing.T) {
	id := Prefixed("ses_", UUIDv7())()
	if !strings.HasPrefix(id, "ses_") {
		t.Fatalf("Prefixed: expected prefix 'ses_', got %q", id)
	}
	if _, err := Parse(strings.TrimPrefix(id, "ses_")); err != nil {
		t.Fatalf("Prefixed: inner id should be a UUID: %v", err)
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse("not-a-uuid"); err == nil {
		t.Fatal("Parse: expected error for invalid UUID")
	}
}
