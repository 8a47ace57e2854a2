package relay

import (
	"fmt"
	"sync"
	"testing"
)

func TestRegistryRegisterLookupReplace(t *testing.T) {
	reg := NewRegistry()
	c1 := newFakeConn("c1")
	c2 := newFakeConn("c2")

	if prev, replaced := reg.Register("u1", c1); replaced || prev != nil {
		t.Fatalf("first registration must not replace")
	}
	if got, ok := reg.Lookup("u1"); !ok || got != c1 {
		t.Fatalf("expected c1, got %v", got)
	}
	prev, replaced := reg.Register("u1", c2)
	if !replaced || prev != c1 {
		t.Fatalf("expected c1 replaced, got %v replaced=%v", prev, replaced)
	}
	if got, _ := reg.Lookup("u1"); got != c2 {
		t.Fatalf("expected c2 after replace, got %v", got)
	}
	if reg.Remove("u1", c1) {
		t.Fatalf("remove with superseded conn must be a no-op")
	}
	if !reg.Remove("u1", c2) {
		t.Fatalf("remove with bound conn must succeed")
	}
	if _, ok := reg.Lookup("u1"); ok {
		t.Fatalf("expected no binding")
	}
}

func TestRegistrySnapshotOrderedAndConcurrentSafe(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reg.Register(fmt.Sprintf("u%02d", i), newFakeConn(fmt.Sprintf("c%d", i)))
		}(i)
	}
	wg.Wait()

	snap := reg.Snapshot()
	if len(snap) != 50 || reg.Len() != 50 {
		t.Fatalf("expected 50 bindings, got snapshot=%d len=%d", len(snap), reg.Len())
	}
	for i := 1; i < len(snap); i++ {
		if snap[i-1].Identity >= snap[i].Identity {
			t.Fatalf("snapshot not ordered at %d: %q >= %q", i, snap[i-1].Identity, snap[i].Identity)
		}
	}
	if snap[0].BoundAt.IsZero() || snap[0].ConnID == "" {
		t.Fatalf("snapshot missing binding metadata: %+v", snap[0])
	}
}
