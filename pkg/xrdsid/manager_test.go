package xrdsid

import (
	"sync"
	"testing"
)

func TestAllocateDistinctUnderConcurrency(t *testing.T) {
	m := New(nil)

	const n = 500
	seen := make(chan SID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sid, err := m.Allocate()
			if err != nil {
				t.Errorf("Allocate: %v", err)
				return
			}
			seen <- sid
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[SID]bool)
	for sid := range seen {
		if unique[sid] {
			t.Fatalf("sid %d allocated twice", sid)
		}
		unique[sid] = true
	}
	if len(unique) != n {
		t.Fatalf("got %d unique sids, want %d", len(unique), n)
	}
	if m.InUse() != n {
		t.Fatalf("InUse() = %d, want %d", m.InUse(), n)
	}
}

func TestReleaseAllowsReallocation(t *testing.T) {
	m := New(nil)
	sid, err := m.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	m.Release(sid)
	if m.InUse() != 0 {
		t.Fatalf("InUse() = %d, want 0 after release", m.InUse())
	}

	next, err := m.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	_ = next
}

func TestQuarantineWithholdsFromReallocation(t *testing.T) {
	m := New(nil)
	sid, err := m.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	m.Quarantine(sid)
	if m.InUse() != 0 {
		t.Fatalf("InUse() = %d, want 0 after quarantine", m.InUse())
	}
	if !m.IsQuarantined(sid) {
		t.Fatal("sid should be quarantined")
	}

	for i := 0; i < 10; i++ {
		other, err := m.Allocate()
		if err != nil {
			t.Fatal(err)
		}
		if other == sid {
			t.Fatalf("quarantined sid %d was reallocated", sid)
		}
		m.Release(other)
	}
}

func TestReleaseQuarantinedReenablesReuse(t *testing.T) {
	m := New(nil)
	sid, _ := m.Allocate()
	m.Quarantine(sid)
	m.ReleaseQuarantined(sid)
	if m.IsQuarantined(sid) {
		t.Fatal("sid should no longer be quarantined")
	}
}

func TestZeroSIDNeverAllocated(t *testing.T) {
	m := New(nil)
	for i := 0; i < 1000; i++ {
		sid, err := m.Allocate()
		if err != nil {
			t.Fatal(err)
		}
		if sid == 0 {
			t.Fatal("sid 0 is reserved and must never be allocated")
		}
	}
}
