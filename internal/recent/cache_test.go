package recent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/skier233/Stash-AIServer-sub000/internal/kv"
)

func fixedClock() func() time.Time {
	base := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func TestAddCompletedReplacesAndPromotes(t *testing.T) {
	c := New(kv.NewMemory(), WithNow(fixedClock()))
	start := time.Now()

	c.AddCompleted("t1", "visage", StatusFailed, start, "", nil)
	c.AddCompleted("t2", "visage", StatusFinished, start, "", nil)
	c.AddCompleted("t1", "visage", StatusFinished, start, "", &Extra{Message: "retry ok"})

	recs := c.Recent(0)
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].TaskID != "t1" || recs[0].Status != StatusFinished || recs[0].Message != "retry ok" {
		t.Fatalf("front record = %+v, want replaced t1", recs[0])
	}
	if recs[1].TaskID != "t2" {
		t.Fatalf("second record = %s, want t2", recs[1].TaskID)
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	c := New(kv.NewMemory())
	for i := 0; i < DefaultCapacity; i++ {
		c.AddCompleted(fmt.Sprintf("t%d", i), "svc", StatusFinished, time.Now(), "", nil)
	}
	c.AddCompleted("t-new", "svc", StatusFinished, time.Now(), "", nil)

	if c.Len() != DefaultCapacity {
		t.Fatalf("Len = %d, want %d", c.Len(), DefaultCapacity)
	}
	if _, ok := c.Get("t0"); ok {
		t.Fatal("oldest record t0 should have been evicted")
	}
	if _, ok := c.Get("t1"); !ok {
		t.Fatal("t1 should still be present")
	}
	if c.Recent(1)[0].TaskID != "t-new" {
		t.Fatal("newest record should be first")
	}
}

func TestJobRecordIsMultiTask(t *testing.T) {
	c := New(kv.NewMemory())
	rec := c.AddCompleted("j1", "scenes", StatusFinished, time.Now(), "j1", &Extra{TotalTasks: 4, CompletedTasks: 4})
	if !rec.IsMultiTask || rec.TotalTasks != 4 {
		t.Fatalf("unexpected job record: %+v", rec)
	}
}

func TestSuccessfulFiltersAndLimits(t *testing.T) {
	c := New(kv.NewMemory())
	c.AddCompleted("a", "svc", StatusFinished, time.Now(), "", nil)
	c.AddCompleted("b", "svc", StatusFailed, time.Now(), "", nil)
	c.AddCompleted("c", "svc", StatusFinished, time.Now(), "", nil)
	c.AddCompleted("d", "svc", StatusCancelled, time.Now(), "", nil)

	got := c.Successful(0)
	if len(got) != 2 || got[0].TaskID != "c" || got[1].TaskID != "a" {
		t.Fatalf("Successful = %+v", got)
	}
	if got := c.Successful(1); len(got) != 1 {
		t.Fatalf("Successful(1) returned %d records", len(got))
	}
	if got := c.Recent(3); len(got) != 3 {
		t.Fatalf("Recent(3) returned %d records", len(got))
	}
}

func TestReadsReturnCopies(t *testing.T) {
	c := New(kv.NewMemory())
	c.AddCompleted("a", "svc", StatusFinished, time.Now(), "", nil)

	recs := c.Recent(0)
	recs[0].Status = StatusFailed

	if r, _ := c.Get("a"); r.Status != StatusFinished {
		t.Fatal("mutating a returned slice changed cache contents")
	}
}

func TestRemoveAndClear(t *testing.T) {
	c := New(kv.NewMemory())
	c.AddCompleted("a", "svc", StatusFinished, time.Now(), "", nil)
	c.AddCompleted("b", "svc", StatusFinished, time.Now(), "", nil)

	if !c.Remove("a") {
		t.Fatal("Remove(a) = false")
	}
	if c.Remove("a") {
		t.Fatal("second Remove(a) should report false")
	}
	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("Len after Clear = %d", c.Len())
	}
}

func TestStats(t *testing.T) {
	c := New(kv.NewMemory())
	c.AddCompleted("a", "visage", StatusFinished, time.Now(), "", nil)
	c.AddCompleted("b", "visage", StatusFailed, time.Now(), "", nil)
	c.AddCompleted("c", "scenes", StatusFinished, time.Now(), "", nil)

	st := c.Stats()
	if st.Total != 3 || st.ByStatus[StatusFinished] != 2 || st.ByStatus[StatusFailed] != 1 {
		t.Fatalf("unexpected status counts: %+v", st)
	}
	if st.ByService["visage"] != 2 || st.ByService["scenes"] != 1 {
		t.Fatalf("unexpected service counts: %+v", st.ByService)
	}
}

func TestPersistsAcrossInstances(t *testing.T) {
	store := kv.NewMemory()
	c := New(store)
	c.AddCompleted("a", "svc", StatusFinished, time.Now(), "", nil)

	reloaded := New(store)
	if _, ok := reloaded.Get("a"); !ok {
		t.Fatal("record not reloaded from store")
	}
}

func TestCorruptDataDegradesToEmpty(t *testing.T) {
	store := kv.NewMemory()
	_ = store.Put(context.Background(), DefaultNamespace, []byte("{not json"))

	c := New(store)
	if c.Len() != 0 {
		t.Fatalf("Len = %d, want 0 for corrupt data", c.Len())
	}
	c.AddCompleted("a", "svc", StatusFinished, time.Now(), "", nil)
	if c.Len() != 1 {
		t.Fatal("cache should remain usable after corrupt load")
	}
}

type failingStore struct{ kv.Memory }

func (f *failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("disk on fire")
}

func (f *failingStore) Put(context.Context, string, []byte) error {
	return errors.New("disk on fire")
}

func TestStoreFailuresDoNotBlock(t *testing.T) {
	c := New(&failingStore{})
	c.AddCompleted("a", "svc", StatusFinished, time.Now(), "", nil)
	if c.Len() != 1 {
		t.Fatal("in-memory state should survive persist failure")
	}
}

func TestObserverSeesAddedRecords(t *testing.T) {
	var seen []string
	c := New(kv.NewMemory(), WithObserver(func(r Record) { seen = append(seen, r.TaskID) }))
	c.AddCompleted("a", "svc", StatusFinished, time.Now(), "", nil)

	if len(seen) != 1 || seen[0] != "a" {
		t.Fatalf("observer saw %v", seen)
	}
}
