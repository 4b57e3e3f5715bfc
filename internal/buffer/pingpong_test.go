package buffer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"pyromon/internal/store"
)

// fakeStore records batches; fail makes AppendBatch error while set.
type fakeStore struct {
	mu      sync.Mutex
	batches [][]store.Reading
	fail    bool
}

func (f *fakeStore) AppendBatch(ctx context.Context, batch []store.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("store down")
	}
	f.batches = append(f.batches, append([]store.Reading(nil), batch...))
	return nil
}

func (f *fakeStore) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func (f *fakeStore) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func reading(i int) store.Reading {
	v := float64(i)
	return store.Reading{DeviceID: 1, DeviceName: "d", TSUTC: time.Now().UTC(), Value: &v, Status: store.StatusOK}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestThresholdSwapFlushes(t *testing.T) {
	fs := &fakeStore{}
	b := New(fs, 10, time.Hour, zerolog.Nop())
	defer b.Close()

	for i := 0; i < 10; i++ {
		if err := b.Append(reading(i)); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}
	waitFor(t, "threshold flush", func() bool { return fs.total() == 10 })

	st := b.GetStats()
	if st.TotalFlushed != 10 || st.TotalDropped != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestMaxHoldFlushesPartialSlot(t *testing.T) {
	fs := &fakeStore{}
	b := New(fs, 100, 50*time.Millisecond, zerolog.Nop())
	defer b.Close()

	for i := 0; i < 3; i++ {
		if err := b.Append(reading(i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	waitFor(t, "max-hold flush", func() bool { return fs.total() == 3 })
}

func TestBackPressureDropsOnlyUnderSustainedFailure(t *testing.T) {
	fs := &fakeStore{}
	fs.setFail(true)
	b := New(fs, 5, time.Hour, zerolog.Nop())
	defer b.Close()

	// Fill active (5 -> swap), then the new active up to the high-water
	// mark while flushing can't complete.
	dropped := 0
	for i := 0; i < 30; i++ {
		if err := b.Append(reading(i)); errors.Is(err, ErrBufferFull) {
			dropped++
		}
	}
	if dropped == 0 {
		t.Fatalf("expected ErrBufferFull under sustained store failure")
	}

	st := b.GetStats()
	if st.TotalDropped == 0 {
		t.Fatalf("dropped counter not incremented: %+v", st)
	}
}

func TestFlushRetriesThenRecovers(t *testing.T) {
	fs := &fakeStore{}
	fs.setFail(true)
	b := New(fs, 4, time.Hour, zerolog.Nop())
	defer b.Close()

	for i := 0; i < 4; i++ {
		if err := b.Append(reading(i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	// Let the first retry fail, then bring the store back.
	time.Sleep(120 * time.Millisecond)
	fs.setFail(false)
	waitFor(t, "retried flush", func() bool { return fs.total() == 4 })
}

func TestCloseFlushesEverything(t *testing.T) {
	fs := &fakeStore{}
	b := New(fs, 100, time.Hour, zerolog.Nop())

	for i := 0; i < 7; i++ {
		if err := b.Append(reading(i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	b.Close()
	if got := fs.total(); got != 7 {
		t.Fatalf("persisted = %d, want 7", got)
	}
}

func TestEveryReadingPersistedOrCounted(t *testing.T) {
	fs := &fakeStore{}
	b := New(fs, 10, 20*time.Millisecond, zerolog.Nop())

	const n = 250
	accepted := 0
	for i := 0; i < n; i++ {
		if err := b.Append(reading(i)); err == nil {
			accepted++
		}
	}
	b.Close()

	st := b.GetStats()
	if got := fs.total() + int(st.TotalDropped); got < accepted {
		t.Fatalf("persisted+dropped = %d, accepted = %d", got, accepted)
	}
	if fs.total() != accepted {
		t.Fatalf("persisted = %d, accepted = %d (healthy store must not drop)", fs.total(), accepted)
	}
}
