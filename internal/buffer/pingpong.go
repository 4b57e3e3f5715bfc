// Package buffer decouples acquisition from database latency. Readings land
// in one of two slots; when the active slot fills (or a hold timer fires)
// the slots swap and the standby is flushed to the store by a background
// worker. Append never waits on I/O.
package buffer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pyromon/internal/store"
)

// ErrBufferFull is returned when both slots are saturated because the store
// has been failing for a sustained period. It is the only point where a
// successfully decoded reading may be dropped.
var ErrBufferFull = errors.New("buffer: both slots full")

// Store is the sink the buffer flushes to.
type Store interface {
	AppendBatch(ctx context.Context, batch []store.Reading) error
}

const (
	flushAttempts    = 5
	flushBackoffBase = 100 * time.Millisecond
)

// Buffer is the ping-pong write-back buffer.
type Buffer struct {
	sink      Store
	log       zerolog.Logger
	threshold int
	maxHold   time.Duration

	mu       sync.Mutex
	slots    [2][]store.Reading
	active   int
	flushing bool

	flushReq chan int // slot index to flush
	stop     chan struct{}
	wg       sync.WaitGroup

	totalFlushed uint64
	totalDropped uint64
}

// Stats is a point-in-time snapshot of the buffer.
type Stats struct {
	ActiveSlot    string `json:"active_buffer"`
	ActiveSize    int    `json:"active_size"`
	StandbySize   int    `json:"standby_size"`
	Threshold     int    `json:"threshold"`
	FlushInFlight bool   `json:"flush_in_flight"`
	TotalFlushed  uint64 `json:"total_flushed"`
	TotalDropped  uint64 `json:"total_dropped"`
}

// New creates the buffer and starts its flusher goroutine.
func New(sink Store, threshold int, maxHold time.Duration, log zerolog.Logger) *Buffer {
	if threshold <= 0 {
		threshold = 100
	}
	if maxHold <= 0 {
		maxHold = 5 * time.Second
	}
	b := &Buffer{
		sink:      sink,
		log:       log.With().Str("component", "buffer").Logger(),
		threshold: threshold,
		maxHold:   maxHold,
		flushReq:  make(chan int, 2),
		stop:      make(chan struct{}),
	}
	b.slots[0] = make([]store.Reading, 0, threshold)
	b.slots[1] = make([]store.Reading, 0, threshold)
	b.wg.Add(1)
	go b.flusher()
	return b
}

// Append adds one reading to the active slot. When the active slot reaches
// the threshold the slots swap and the full one is flushed asynchronously.
// If the standby is still flushing and the active slot has grown to twice
// the threshold, the reading is rejected with ErrBufferFull.
func (b *Buffer) Append(r store.Reading) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	active := &b.slots[b.active]
	if len(*active) >= 2*b.threshold {
		b.totalDropped++
		return ErrBufferFull
	}

	*active = append(*active, r)

	if len(*active) >= b.threshold {
		b.swapLocked()
	}
	return nil
}

// swapLocked makes the standby slot active and queues the filled slot for
// flushing, if the standby is free. Callers hold b.mu.
func (b *Buffer) swapLocked() {
	standby := 1 - b.active
	if len(b.slots[standby]) > 0 {
		// Standby still holds an unflushed batch; keep appending to the
		// active slot up to the high-water mark.
		return
	}
	full := b.active
	b.active = standby
	select {
	case b.flushReq <- full:
	default:
		// A request for this slot is already pending.
	}
}

func (b *Buffer) flusher() {
	defer b.wg.Done()
	hold := time.NewTicker(b.maxHold)
	defer hold.Stop()

	for {
		select {
		case <-b.stop:
			return
		case slot := <-b.flushReq:
			b.flush(slot)
		case <-hold.C:
			// Force a swap so dashboards aren't waiting on batch fill.
			b.mu.Lock()
			if len(b.slots[b.active]) > 0 {
				b.swapLocked()
			}
			b.mu.Unlock()
			select {
			case slot := <-b.flushReq:
				b.flush(slot)
			default:
			}
		}
	}
}

// flush drains one slot into the store, retrying transient failures with
// exponential backoff. On give-up the slot is cleared and counted dropped.
func (b *Buffer) flush(slot int) {
	b.mu.Lock()
	batch := b.slots[slot]
	if len(batch) == 0 {
		b.mu.Unlock()
		return
	}
	b.slots[slot] = make([]store.Reading, 0, b.threshold)
	b.flushing = true
	b.mu.Unlock()

	err := b.writeWithRetry(batch)

	b.mu.Lock()
	b.flushing = false
	if err != nil {
		b.totalDropped += uint64(len(batch))
	} else {
		b.totalFlushed += uint64(len(batch))
	}
	b.mu.Unlock()

	if err != nil {
		b.log.Error().Err(err).Int("batch", len(batch)).Msg("batch dropped after retries")
	}
}

func (b *Buffer) writeWithRetry(batch []store.Reading) error {
	var err error
	backoff := flushBackoffBase
	for attempt := 1; attempt <= flushAttempts; attempt++ {
		err = b.sink.AppendBatch(context.Background(), batch)
		if err == nil {
			return nil
		}
		b.log.Warn().Err(err).Int("attempt", attempt).Int("batch", len(batch)).Msg("flush failed")
		if attempt == flushAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-b.stop:
			// Shutdown: skip the wait; the remaining attempts run back to back.
		}
		backoff *= 2
	}
	return err
}

// Flush forces both slots out to the store synchronously. Close calls it
// for the final drain.
func (b *Buffer) Flush() {
	for slot := 0; slot < 2; slot++ {
		b.flush(slot)
	}
}

// Close stops the flusher and performs a final synchronous flush.
func (b *Buffer) Close() {
	close(b.stop)
	b.wg.Wait()
	b.Flush()
}

// GetStats returns a consistent snapshot.
func (b *Buffer) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	name := "A"
	if b.active == 1 {
		name = "B"
	}
	return Stats{
		ActiveSlot:    name,
		ActiveSize:    len(b.slots[b.active]),
		StandbySize:   len(b.slots[1-b.active]),
		Threshold:     b.threshold,
		FlushInFlight: b.flushing,
		TotalFlushed:  b.totalFlushed,
		TotalDropped:  b.totalDropped,
	}
}
