package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// loopback answers every request after a fixed delay and records that no two
// exchanges ever overlapped.
type loopback struct {
	mu        sync.Mutex
	inFlight  bool
	overlaps  int
	exchanges [][]byte
	delay     time.Duration
	reply     func(req []byte) ([]byte, error)
}

func (l *loopback) Transaction(ctx context.Context, req []byte, expectedLen int, timeout time.Duration) ([]byte, error) {
	l.mu.Lock()
	if l.inFlight {
		l.overlaps++
	}
	l.inFlight = true
	l.exchanges = append(l.exchanges, append([]byte(nil), req...))
	l.mu.Unlock()

	if l.delay > 0 {
		time.Sleep(l.delay)
	}

	l.mu.Lock()
	l.inFlight = false
	l.mu.Unlock()

	if l.reply != nil {
		return l.reply(req)
	}
	return req, nil
}

func (l *loopback) Close() error    { return nil }
func (l *loopback) Address() string { return "loop0" }

func TestSubmitEchoes(t *testing.T) {
	lb := &loopback{}
	a := New(lb, zerolog.Nop())
	defer a.Close()

	req := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01}
	res, err := a.Submit(context.Background(), Transaction{
		SlaveID: 1, Request: req, ExpectedLen: len(req), Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if string(res.Reply) != string(req) {
		t.Fatalf("reply = % X, want % X", res.Reply, req)
	}
}

func TestSubmissionsNeverOverlap(t *testing.T) {
	lb := &loopback{delay: 5 * time.Millisecond}
	a := New(lb, zerolog.Nop())
	defer a.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id byte) {
			defer wg.Done()
			_, err := a.Submit(context.Background(), Transaction{
				SlaveID: id, Request: []byte{id}, ExpectedLen: 1, Timeout: time.Second,
			})
			if err != nil {
				t.Errorf("Submit(%d): %v", id, err)
			}
		}(byte(i + 1))
	}
	wg.Wait()

	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.overlaps != 0 {
		t.Fatalf("overlapping exchanges: %d", lb.overlaps)
	}
	if len(lb.exchanges) != 8 {
		t.Fatalf("exchanges = %d, want 8", len(lb.exchanges))
	}
}

func TestTransportErrorSurfacesAndBusStaysUsable(t *testing.T) {
	boom := errors.New("boom")
	failNext := true
	lb := &loopback{reply: func(req []byte) ([]byte, error) {
		if failNext {
			failNext = false
			return nil, boom
		}
		return req, nil
	}}
	a := New(lb, zerolog.Nop())
	defer a.Close()

	txn := Transaction{SlaveID: 1, Request: []byte{1}, ExpectedLen: 1, Timeout: time.Second}
	if _, err := a.Submit(context.Background(), txn); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
	if _, err := a.Submit(context.Background(), txn); err != nil {
		t.Fatalf("bus unusable after error: %v", err)
	}
}

func TestSubmitAfterClose(t *testing.T) {
	a := New(&loopback{}, zerolog.Nop())
	a.Close()

	_, err := a.Submit(context.Background(), Transaction{
		SlaveID: 1, Request: []byte{1}, ExpectedLen: 1, Timeout: time.Second,
	})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestQueuedSubmissionCancelled(t *testing.T) {
	lb := &loopback{delay: 50 * time.Millisecond}
	a := New(lb, zerolog.Nop())
	defer a.Close()

	// Occupy the bus.
	go a.Submit(context.Background(), Transaction{SlaveID: 1, Request: []byte{1}, ExpectedLen: 1, Timeout: time.Second})
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Submit(ctx, Transaction{SlaveID: 2, Request: []byte{2}, ExpectedLen: 1, Timeout: time.Second})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
