// Package bus serialises Modbus transactions on one COM port. Every frame
// the service puts on a bus, whether from the polling loops or from the
// parameter service, goes through one Arbiter, so request/response pairs
// never interleave on the wire.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Kind tags the origin of a transaction. It does not affect ordering, which
// is strictly FIFO; control transactions rely on the scheduler's cooperative
// pause to keep polling off the bus.
type Kind int

const (
	Poll Kind = iota
	Control
)

func (k Kind) String() string {
	if k == Control {
		return "control"
	}
	return "poll"
}

var ErrClosed = errors.New("bus: arbiter closed")

// Transport is the serial exchange the arbiter owns. Satisfied by
// *serial.Transport; tests substitute loopback fakes.
type Transport interface {
	Transaction(ctx context.Context, request []byte, expectedLen int, timeout time.Duration) ([]byte, error)
	Close() error
	Address() string
}

// Transaction is one request/response exchange.
type Transaction struct {
	Kind        Kind
	SlaveID     byte
	Request     []byte
	ExpectedLen int
	Timeout     time.Duration
}

// Result carries the raw reply and the on-wire latency.
type Result struct {
	Reply   []byte
	Elapsed time.Duration
}

type submission struct {
	ctx  context.Context
	txn  Transaction
	resp chan outcome
}

type outcome struct {
	result Result
	err    error
}

// Arbiter owns one transport. A single goroutine executes submissions in
// arrival order; Submit blocks its caller until the exchange finishes or the
// transaction deadline passes.
type Arbiter struct {
	transport Transport
	log       zerolog.Logger
	requests  chan submission
	done      chan struct{}

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// queueDepth bounds waiting submissions. Each bus loop submits one
// transaction at a time, so 16 leaves ample room for control exchanges.
const queueDepth = 16

// New starts the arbiter's owner goroutine for the given transport.
func New(transport Transport, log zerolog.Logger) *Arbiter {
	a := &Arbiter{
		transport: transport,
		log:       log.With().Str("component", "bus").Str("port", transport.Address()).Logger(),
		requests:  make(chan submission, queueDepth),
		done:      make(chan struct{}),
	}
	go a.run()
	return a
}

// Submit executes the transaction on the bus. It blocks until the exchange
// completes, the transaction times out, or ctx is cancelled while the
// submission is still queued. A submission already on the wire always runs
// to completion; a cancelled caller simply stops waiting for it.
func (a *Arbiter) Submit(ctx context.Context, txn Transaction) (Result, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return Result{}, ErrClosed
	}
	a.inflight.Add(1)
	a.mu.Unlock()
	defer a.inflight.Done()

	sub := submission{ctx: ctx, txn: txn, resp: make(chan outcome, 1)}
	select {
	case a.requests <- sub:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	select {
	case out := <-sub.resp:
		return out.result, out.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Close rejects new submissions, waits for callers already inside Submit to
// be answered, then stops the owner goroutine and closes the transport.
func (a *Arbiter) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	a.inflight.Wait()
	close(a.done)
}

func (a *Arbiter) run() {
	for {
		select {
		case <-a.done:
			if err := a.transport.Close(); err != nil {
				a.log.Warn().Err(err).Msg("transport close")
			}
			return
		case sub := <-a.requests:
			if err := sub.ctx.Err(); err != nil {
				sub.resp <- outcome{err: err}
				continue
			}
			sub.resp <- a.execute(sub)
		}
	}
}

func (a *Arbiter) execute(sub submission) outcome {
	start := time.Now()
	// Once on the wire the exchange is bounded by its own timeout only; a
	// caller that gives up does not cut the frame short.
	reply, err := a.transport.Transaction(context.WithoutCancel(sub.ctx), sub.txn.Request, sub.txn.ExpectedLen, sub.txn.Timeout)
	elapsed := time.Since(start)

	if err != nil {
		a.log.Debug().
			Str("kind", sub.txn.Kind.String()).
			Uint8("slave", sub.txn.SlaveID).
			Dur("elapsed", elapsed).
			Err(err).
			Msg("transaction failed")
		return outcome{err: fmt.Errorf("slave %d: %w", sub.txn.SlaveID, err)}
	}
	return outcome{result: Result{Reply: reply, Elapsed: elapsed}}
}
