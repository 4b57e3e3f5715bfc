// Package serial owns the serial port handles the service talks Modbus RTU
// through. One Transport exists per (port, baud, parity, stop bits) tuple and
// is never called concurrently; the bus arbiter guarantees a single caller.
package serial

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goburrow/serial"
	"github.com/rs/zerolog"
)

var (
	ErrClosed  = errors.New("serial: port not open")
	ErrTimeout = errors.New("serial: read timeout")
	ErrIO      = errors.New("serial: i/o error")
)

// Params describes a serial line. Zero fields take the 8N1 defaults.
type Params struct {
	Address  string
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
}

func (p *Params) applyDefaults() {
	if p.BaudRate == 0 {
		p.BaudRate = 9600
	}
	if p.DataBits == 0 {
		p.DataBits = 8
	}
	if p.StopBits == 0 {
		p.StopBits = 1
	}
	if p.Parity == "" {
		p.Parity = "N"
	}
}

// Transport drives one serial port. Open and Close are idempotent; after a
// transaction error the caller is expected to Close and let the next
// transaction reopen.
type Transport struct {
	params  Params
	log     zerolog.Logger
	port    serial.Port
	lastEnd time.Time

	charTime   time.Duration
	frameGap   time.Duration // >= 3.5 char times since previous frame end
	idleWindow time.Duration // 1.5 char times intra-frame idle on short reads
}

// readSlice is the granularity of the blocking read loop; the port timeout
// is set per slice so the overall deadline stays responsive.
const readSlice = 50 * time.Millisecond

// New builds a transport for the line. Nothing is opened until the first
// transaction (or an explicit Open).
func New(params Params, log zerolog.Logger) *Transport {
	params.applyDefaults()

	// 11 bits per character, the Modbus RTU character (start + 8 data +
	// parity or second stop + stop); an 8N1 character is 10 bits, so the
	// timing errs long.
	char := time.Duration(11 * float64(time.Second) / float64(params.BaudRate))
	gap := char * 7 / 2
	// The Modbus spec fixes a 1.75 ms floor above 19200 baud.
	if gap < 1750*time.Microsecond {
		gap = 1750 * time.Microsecond
	}

	return &Transport{
		params:     params,
		log:        log.With().Str("component", "serial").Str("port", params.Address).Logger(),
		charTime:   char,
		frameGap:   gap,
		idleWindow: char * 3 / 2,
	}
}

// Address returns the OS port name.
func (t *Transport) Address() string { return t.params.Address }

// Open opens the port if it is not already open.
func (t *Transport) Open() error {
	if t.port != nil {
		return nil
	}
	p, err := serial.Open(&serial.Config{
		Address:  t.params.Address,
		BaudRate: t.params.BaudRate,
		DataBits: t.params.DataBits,
		StopBits: t.params.StopBits,
		Parity:   t.params.Parity,
		Timeout:  readSlice,
	})
	if err != nil {
		return fmt.Errorf("open %s: %w", t.params.Address, err)
	}
	t.port = p
	t.log.Debug().Int("baud", t.params.BaudRate).Msg("port opened")
	return nil
}

// Close closes the port if open.
func (t *Transport) Close() error {
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	if err != nil {
		return fmt.Errorf("close %s: %w", t.params.Address, err)
	}
	return nil
}

// Transaction writes one request frame and reads the reply. It enforces the
// inter-frame gap, reads until expectedLen bytes or the timeout, and on a
// partial frame keeps reading while bytes keep arriving within the
// intra-frame idle window. On error the port is closed so the next call
// starts from a clean open.
func (t *Transport) Transaction(ctx context.Context, request []byte, expectedLen int, timeout time.Duration) ([]byte, error) {
	if err := t.Open(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	// Inter-frame silence since the previous transaction end.
	if wait := t.frameGap - time.Since(t.lastEnd); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	t.drainInput()

	if _, err := t.port.Write(request); err != nil {
		t.fail()
		return nil, fmt.Errorf("%w: write: %v", ErrIO, err)
	}

	reply, err := t.readReply(ctx, expectedLen, timeout)
	t.lastEnd = time.Now()
	if err != nil {
		t.fail()
		return nil, err
	}
	return reply, nil
}

func (t *Transport) readReply(ctx context.Context, expectedLen int, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	reply := make([]byte, 0, expectedLen)
	buf := make([]byte, expectedLen)
	lastByte := time.Time{}

	for len(reply) < expectedLen {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if time.Now().After(deadline) {
			if len(reply) == 0 {
				return nil, ErrTimeout
			}
			// Partial frame that went quiet: hand the short frame up so
			// the codec reports what arrived.
			return reply, nil
		}

		n, err := t.port.Read(buf[:expectedLen-len(reply)])
		if n > 0 {
			reply = append(reply, buf[:n]...)
			lastByte = time.Now()
			continue
		}
		if err != nil && !isTimeout(err) {
			return nil, fmt.Errorf("%w: read: %v", ErrIO, err)
		}
		// Nothing arrived in this slice. A partial frame idle past 1.5
		// char times is over; return it short.
		if len(reply) > 0 && time.Since(lastByte) > t.idleWindow+readSlice {
			return reply, nil
		}
	}
	return reply, nil
}

// drainInput discards any bytes pending from an aborted earlier exchange.
func (t *Transport) drainInput() {
	buf := make([]byte, 64)
	for {
		n, err := t.port.Read(buf)
		if n <= 0 || err != nil {
			return
		}
		t.log.Debug().Int("bytes", n).Msg("drained stale input")
	}
}

// fail closes the handle after an I/O problem; the next transaction reopens.
func (t *Transport) fail() {
	if err := t.Close(); err != nil {
		t.log.Warn().Err(err).Msg("close after error")
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, serial.ErrTimeout) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
