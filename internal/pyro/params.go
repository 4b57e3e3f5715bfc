// Package pyro reads and writes the pyrometer's runtime registers:
// emissivity, slope, measurement mode, reporting interval and the two
// temperature limits. Every operation borrows the bus from the polling
// scheduler under a bounded pause/resume bracket.
package pyro

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"pyromon/internal/bus"
	"pyromon/internal/modbus"
	"pyromon/internal/serial"
)

// Param identifies one runtime register.
type Param int

const (
	Slope Param = iota
	Emissivity
	MeasurementMode
	TimeInterval
	TempLowerLimit
	TempUpperLimit
)

// Holding register addresses on the pyrometer head.
var registers = map[Param]uint16{
	Slope:           3,
	Emissivity:      4,
	MeasurementMode: 6,
	TimeInterval:    7,
	TempLowerLimit:  8,
	TempUpperLimit:  9,
}

func (p Param) String() string {
	switch p {
	case Slope:
		return "slope"
	case Emissivity:
		return "emissivity"
	case MeasurementMode:
		return "measurement_mode"
	case TimeInterval:
		return "time_interval"
	case TempLowerLimit:
		return "temp_lower_limit"
	case TempUpperLimit:
		return "temp_upper_limit"
	default:
		return "unknown"
	}
}

// ErrOutOfRange reports a rejected parameter value.
var ErrOutOfRange = errors.New("pyro: value out of range")

// Scheduler is the pause/resume and bus-sharing contract the service needs;
// satisfied by *poll.Scheduler.
type Scheduler interface {
	Pause() (string, error)
	Resume(lease string) error
	ArbiterForPort(port string) (*bus.Arbiter, bool)
}

// Arbiter is the submit side of a bus; satisfied by *bus.Arbiter.
type Arbiter interface {
	Submit(ctx context.Context, txn bus.Transaction) (bus.Result, error)
}

// TransportFactory opens an ad-hoc serial line for ports no polling loop
// currently owns.
type TransportFactory func(params serial.Params) bus.Transport

// Values collects all six runtime parameters as read from the head.
type Values struct {
	Emissivity      float64 `json:"emissivity"`
	Slope           float64 `json:"slope"`
	MeasurementMode int     `json:"measurement_mode"`
	TimeInterval    int     `json:"time_interval"`
	TempLowerLimit  float64 `json:"temp_lower_limit"`
	TempUpperLimit  float64 `json:"temp_upper_limit"`
}

// Service bridges parameter intents onto the bus.
type Service struct {
	sched        Scheduler
	newTransport TransportFactory
	timeout      time.Duration
	log          zerolog.Logger
}

// adHocBaud is used when a port has no active polling loop to borrow the
// line settings from; pyrometer heads ship at 9600 8N1.
const adHocBaud = 9600

// New builds the service. factory may be nil, in which case real serial
// transports back ad-hoc buses.
func New(sched Scheduler, factory TransportFactory, timeout time.Duration, log zerolog.Logger) *Service {
	if factory == nil {
		factory = func(p serial.Params) bus.Transport {
			return serial.New(p, log)
		}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{
		sched:        sched,
		newTransport: factory,
		timeout:      timeout,
		log:          log.With().Str("component", "pyro").Logger(),
	}
}

// encode maps a user-facing value onto the register encoding, validating
// the documented range first.
func encode(p Param, v float64) (uint16, error) {
	switch p {
	case Emissivity, Slope:
		if v < 0.20 || v > 1.00 {
			return 0, fmt.Errorf("%w: %s %.3f not in 0.20..1.00", ErrOutOfRange, p, v)
		}
		return uint16(math.Round(v * 100)), nil
	case MeasurementMode:
		if v != 0 && v != 1 {
			return 0, fmt.Errorf("%w: %s %v not in {0,1}", ErrOutOfRange, p, v)
		}
		return uint16(v), nil
	case TimeInterval:
		if v < 1 || v > 3600 || v != math.Trunc(v) {
			return 0, fmt.Errorf("%w: %s %v not in 1..3600", ErrOutOfRange, p, v)
		}
		return uint16(v), nil
	case TempLowerLimit, TempUpperLimit:
		if v < 0 || v > 3000 {
			return 0, fmt.Errorf("%w: %s %.1f not in 0..3000", ErrOutOfRange, p, v)
		}
		return uint16(math.Round(v)), nil
	default:
		return 0, fmt.Errorf("%w: unknown parameter", ErrOutOfRange)
	}
}

// decode is the inverse of encode.
func decode(p Param, raw uint16) float64 {
	switch p {
	case Emissivity, Slope:
		return float64(raw) / 100.0
	default:
		return float64(raw)
	}
}

// ReadParameter reads one register under a pause bracket.
func (s *Service) ReadParameter(ctx context.Context, comPort string, slaveID int, p Param) (float64, error) {
	var out float64
	err := s.withBus(ctx, comPort, func(arb Arbiter) error {
		raw, err := s.readRegister(ctx, arb, byte(slaveID), registers[p])
		if err != nil {
			return err
		}
		out = decode(p, raw)
		return nil
	})
	return out, err
}

// WriteParameter validates, encodes and writes one register under a pause
// bracket. Writing a temperature limit also reads its counterpart so an
// inverted low/high pair is rejected before touching the register.
func (s *Service) WriteParameter(ctx context.Context, comPort string, slaveID int, p Param, value float64) error {
	encoded, err := encode(p, value)
	if err != nil {
		return err
	}
	return s.withBus(ctx, comPort, func(arb Arbiter) error {
		if p == TempLowerLimit || p == TempUpperLimit {
			if err := s.checkLimitPair(ctx, arb, byte(slaveID), p, value); err != nil {
				return err
			}
		}
		return s.writeRegister(ctx, arb, byte(slaveID), registers[p], encoded)
	})
}

func (s *Service) checkLimitPair(ctx context.Context, arb Arbiter, slave byte, p Param, value float64) error {
	other := TempUpperLimit
	if p == TempUpperLimit {
		other = TempLowerLimit
	}
	raw, err := s.readRegister(ctx, arb, slave, registers[other])
	if err != nil {
		// Counterpart unreadable; let the write proceed rather than wedge
		// the head on a transient bus fault.
		s.log.Warn().Err(err).Str("param", other.String()).Msg("limit counterpart unreadable")
		return nil
	}
	counterpart := float64(raw)
	if p == TempLowerLimit && counterpart > 0 && value >= counterpart {
		return fmt.Errorf("%w: lower limit %.1f must be below upper limit %.1f", ErrOutOfRange, value, counterpart)
	}
	if p == TempUpperLimit && value <= counterpart {
		return fmt.Errorf("%w: upper limit %.1f must be above lower limit %.1f", ErrOutOfRange, value, counterpart)
	}
	return nil
}

// ReadAll reads the six parameters in a fixed order under one bracket.
func (s *Service) ReadAll(ctx context.Context, comPort string, slaveID int) (*Values, error) {
	vals := &Values{}
	err := s.withBus(ctx, comPort, func(arb Arbiter) error {
		for _, p := range []Param{Emissivity, Slope, MeasurementMode, TimeInterval, TempLowerLimit, TempUpperLimit} {
			raw, err := s.readRegister(ctx, arb, byte(slaveID), registers[p])
			if err != nil {
				return fmt.Errorf("read %s: %w", p, err)
			}
			switch p {
			case Emissivity:
				vals.Emissivity = decode(p, raw)
			case Slope:
				vals.Slope = decode(p, raw)
			case MeasurementMode:
				vals.MeasurementMode = int(raw)
			case TimeInterval:
				vals.TimeInterval = int(raw)
			case TempLowerLimit:
				vals.TempLowerLimit = decode(p, raw)
			case TempUpperLimit:
				vals.TempUpperLimit = decode(p, raw)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vals, nil
}

// withBus runs fn with exclusive access to the port: polling paused, and
// either the scheduler's own arbiter for that port or an ad-hoc one.
func (s *Service) withBus(ctx context.Context, comPort string, fn func(Arbiter) error) error {
	lease, err := s.sched.Pause()
	if err != nil {
		return err
	}
	defer func() {
		if err := s.sched.Resume(lease); err != nil {
			s.log.Error().Err(err).Msg("resume after parameter operation")
		}
	}()

	if arb, ok := s.sched.ArbiterForPort(comPort); ok {
		return fn(arb)
	}

	transport := s.newTransport(serial.Params{Address: comPort, BaudRate: adHocBaud})
	arb := bus.New(transport, s.log)
	defer arb.Close()
	return fn(arb)
}

func (s *Service) readRegister(ctx context.Context, arb Arbiter, slave byte, register uint16) (uint16, error) {
	req := modbus.BuildReadRequest(slave, modbus.FuncReadHolding, register, 1)
	res, err := arb.Submit(ctx, bus.Transaction{
		Kind:        bus.Control,
		SlaveID:     slave,
		Request:     req,
		ExpectedLen: modbus.ReadReplyLen(1),
		Timeout:     s.timeout,
	})
	if err != nil {
		return 0, err
	}
	payload, err := modbus.ParseReadResponse(res.Reply, slave, modbus.FuncReadHolding, 2)
	if err != nil {
		return 0, err
	}
	return uint16(payload[0])<<8 | uint16(payload[1]), nil
}

func (s *Service) writeRegister(ctx context.Context, arb Arbiter, slave byte, register uint16, value uint16) error {
	req := modbus.BuildWriteSingle(slave, register, value)
	res, err := arb.Submit(ctx, bus.Transaction{
		Kind:        bus.Control,
		SlaveID:     slave,
		Request:     req,
		ExpectedLen: modbus.WriteReplyLen,
		Timeout:     s.timeout,
	})
	if err != nil {
		return err
	}
	return modbus.ParseWriteResponse(res.Reply, slave, register, value)
}
