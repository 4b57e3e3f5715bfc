// Package poll drives the acquisition side of the service: one loop per
// RS-485 bus, polling every enabled device in slave-id order each cycle,
// with cooperative pause/resume so the parameter service can borrow the bus.
package poll

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pyromon/internal/broadcast"
	"pyromon/internal/bus"
	"pyromon/internal/modbus"
	"pyromon/internal/serial"
	"pyromon/internal/store"
)

var (
	// ErrBusy means Pause could not win the bus inside maxPauseWait, or a
	// pause bracket is already held.
	ErrBusy = errors.New("poll: scheduler busy")
	// ErrBadLease means Resume was called with a token that does not match
	// the outstanding pause lease.
	ErrBadLease = errors.New("poll: lease does not match")
	// ErrNotRunning means a control call arrived before Start or after Stop.
	ErrNotRunning = errors.New("poll: scheduler not running")
)

// Registry is the device source; satisfied by *store.Registry.
type Registry interface {
	List(ctx context.Context, enabledOnly bool) ([]store.Device, error)
	Changed() <-chan struct{}
}

// Sink accepts readings; satisfied by *buffer.Buffer.
type Sink interface {
	Append(store.Reading) error
}

// TransportFactory opens the serial line for one bus. Injected so tests can
// run the scheduler over loopback fakes.
type TransportFactory func(params serial.Params) bus.Transport

// Config tunes the scheduler.
type Config struct {
	PollInterval     time.Duration
	TxTimeout        time.Duration
	MinDeviceTimeout time.Duration // floor for the per-device deadline
	MaxPauseWait     time.Duration
	StaleWindow      time.Duration // 0 means 3 x PollInterval
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.TxTimeout <= 0 {
		c.TxTimeout = 5 * time.Second
	}
	if c.MinDeviceTimeout <= 0 {
		c.MinDeviceTimeout = 200 * time.Millisecond
	}
	if c.MaxPauseWait <= 0 {
		c.MaxPauseWait = 2 * time.Second
	}
	if c.StaleWindow <= 0 {
		c.StaleWindow = 3 * c.PollInterval
	}
}

type runState int

const (
	stateRunning runState = iota
	statePaused
	stateStopping
)

// BusStats are the per-bus counters exposed through /polling/stats.
type BusStats struct {
	Port          string        `json:"port"`
	Baud          int           `json:"baud"`
	Devices       int           `json:"devices"`
	Cycles        uint64        `json:"cycles"`
	OKReads       uint64        `json:"ok_reads"`
	ErrReads      uint64        `json:"err_reads"`
	SlowCycles    uint64        `json:"slow_cycles"`
	BufferDrops   uint64        `json:"buffer_drops"`
	LastCycleTime time.Duration `json:"last_cycle_ns"`
}

// Stats is the scheduler-level snapshot.
type Stats struct {
	IsRunning  bool       `json:"is_running"`
	CycleCount uint64     `json:"cycle_count"`
	Buses      []BusStats `json:"buses"`
}

type busKey struct {
	port string
	baud int
}

// Scheduler owns the per-bus polling loops.
type Scheduler struct {
	cfg          Config
	registry     Registry
	sink         Sink
	hub          *broadcast.Hub
	newTransport TransportFactory
	log          zerolog.Logger

	reload chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	state   runState
	wake    chan struct{}
	lease   string
	loops   map[busKey]*busLoop

	// lastOK survives bus rebuilds so stale detection keeps its history.
	lastOKMu sync.Mutex
	lastOK   map[uint]time.Time
}

// New builds a scheduler. factory may be nil, in which case real serial
// transports are opened.
func New(cfg Config, registry Registry, sink Sink, hub *broadcast.Hub, factory TransportFactory, log zerolog.Logger) *Scheduler {
	cfg.applyDefaults()
	if factory == nil {
		factory = func(p serial.Params) bus.Transport {
			return serial.New(p, log)
		}
	}
	return &Scheduler{
		cfg:          cfg,
		registry:     registry,
		sink:         sink,
		hub:          hub,
		newTransport: factory,
		log:          log.With().Str("component", "poll").Logger(),
		reload:       make(chan struct{}, 1),
		state:        stateRunning,
		wake:         make(chan struct{}),
		loops:        make(map[busKey]*busLoop),
		lastOK:       make(map[uint]time.Time),
	}
}

// Start launches the supervisor goroutine. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.state = stateRunning

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.supervise(ctx)
	s.log.Info().Msg("scheduler started")
}

// Stop transitions to Stopping, lets in-flight transactions finish and
// waits for every loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.state = stateStopping
	close(s.wake) // release paused loops so they can observe Stopping
	s.wake = make(chan struct{})
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.log.Info().Msg("scheduler stopped")
}

// supervise builds the bus set from the registry and rebuilds it whenever
// the configuration changes.
func (s *Scheduler) supervise(ctx context.Context) {
	defer s.wg.Done()
	for {
		stop := s.startLoops(ctx)

		select {
		case <-ctx.Done():
			stop()
			return
		case <-s.reload:
			s.log.Info().Msg("reloading device configuration")
		case <-s.registry.Changed():
			s.log.Info().Msg("device configuration changed")
		}
		stop()
	}
}

// startLoops reads the registry, groups enabled devices by bus and spawns
// one loop per bus. The returned function stops them and waits.
func (s *Scheduler) startLoops(ctx context.Context) func() {
	loopCtx, cancelLoops := context.WithCancel(ctx)

	devices, err := s.registry.List(loopCtx, true)
	if err != nil {
		s.log.Error().Err(err).Msg("cannot list devices")
		devices = nil
	}

	groups := make(map[busKey][]store.Device)
	for _, d := range devices {
		k := busKey{port: d.ComPort, baud: d.BaudRate}
		groups[k] = append(groups[k], d)
	}

	var wg sync.WaitGroup
	s.mu.Lock()
	s.loops = make(map[busKey]*busLoop, len(groups))
	for k, devs := range groups {
		sort.Slice(devs, func(i, j int) bool { return devs[i].SlaveID < devs[j].SlaveID })
		transport := s.newTransport(serial.Params{Address: k.port, BaudRate: k.baud})
		loop := &busLoop{
			sched:   s,
			key:     k,
			devices: devs,
			arbiter: bus.New(transport, s.log),
			log:     s.log.With().Str("bus", k.port).Int("baud", k.baud).Logger(),
		}
		s.loops[k] = loop
		wg.Add(1)
		go func(l *busLoop) {
			defer wg.Done()
			l.run(loopCtx)
		}(loop)
	}
	s.mu.Unlock()

	if len(groups) == 0 {
		s.log.Warn().Msg("no enabled devices; polling idle until configuration changes")
	}

	return func() {
		cancelLoops()
		wg.Wait()
		s.mu.Lock()
		for _, l := range s.loops {
			l.arbiter.Close()
		}
		s.mu.Unlock()
	}
}

// Pause suspends polling on every bus and returns a lease token once no
// transaction is in flight. Fails with ErrBusy if a lease is already held
// or the buses cannot go idle within MaxPauseWait.
func (s *Scheduler) Pause() (string, error) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return "", ErrNotRunning
	}
	if s.state != stateRunning {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: pause already held", ErrBusy)
	}
	s.state = statePaused
	lease := uuid.NewString()
	s.lease = lease
	s.mu.Unlock()

	deadline := time.Now().Add(s.cfg.MaxPauseWait)
	for {
		if s.allIdle() {
			s.log.Info().Str("lease", lease).Msg("polling paused")
			return lease, nil
		}
		if time.Now().After(deadline) {
			// Could not win the bus in time; roll back.
			s.mu.Lock()
			s.state = stateRunning
			s.lease = ""
			close(s.wake)
			s.wake = make(chan struct{})
			s.mu.Unlock()
			return "", fmt.Errorf("%w: bus still busy after %s", ErrBusy, s.cfg.MaxPauseWait)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Resume releases the pause bracket identified by lease.
func (s *Scheduler) Resume(lease string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ErrNotRunning
	}
	if s.state != statePaused {
		return ErrBadLease
	}
	if lease != s.lease {
		return ErrBadLease
	}
	s.state = stateRunning
	s.lease = ""
	close(s.wake)
	s.wake = make(chan struct{})
	s.log.Info().Msg("polling resumed")
	return nil
}

// Reload asks the supervisor to re-read the registry. In-flight
// transactions complete before their loops are torn down; the devices not
// yet polled in the current cycle are skipped.
func (s *Scheduler) Reload() {
	select {
	case s.reload <- struct{}{}:
	default:
	}
}

// ArbiterFor exposes the live arbiter for a bus so the parameter service
// can share it under a pause bracket.
func (s *Scheduler) ArbiterFor(port string, baud int) (*bus.Arbiter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.loops[busKey{port: port, baud: baud}]
	if !ok {
		return nil, false
	}
	return l.arbiter, true
}

// ArbiterForPort finds the live arbiter owning the named COM port at any
// baud rate. The port handle stays open across a pause, so a control caller
// must reuse this arbiter rather than opening the port a second time.
func (s *Scheduler) ArbiterForPort(port string) (*bus.Arbiter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, l := range s.loops {
		if k.port == port {
			return l.arbiter, true
		}
	}
	return nil, false
}

// GetStats snapshots the scheduler counters.
func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{IsRunning: s.started && s.state == stateRunning}
	for _, l := range s.loops {
		bs := l.snapshot()
		st.CycleCount += bs.Cycles
		st.Buses = append(st.Buses, bs)
	}
	sort.Slice(st.Buses, func(i, j int) bool { return st.Buses[i].Port < st.Buses[j].Port })
	return st
}

func (s *Scheduler) allIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.loops {
		if l.busy.Load() {
			return false
		}
	}
	return true
}

// gate blocks while the scheduler is paused. It returns false when the
// context is cancelled.
func (s *Scheduler) gate(ctx context.Context) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		s.mu.Lock()
		state, wake := s.state, s.wake
		s.mu.Unlock()
		switch state {
		case stateRunning:
			return true
		case stateStopping:
			return false
		case statePaused:
			select {
			case <-wake:
			case <-ctx.Done():
				return false
			}
		}
	}
}

func (s *Scheduler) markOK(deviceID uint, at time.Time) {
	s.lastOKMu.Lock()
	s.lastOK[deviceID] = at
	s.lastOKMu.Unlock()
}

func (s *Scheduler) sinceOK(deviceID uint, now time.Time) (time.Duration, bool) {
	s.lastOKMu.Lock()
	defer s.lastOKMu.Unlock()
	at, ok := s.lastOK[deviceID]
	if !ok {
		return 0, false
	}
	return now.Sub(at), true
}

// busLoop polls the devices of one bus.
type busLoop struct {
	sched   *Scheduler
	key     busKey
	devices []store.Device
	arbiter *bus.Arbiter
	log     zerolog.Logger

	busy atomic.Bool

	statsMu    sync.Mutex
	cycles     uint64
	okReads    uint64
	errReads   uint64
	slowCycles uint64
	bufDrops   uint64
	lastCycle  time.Duration
}

func (l *busLoop) snapshot() BusStats {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	return BusStats{
		Port:          l.key.port,
		Baud:          l.key.baud,
		Devices:       len(l.devices),
		Cycles:        l.cycles,
		OKReads:       l.okReads,
		ErrReads:      l.errReads,
		SlowCycles:    l.slowCycles,
		BufferDrops:   l.bufDrops,
		LastCycleTime: l.lastCycle,
	}
}

func (l *busLoop) run(ctx context.Context) {
	l.log.Info().Int("devices", len(l.devices)).Msg("bus loop started")
	for {
		if !l.sched.gate(ctx) {
			l.log.Debug().Msg("bus loop exiting")
			return
		}
		cycleStart := time.Now()
		l.cycle(ctx, cycleStart)

		elapsed := time.Since(cycleStart)
		l.statsMu.Lock()
		l.cycles++
		l.lastCycle = elapsed
		overran := elapsed > l.sched.cfg.PollInterval
		if overran {
			l.slowCycles++
		}
		l.statsMu.Unlock()

		if overran {
			continue // next cycle starts immediately
		}
		select {
		case <-time.After(l.sched.cfg.PollInterval - elapsed):
		case <-ctx.Done():
			return
		}
	}
}

// cycle polls every device once, in slave-id order. A panic anywhere in the
// per-device path is caught so one bad decode can never kill the loop.
func (l *busLoop) cycle(ctx context.Context, cycleStart time.Time) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Msg("recovered in bus loop")
		}
	}()

	for i := 0; i < len(l.devices); {
		if !l.sched.gate(ctx) {
			return
		}
		dev := &l.devices[i]
		reading, ok := l.pollDevice(ctx, dev, cycleStart)
		if !ok {
			// Pause won the race between the gate check and the submit;
			// park on the gate and retry the same device.
			continue
		}
		i++

		if err := l.sched.sink.Append(reading); err != nil {
			l.statsMu.Lock()
			l.bufDrops++
			l.statsMu.Unlock()
			l.log.Warn().Err(err).Str("device", dev.Name).Msg("reading dropped")
		}
		l.sched.hub.Publish(broadcast.Event{
			DeviceID:     reading.DeviceID,
			DeviceName:   reading.DeviceName,
			Temperature:  reading.Value,
			Ambient:      reading.Ambient,
			Status:       reading.Status,
			Timestamp:    reading.TSUTC,
			RawHex:       reading.RawHex,
			ErrorMessage: reading.ErrorMessage,
		})
	}
}

// pollDevice performs one read transaction and maps the outcome onto a
// Reading. Errors never propagate; they become status Err or Stale rows.
// The bool result is false when a concurrent Pause claimed the bus before
// the request went out; no reading is produced in that case.
func (l *busLoop) pollDevice(ctx context.Context, dev *store.Device, cycleStart time.Time) (store.Reading, bool) {
	now := time.Now().UTC()
	reading := store.Reading{
		DeviceID:   dev.ID,
		DeviceName: dev.Name,
		TSUTC:      now,
		Status:     store.StatusErr,
	}

	// Deadline: remaining cycle budget, floored so one device always gets
	// a fair chance, capped by the configured transaction timeout.
	budget := l.sched.cfg.PollInterval - time.Since(cycleStart)
	if budget < l.sched.cfg.MinDeviceTimeout {
		budget = l.sched.cfg.MinDeviceTimeout
	}
	if budget > l.sched.cfg.TxTimeout {
		budget = l.sched.cfg.TxTimeout
	}

	request := modbus.BuildReadRequest(byte(dev.SlaveID), byte(dev.FunctionCode), uint16(dev.StartRegister), uint16(dev.RegisterCount))

	l.busy.Store(true)
	// Re-check the run state after raising busy: a Pause that flipped the
	// state between the cycle gate and here must not see this submit.
	s := l.sched
	s.mu.Lock()
	paused := s.state != stateRunning
	s.mu.Unlock()
	if paused {
		l.busy.Store(false)
		return store.Reading{}, false
	}

	// The loop waits for its in-flight exchange even when a reload or stop
	// cancels ctx; the exchange is bounded by budget.
	res, err := l.arbiter.Submit(context.WithoutCancel(ctx), bus.Transaction{
		Kind:        bus.Poll,
		SlaveID:     byte(dev.SlaveID),
		Request:     request,
		ExpectedLen: modbus.ReadReplyLen(uint16(dev.RegisterCount)),
		Timeout:     budget,
	})
	l.busy.Store(false)

	if err != nil {
		reading.Status = l.failureStatus(dev.ID, err, now)
		reading.ErrorMessage = err.Error()
		l.countErr()
		return reading, true
	}

	reading.RawHex = hexBytes(res.Reply)

	payload, err := modbus.ParseReadResponse(res.Reply, byte(dev.SlaveID), byte(dev.FunctionCode), 2*dev.RegisterCount)
	if err != nil {
		reading.ErrorMessage = err.Error()
		l.countErr()
		return reading, true
	}

	layout := modbus.LayoutFloatBE
	if dev.AmbientSecond {
		layout = modbus.LayoutValueAmbient
	}
	temp, err := modbus.DecodeTemperature(payload, uint16(dev.RegisterCount), layout)
	if err != nil {
		reading.ErrorMessage = err.Error()
		l.countErr()
		return reading, true
	}

	v := temp.Value
	reading.Value = &v
	reading.Ambient = temp.Ambient
	reading.Status = store.StatusOK
	l.sched.markOK(dev.ID, now)

	l.statsMu.Lock()
	l.okReads++
	l.statsMu.Unlock()
	return reading, true
}

// failureStatus distinguishes Stale from Err: a timeout on a device whose
// last success is older than the stale window reads as Stale.
func (l *busLoop) failureStatus(deviceID uint, err error, now time.Time) string {
	if !errors.Is(err, serial.ErrTimeout) {
		return store.StatusErr
	}
	since, ever := l.sched.sinceOK(deviceID, now)
	if ever && since > l.sched.cfg.StaleWindow {
		return store.StatusStale
	}
	return store.StatusErr
}

func (l *busLoop) countErr() {
	l.statsMu.Lock()
	l.errReads++
	l.statsMu.Unlock()
}

const hexDigits = "0123456789ABCDEF"

func hexBytes(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	out := make([]byte, 0, len(b)*3-1)
	for i, c := range b {
		if i > 0 {
			out = append(out, ' ')
		}
		out = append(out, hexDigits[c>>4], hexDigits[c&0x0F])
	}
	return string(out)
}
