package sdr

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"
)

// SimConfig describes the simulated air shared by every SimDevice.
type SimConfig struct {
	// Skews is the trigger latch skew of each radio in samples. A positive
	// skew latches late.
	Skews map[string]int
	// Latency is the propagation delay between any two radios in samples.
	Latency int
	// Noise is the standard deviation of complex Gaussian noise added to
	// every captured sample.
	Noise float64
	Seed  int64
	// Fail makes Open return the given error for a serial.
	Fail map[string]error
	// Muted radios transmit nothing.
	Muted map[string]bool
	// Frontend is reported as the "frontend" hardware info key.
	Frontend string
	// Queue bounds the captures buffered per device.
	Queue int
}

// SimAir is an Opener whose devices share one trigger line and one channel.
// A trigger delivers every armed burst to every armed receiver, shifted by
// the relative latch skew of the two radios:
//
//	rx_j[k] = sum_i tx_i[k - (latch_i - latch_j) - latency]
//
// where latch = skew - accumulated ADJUST_DELAYS steps.
type SimAir struct {
	mu       sync.Mutex
	cfg      SimConfig
	rng      *rand.Rand
	devices  map[string]*SimDevice
	triggers int
	clock    int64
}

// NewSimAir builds an empty simulated air.
func NewSimAir(cfg SimConfig) *SimAir {
	if cfg.Queue <= 0 {
		cfg.Queue = 16
	}
	if cfg.Frontend == "" {
		cfg.Frontend = "CBRS"
	}
	return &SimAir{
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		devices: make(map[string]*SimDevice),
	}
}

// Open implements Opener.
func (a *SimAir) Open(ctx context.Context, args Args) (Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err, ok := a.cfg.Fail[args.Serial]; ok {
		return nil, fmt.Errorf("open %s: %w", args.Serial, err)
	}
	if _, busy := a.devices[args.Serial]; busy {
		return nil, fmt.Errorf("open %s: device already open", args.Serial)
	}
	d := &SimDevice{
		air:       a,
		serial:    args.Serial,
		driver:    args.Driver,
		skew:      a.cfg.Skews[args.Serial],
		muted:     a.cfg.Muted[args.Serial],
		settings:  make(map[string]string),
		registers: make(map[string]map[uint32]uint32),
		gains:     make(map[string]float64),
		streams:   make(map[StreamID]*simStream),
		captures:  make(chan simCapture, a.cfg.Queue),
	}
	a.devices[args.Serial] = d
	return d, nil
}

// Device returns the open simulated device for serial, or nil.
func (a *SimAir) Device(serial string) *SimDevice {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.devices[serial]
}

// Triggers reports how many times the shared trigger fired.
func (a *SimAir) Triggers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.triggers
}

func (a *SimAir) release(serial string) {
	a.mu.Lock()
	delete(a.devices, serial)
	a.mu.Unlock()
}

// fire delivers pending bursts to armed receivers.
func (a *SimAir) fire() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.triggers++
	a.clock += 1_000_000

	type burst struct {
		latch int
		data  [][]complex64
	}
	var bursts []burst
	var receivers []*SimDevice
	for _, d := range a.devices {
		d.mu.Lock()
		if d.pending != nil {
			if !d.muted {
				bursts = append(bursts, burst{latch: d.latch(), data: d.pending})
			}
			d.pending = nil
		}
		if d.armed > 0 {
			receivers = append(receivers, d)
		}
		d.mu.Unlock()
	}

	for _, rx := range receivers {
		rx.mu.Lock()
		n, nch, latch := rx.armed, rx.rxChannels, rx.latch()
		rx.armed = 0
		rx.mu.Unlock()

		capture := simCapture{timeNs: a.clock, data: make([][]complex64, nch)}
		for c := range capture.data {
			buf := make([]complex64, n)
			for _, b := range bursts {
				shift := b.latch - latch + a.cfg.Latency
				for _, ch := range b.data {
					for k := range buf {
						src := k - shift
						if src >= 0 && src < len(ch) {
							buf[k] += ch[src]
						}
					}
				}
			}
			if a.cfg.Noise > 0 {
				for k := range buf {
					buf[k] += complex64(complex(a.rng.NormFloat64()*a.cfg.Noise, a.rng.NormFloat64()*a.cfg.Noise))
				}
			}
			capture.data[c] = buf
		}
		select {
		case rx.captures <- capture:
		default:
			rx.mu.Lock()
			rx.stats.Dropped++
			rx.mu.Unlock()
		}
	}
}

type simStream struct {
	dir      Direction
	channels []int
	active   bool
}

type simCapture struct {
	timeNs int64
	data   [][]complex64
}

// SimStats counts the stream traffic of one SimDevice.
type SimStats struct {
	Writes      int
	Reads       int
	Activations int
	Dropped     int
}

// SimDevice is one radio on a SimAir.
type SimDevice struct {
	air    *SimAir
	serial string
	driver string
	skew   int
	muted  bool

	mu         sync.Mutex
	closed     bool
	adjust     int
	settings   map[string]string
	registers  map[string]map[uint32]uint32
	gains      map[string]float64
	streams    map[StreamID]*simStream
	nextID     StreamID
	pending    [][]complex64
	armed      int
	rxChannels int
	hwTime     int64
	stats      SimStats

	captures chan simCapture
}

func (d *SimDevice) latch() int { return d.skew - d.adjust }

func (d *SimDevice) Serial() string { return d.serial }

func (d *SimDevice) HardwareInfo() map[string]string {
	return map[string]string{
		"serial":   d.serial,
		"frontend": d.air.cfg.Frontend,
		"driver":   d.driver,
	}
}

func (d *SimDevice) check() error {
	if d.closed {
		return fmt.Errorf("%s: %w", d.serial, ErrClosed)
	}
	return nil
}

func gainKey(dir Direction, ch int, stage string) string {
	return dir.String() + "/" + strconv.Itoa(ch) + "/" + stage
}

func (d *SimDevice) set(dir Direction, ch int, name string, v float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	if ch < 0 || ch > 1 {
		return fmt.Errorf("%s: invalid channel %d", d.serial, ch)
	}
	d.gains[gainKey(dir, ch, name)] = v
	return nil
}

func (d *SimDevice) SetSampleRate(dir Direction, ch int, rate float64) error {
	return d.set(dir, ch, "rate", rate)
}

func (d *SimDevice) SetBandwidth(dir Direction, ch int, bw float64) error {
	return d.set(dir, ch, "bandwidth", bw)
}

func (d *SimDevice) SetFrequency(dir Direction, ch int, component string, hz float64) error {
	return d.set(dir, ch, "freq:"+component, hz)
}

func (d *SimDevice) SetGain(dir Direction, ch int, stage string, db float64) error {
	return d.set(dir, ch, stage, db)
}

func (d *SimDevice) SetAntenna(dir Direction, ch int, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	d.settings[gainKey(dir, ch, "antenna")] = name
	return nil
}

func (d *SimDevice) SetDCOffsetMode(dir Direction, ch int, automatic bool) error {
	v := 0.0
	if automatic {
		v = 1
	}
	return d.set(dir, ch, "dc_offset_auto", v)
}

// Value returns a stored rate, bandwidth, frequency or gain; frequencies are
// keyed "freq:RF" and "freq:BB".
func (d *SimDevice) Value(dir Direction, ch int, name string) (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.gains[gainKey(dir, ch, name)]
	return v, ok
}

func (d *SimDevice) SetupStream(dir Direction, channels []int) (StreamID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return 0, err
	}
	if len(channels) == 0 {
		return 0, fmt.Errorf("%s: stream needs at least one channel", d.serial)
	}
	d.nextID++
	d.streams[d.nextID] = &simStream{dir: dir, channels: append([]int(nil), channels...)}
	return d.nextID, nil
}

func (d *SimDevice) stream(id StreamID) (*simStream, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	s, ok := d.streams[id]
	if !ok {
		return nil, fmt.Errorf("%s: stream %d: %w", d.serial, id, ErrStreamClosed)
	}
	return s, nil
}

func (d *SimDevice) CloseStream(id StreamID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.stream(id); err != nil {
		return err
	}
	delete(d.streams, id)
	return nil
}

// ActivateStream starts a stream. For a receive stream a positive numElems
// arms one capture of that many samples on the next trigger.
func (d *SimDevice) ActivateStream(id StreamID, _ TxFlags, _ int64, numElems int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.stream(id)
	if err != nil {
		return err
	}
	s.active = true
	d.stats.Activations++
	if s.dir == RX && numElems > 0 {
		d.armed = numElems
		d.rxChannels = len(s.channels)
	}
	return nil
}

func (d *SimDevice) DeactivateStream(id StreamID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.stream(id)
	if err != nil {
		return err
	}
	s.active = false
	if s.dir == RX {
		d.armed = 0
	} else {
		d.pending = nil
	}
	return nil
}

// WriteStream queues a burst for the next trigger when WaitTrigger is set;
// other bursts leave the simulated air immediately.
func (d *SimDevice) WriteStream(ctx context.Context, id StreamID, buffs [][]complex64, flags TxFlags, _ int64, _ time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.stream(id)
	if err != nil {
		return 0, err
	}
	if s.dir != TX || !s.active {
		return 0, fmt.Errorf("%s: write: %w", d.serial, ErrStreamClosed)
	}
	if len(buffs) != len(s.channels) {
		return 0, fmt.Errorf("%s: write: %d buffers for %d channels", d.serial, len(buffs), len(s.channels))
	}
	d.stats.Writes++
	if flags&WaitTrigger != 0 {
		d.pending = make([][]complex64, len(buffs))
		for i, b := range buffs {
			d.pending[i] = append([]complex64(nil), b...)
		}
	}
	return len(buffs[0]), nil
}

// ReadStream returns the oldest queued capture.
func (d *SimDevice) ReadStream(ctx context.Context, id StreamID, buffs [][]complex64, timeout time.Duration) (int, int64, error) {
	d.mu.Lock()
	s, err := d.stream(id)
	if err == nil && s.dir != RX {
		err = fmt.Errorf("%s: read from tx stream: %w", d.serial, ErrStreamClosed)
	}
	d.mu.Unlock()
	if err != nil {
		return 0, 0, err
	}

	var c simCapture
	if timeout <= 0 {
		select {
		case c = <-d.captures:
		default:
			return 0, 0, ErrTimeout
		}
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case c = <-d.captures:
		case <-timer.C:
			return 0, 0, ErrTimeout
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		}
	}

	n := 0
	for i := range buffs {
		if i < len(c.data) {
			n = copy(buffs[i], c.data[i])
		}
	}
	d.mu.Lock()
	d.stats.Reads++
	d.mu.Unlock()
	return n, c.timeNs, nil
}

// WriteSetting stores the setting. TRIGGER_GEN fires the shared trigger and
// ADJUST_DELAYS moves the trigger latch by the signed step.
func (d *SimDevice) WriteSetting(key, value string) error {
	d.mu.Lock()
	if err := d.check(); err != nil {
		d.mu.Unlock()
		return err
	}
	switch key {
	case SettingAdjustDelays:
		step, err := strconv.Atoi(value)
		if err != nil {
			d.mu.Unlock()
			return fmt.Errorf("%s: %s %q: %w", d.serial, key, value, err)
		}
		d.adjust += step
	case SettingTriggerGen:
		d.mu.Unlock()
		d.air.fire()
		return nil
	}
	d.settings[key] = value
	d.mu.Unlock()
	return nil
}

// Setting returns the last value written for key.
func (d *SimDevice) Setting(key string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings[key]
}

// Adjustment returns the accumulated ADJUST_DELAYS steps.
func (d *SimDevice) Adjustment() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.adjust
}

func (d *SimDevice) WriteRegister(block string, addr, value uint32) error {
	return d.WriteRegisters(block, addr, []uint32{value})
}

func (d *SimDevice) WriteRegisters(block string, addr uint32, values []uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	regs, ok := d.registers[block]
	if !ok {
		regs = make(map[uint32]uint32)
		d.registers[block] = regs
	}
	for i, v := range values {
		regs[addr+uint32(i)] = v
	}
	return nil
}

func (d *SimDevice) ReadRegister(block string, addr uint32) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return 0, err
	}
	return d.registers[block][addr], nil
}

func (d *SimDevice) SetHardwareTime(timeNs int64, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	d.hwTime = timeNs
	return nil
}

// ReadSensor reports fixed temperatures for the sensors a radio exposes.
func (d *SimDevice) ReadSensor(_ context.Context, name string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return "", err
	}
	switch name {
	case "ZYNQ_TEMP":
		return "48.5", nil
	case "LMS7_TEMP":
		return "41.0", nil
	case "FE_TEMP":
		return "39.5", nil
	}
	return "", fmt.Errorf("%s: unknown sensor %q", d.serial, name)
}

// Stats returns a snapshot of the stream counters.
func (d *SimDevice) Stats() SimStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *SimDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	d.air.release(d.serial)
	return nil
}
