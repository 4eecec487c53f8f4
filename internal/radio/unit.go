package radio

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rjboer/GoSounder/internal/logging"
	"github.com/rjboer/GoSounder/internal/sdr"
)

// Sensors read by ReadSensors.
var SensorNames = []string{"ZYNQ_TEMP", "LMS7_TEMP", "FE_TEMP"}

// Unit is one radio of a cell. It owns its device and both streams.
type Unit struct {
	Index    int
	serial   string
	dev      sdr.Device
	rx, tx   sdr.StreamID
	channels []int
	cfg      Config
	sensors  sdr.SensorReader
	logger   logging.Logger
}

// bringUp opens and configures the radio at index i.
func bringUp(ctx context.Context, opener sdr.Opener, cfg Config, i int, logger logging.Logger) (*Unit, error) {
	serial := cfg.Serials[i]
	channels, err := ParseChannels(cfg.Channels)
	if err != nil {
		return nil, err
	}
	dev, err := opener.Open(ctx, sdr.Args{Driver: cfg.Driver, Serial: serial, Timeout: cfg.StreamTimeout})
	if err != nil {
		return nil, err
	}
	u := &Unit{
		Index:    i,
		serial:   serial,
		dev:      dev,
		channels: channels,
		cfg:      cfg,
		sensors:  dev,
		logger:   logger.With(logging.String("serial", serial), logging.Int("radio", i)),
	}
	if r, ok := cfg.Sensors[serial]; ok && r != nil {
		u.sensors = r
	}
	if err := u.configure(); err != nil {
		dev.Close()
		return nil, err
	}
	return u, nil
}

func (u *Unit) configure() error {
	var err error
	if u.rx, err = u.dev.SetupStream(sdr.RX, u.channels); err != nil {
		return fmt.Errorf("setup rx stream: %w", err)
	}
	if u.tx, err = u.dev.SetupStream(sdr.TX, u.channels); err != nil {
		return fmt.Errorf("setup tx stream: %w", err)
	}
	if err := sdr.ResetDataClockDomain(u.dev); err != nil {
		return err
	}
	for _, ch := range u.channels {
		if err := u.dev.SetAntenna(sdr.RX, ch, "TRX"); err != nil {
			return fmt.Errorf("set antenna: %w", err)
		}
	}
	frontend := u.dev.HardwareInfo()["frontend"]
	for _, ch := range []int{0, 1} {
		if err := u.configureChannel(ch); err != nil {
			return err
		}
		if err := u.frontendGains(frontend, ch); err != nil {
			return err
		}
	}
	for _, ch := range u.channels {
		if err := u.dev.SetDCOffsetMode(sdr.RX, ch, true); err != nil {
			return fmt.Errorf("dc offset mode: %w", err)
		}
	}
	return nil
}

type setting struct {
	dir   sdr.Direction
	stage string
	value float64
}

func (u *Unit) applyGains(ch int, gains []setting) error {
	for _, g := range gains {
		if err := u.dev.SetGain(g.dir, ch, g.stage, g.value); err != nil {
			return fmt.Errorf("set %s %s gain ch%d: %w", g.dir, g.stage, ch, err)
		}
	}
	return nil
}

func (u *Unit) configureChannel(ch int) error {
	c := u.cfg
	bw := (1 + 2*c.BasebandRatio) * c.SampleRate
	bb := c.BasebandRatio * c.SampleRate
	for _, dir := range []sdr.Direction{sdr.RX, sdr.TX} {
		if err := u.dev.SetBandwidth(dir, ch, bw); err != nil {
			return fmt.Errorf("set %s bandwidth ch%d: %w", dir, ch, err)
		}
		if err := u.dev.SetSampleRate(dir, ch, c.SampleRate); err != nil {
			return fmt.Errorf("set %s sample rate ch%d: %w", dir, ch, err)
		}
		if err := u.dev.SetFrequency(dir, ch, "RF", c.Frequency-bb); err != nil {
			return fmt.Errorf("set %s RF frequency ch%d: %w", dir, ch, err)
		}
		if err := u.dev.SetFrequency(dir, ch, "BB", bb); err != nil {
			return fmt.Errorf("set %s BB frequency ch%d: %w", dir, ch, err)
		}
	}
	return u.applyGains(ch, []setting{
		{sdr.RX, "LNA", c.RxGain[ch]},
		{sdr.RX, "TIA", 0},
		{sdr.RX, "PGA", 0},
		{sdr.TX, "IAMP", 0},
		{sdr.TX, "PAD", c.TxGain[ch]},
	})
}

// frontendGains applies the per-band defaults of the CBRS and UHF front ends.
func (u *Unit) frontendGains(frontend string, ch int) error {
	freq := u.cfg.Frequency
	switch {
	case strings.Contains(frontend, "CBRS"):
		gains := []setting{{sdr.RX, "LNA1", 33}}
		if freq > 3e9 {
			gains = append(gains, setting{sdr.RX, "ATTN", 0}, setting{sdr.RX, "LNA2", 17})
		} else {
			gains = append(gains, setting{sdr.RX, "ATTN", -12}, setting{sdr.RX, "LNA2", 14})
		}
		gains = append(gains, setting{sdr.TX, "ATTN", -6})
		switch {
		case freq > 3e9:
			gains = append(gains, setting{sdr.TX, "PA1", 15}, setting{sdr.TX, "PA2", 0}, setting{sdr.TX, "PA3", 30})
		case freq > 2e9:
			gains = append(gains, setting{sdr.TX, "PA1", 14}, setting{sdr.TX, "PA2", 0}, setting{sdr.TX, "PA3", 30})
		}
		return u.applyGains(ch, gains)
	case strings.Contains(frontend, "UHF"):
		return u.applyGains(ch, []setting{
			{sdr.RX, "ATTN1", -6},
			{sdr.RX, "ATTN2", -12},
			{sdr.TX, "ATTN", 0},
		})
	}
	return nil
}

func (u *Unit) Serial() string     { return u.serial }
func (u *Unit) Device() sdr.Device { return u.dev }
func (u *Unit) Channels() []int    { return append([]int(nil), u.channels...) }

// Transmit writes one symbol-length burst per stream channel.
func (u *Unit) Transmit(ctx context.Context, buffs [][]complex64, flags sdr.TxFlags) (int, error) {
	if err := u.checkBuffers(buffs); err != nil {
		return 0, err
	}
	n, err := u.dev.WriteStream(ctx, u.tx, buffs, flags, 0, u.cfg.StreamTimeout)
	if err != nil {
		return n, fmt.Errorf("%s: transmit: %w", u.serial, err)
	}
	if n != u.cfg.SymbolSamples {
		return n, fmt.Errorf("%s: transmit %d of %d samples: %w", u.serial, n, u.cfg.SymbolSamples, sdr.ErrShortWrite)
	}
	return n, nil
}

// Receive reads one symbol-length window per stream channel.
func (u *Unit) Receive(ctx context.Context, buffs [][]complex64) (int, int64, error) {
	if err := u.checkBuffers(buffs); err != nil {
		return 0, 0, err
	}
	n, t, err := u.dev.ReadStream(ctx, u.rx, buffs, u.cfg.StreamTimeout)
	if err != nil {
		return n, t, fmt.Errorf("%s: receive: %w", u.serial, err)
	}
	return n, t, nil
}

func (u *Unit) checkBuffers(buffs [][]complex64) error {
	if len(buffs) != len(u.channels) {
		return fmt.Errorf("%s: %d buffers for %d channels", u.serial, len(buffs), len(u.channels))
	}
	for _, b := range buffs {
		if len(b) != u.cfg.SymbolSamples {
			return fmt.Errorf("%s: buffer of %d samples, symbol is %d", u.serial, len(b), u.cfg.SymbolSamples)
		}
	}
	return nil
}

// ActivateReceive arms the receive stream for one symbol at startTime.
func (u *Unit) ActivateReceive(startTime int64) error {
	if err := u.dev.ActivateStream(u.rx, 0, startTime, u.cfg.SymbolSamples); err != nil {
		return fmt.Errorf("%s: activate rx: %w", u.serial, err)
	}
	return nil
}

func (u *Unit) ActivateTransmit() error {
	if err := u.dev.ActivateStream(u.tx, 0, 0, 0); err != nil {
		return fmt.Errorf("%s: activate tx: %w", u.serial, err)
	}
	return nil
}

// ActivateStreams starts both streams for free-running TDD operation.
func (u *Unit) ActivateStreams() error {
	if err := u.dev.ActivateStream(u.rx, 0, 0, 0); err != nil {
		return fmt.Errorf("%s: activate rx: %w", u.serial, err)
	}
	return u.ActivateTransmit()
}

// Deactivate stops both streams.
func (u *Unit) Deactivate() error {
	return errors.Join(
		u.dev.DeactivateStream(u.rx),
		u.dev.DeactivateStream(u.tx),
	)
}

// Drain reads until no data remains and returns how many windows were
// discarded.
func (u *Unit) Drain(ctx context.Context) int {
	buffs := make([][]complex64, len(u.channels))
	for i := range buffs {
		buffs[i] = make([]complex64, u.cfg.SymbolSamples)
	}
	n := 0
	for ctx.Err() == nil {
		if _, _, err := u.dev.ReadStream(ctx, u.rx, buffs, 0); err != nil {
			break
		}
		n++
	}
	if n > 0 {
		u.logger.Debug("drained stale windows", logging.Int("windows", n))
	}
	return n
}

// AdjustDelay moves the trigger latch by one sample in the direction of step.
func (u *Unit) AdjustDelay(step int) error {
	if step != 1 && step != -1 {
		return fmt.Errorf("%s: delay step must be +1 or -1, got %d", u.serial, step)
	}
	if err := u.dev.WriteSetting(sdr.SettingAdjustDelays, strconv.Itoa(step)); err != nil {
		return fmt.Errorf("%s: adjust delay: %w", u.serial, err)
	}
	return nil
}

// SetTxGain sets the PAD gain of ch.
func (u *Unit) SetTxGain(ch int, db float64) error {
	if err := u.dev.SetGain(sdr.TX, ch, "PAD", db); err != nil {
		return fmt.Errorf("%s: set tx gain: %w", u.serial, err)
	}
	return nil
}

// ReadSensors reads every sensor in SensorNames. Unreadable sensors are
// reported together after the readable ones are collected.
func (u *Unit) ReadSensors(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string, len(SensorNames))
	var errs []error
	for _, name := range SensorNames {
		v, err := u.sensors.ReadSensor(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %s: %w", u.serial, name, err))
			continue
		}
		out[name] = v
	}
	return out, errors.Join(errs...)
}

// Close stops and closes both streams, resets the data clock domain and
// releases the device.
func (u *Unit) Close() error {
	return errors.Join(
		u.Deactivate(),
		u.dev.CloseStream(u.rx),
		u.dev.CloseStream(u.tx),
		sdr.ResetDataClockDomain(u.dev),
		u.dev.Close(),
	)
}
