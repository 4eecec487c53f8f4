package radio

import (
	"context"
	"errors"
	"fmt"

	"github.com/rjboer/GoSounder/internal/dsp"
	"github.com/rjboer/GoSounder/internal/logging"
	"github.com/rjboer/GoSounder/internal/sdr"
	"github.com/rjboer/GoSounder/internal/tdd"
)

// Array is one cell. Units are ordered; unit 0 fires the trigger when the
// cell has no hub.
type Array struct {
	cfg        Config
	units      []*Unit
	hub        sdr.Device
	calChannel int
	logger     logging.Logger
}

func (a *Array) Size() int          { return len(a.units) }
func (a *Array) SymbolSamples() int { return a.cfg.SymbolSamples }
func (a *Array) Config() Config     { return a.cfg }

// Unit returns radio i.
func (a *Array) Unit(i int) *Unit { return a.units[i] }

func (a *Array) unit(i int) (*Unit, error) {
	if i < 0 || i >= len(a.units) {
		return nil, fmt.Errorf("radio index %d out of range (%d radios)", i, len(a.units))
	}
	return a.units[i], nil
}

// ErrClosed is returned by operations on an array after Close.
var ErrClosed = errors.New("radio: array closed")

// triggerSource is the hub when present, otherwise unit 0.
func (a *Array) triggerSource() (sdr.Device, error) {
	if len(a.units) == 0 {
		return nil, ErrClosed
	}
	if a.hub != nil {
		return a.hub, nil
	}
	return a.units[0].dev, nil
}

// Trigger fires the shared synchronization pulse.
func (a *Array) Trigger() error {
	dev, err := a.triggerSource()
	if err != nil {
		return err
	}
	if err := dev.WriteSetting(sdr.SettingTriggerGen, ""); err != nil {
		return fmt.Errorf("trigger via %s: %w", dev.Serial(), err)
	}
	return nil
}

// Transmit sends waveform from radio i on the calibration channel, held
// until the next trigger. Other channels of the stream carry zeros.
func (a *Array) Transmit(ctx context.Context, i int, waveform []complex128) error {
	u, err := a.unit(i)
	if err != nil {
		return err
	}
	buffs := make([][]complex64, len(u.channels))
	for k, ch := range u.channels {
		if ch == a.calChannel {
			buffs[k] = dsp.ToComplex64(waveform)
		} else {
			buffs[k] = make([]complex64, len(waveform))
		}
	}
	_, err = u.Transmit(ctx, buffs, sdr.WaitTrigger|sdr.EndBurst)
	return err
}

// ActivateReceive arms radio i for one symbol window.
func (a *Array) ActivateReceive(i int) error {
	u, err := a.unit(i)
	if err != nil {
		return err
	}
	return u.ActivateReceive(0)
}

// Receive blocks for the window armed on radio i and returns the
// calibration channel.
func (a *Array) Receive(ctx context.Context, i int) ([]complex128, error) {
	u, err := a.unit(i)
	if err != nil {
		return nil, err
	}
	buffs := make([][]complex64, len(u.channels))
	for k := range buffs {
		buffs[k] = make([]complex64, a.cfg.SymbolSamples)
	}
	n, _, err := u.Receive(ctx, buffs)
	if err != nil {
		return nil, err
	}
	for k, ch := range u.channels {
		if ch == a.calChannel {
			return dsp.ToComplex128(buffs[k][:n]), nil
		}
	}
	return dsp.ToComplex128(buffs[0][:n]), nil
}

func (a *Array) Deactivate(i int) error {
	u, err := a.unit(i)
	if err != nil {
		return err
	}
	return u.Deactivate()
}

// Drain flushes stale windows from radio i.
func (a *Array) Drain(ctx context.Context, i int) error {
	u, err := a.unit(i)
	if err != nil {
		return err
	}
	u.Drain(ctx)
	return nil
}

// AdjustDelay moves the trigger latch of radio i by step (+1 or -1).
func (a *Array) AdjustDelay(i, step int) error {
	u, err := a.unit(i)
	if err != nil {
		return err
	}
	return u.AdjustDelay(step)
}

// BeginCalibration drains every radio, lowers its transmit gain to the
// calibration gain, takes it out of TDD mode and starts its tx stream.
func (a *Array) BeginCalibration(ctx context.Context) error {
	ch := a.calChannel
	for _, u := range a.units {
		u.Drain(ctx)
	}
	for _, u := range a.units {
		if err := u.SetTxGain(ch, a.cfg.CalTxGain[ch]); err != nil {
			return err
		}
		if err := sdr.WriteTDDConfig(u.dev, tdd.Disabled()); err != nil {
			return err
		}
		if err := sdr.SetTDDMode(u.dev, false); err != nil {
			return err
		}
		if err := u.ActivateTransmit(); err != nil {
			return err
		}
	}
	return nil
}

// EndCalibration deactivates every radio, restores its operating transmit
// gain and drains residual samples. Every radio is visited even if some
// fail.
func (a *Array) EndCalibration(ctx context.Context) error {
	ch := a.calChannel
	var errs []error
	for _, u := range a.units {
		errs = append(errs, u.Deactivate(), u.SetTxGain(ch, a.cfg.TxGain[ch]))
		u.Drain(ctx)
	}
	return errors.Join(errs...)
}

// SyncDelays asks the trigger source to measure trigger propagation delays.
func (a *Array) SyncDelays() error {
	dev, err := a.triggerSource()
	if err != nil {
		return err
	}
	if err := dev.WriteSetting(sdr.SettingSyncDelays, ""); err != nil {
		return fmt.Errorf("sync delays via %s: %w", dev.Serial(), err)
	}
	return nil
}

// ReadSensors reads the sensors of every radio, keyed by serial.
func (a *Array) ReadSensors(ctx context.Context) (map[string]map[string]string, error) {
	out := make(map[string]map[string]string, len(a.units))
	var errs []error
	for _, u := range a.units {
		v, err := u.ReadSensors(ctx)
		out[u.serial] = v
		errs = append(errs, err)
	}
	return out, errors.Join(errs...)
}

// Close releases every radio. Hubs belong to the HubTable and stay open.
func (a *Array) Close() error {
	var errs []error
	for _, u := range a.units {
		errs = append(errs, u.Close())
	}
	a.units = nil
	a.hub = nil
	return errors.Join(errs...)
}
