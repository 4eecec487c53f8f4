package radio

import (
	"errors"
	"fmt"

	"github.com/rjboer/GoSounder/internal/dsp"
	"github.com/rjboer/GoSounder/internal/logging"
	"github.com/rjboer/GoSounder/internal/sdr"
	"github.com/rjboer/GoSounder/internal/tdd"
)

const txSoftwareDelay = "30"

// symbolsPerFrame is the length of the longest configured frame.
func symbolsPerFrame(frames []tdd.FrameSchedule) int {
	n := 0
	for _, f := range frames {
		n = max(n, len(f))
	}
	return n
}

// StartTDD pushes the base-station schedule to every radio, loads the
// beacon, starts the streams and zeroes the trigger time.
func (a *Array) StartTDD() error {
	if len(a.cfg.Frames) == 0 {
		return fmt.Errorf("start tdd: no frames configured")
	}
	frames, err := tdd.TranslateAll(a.cfg.Frames, tdd.Base)
	if err != nil {
		return fmt.Errorf("start tdd: %w", err)
	}
	conf := tdd.Config{
		Enabled:    true,
		FrameMode:  tdd.FreeRunning,
		MaxFrame:   a.cfg.MaxFrame,
		Frames:     frames,
		SymbolSize: a.cfg.SymbolSamples,
	}
	for _, u := range a.units {
		if err := u.dev.WriteSetting(sdr.SettingTxSWDelay, txSoftwareDelay); err != nil {
			return fmt.Errorf("%s: %w", u.serial, err)
		}
		if err := sdr.SetTDDMode(u.dev, true); err != nil {
			return err
		}
		if err := sdr.WriteTDDConfig(u.dev, conf); err != nil {
			return err
		}
	}
	if err := a.loadBeacon(); err != nil {
		return err
	}
	for _, u := range a.units {
		if err := u.ActivateStreams(); err != nil {
			return err
		}
		if err := u.dev.SetHardwareTime(0, "TRIGGER"); err != nil {
			return fmt.Errorf("%s: set trigger time: %w", u.serial, err)
		}
	}
	a.logger.Info("tdd started", logging.Any("frames", frames), logging.Bool("beamsweep", a.cfg.Beamsweep))
	return nil
}

// loadBeacon writes the beacon to the beacon antenna and zeros elsewhere, or
// in beamsweep mode the beacon to every antenna with Hadamard weights.
func (a *Array) loadBeacon() error {
	antennas := 0
	for _, u := range a.units {
		antennas += len(u.channels)
	}
	sweep := a.cfg.Beamsweep && antennas > 1
	zeros := make([]uint32, a.cfg.SymbolSamples)
	ndx := 0
	for _, u := range a.units {
		w := sdr.NewRegWriter(u.dev)
		for _, ch := range u.channels {
			switch {
			case sweep:
				w.WriteMany(sdr.TxRAM(ch), 0, a.cfg.Beacon)
				w.WriteMany(sdr.TxRAMWeights(ch), 0, beamsweepWeights(ndx, antennas))
			case ndx == a.cfg.BeaconAntenna:
				w.WriteMany(sdr.TxRAM(ch), 0, a.cfg.Beacon)
			default:
				w.WriteMany(sdr.TxRAM(ch), 0, zeros)
			}
			ndx++
		}
		if sweep {
			w.Write(sdr.BlockRFCore, sdr.RegBeaconRadios, uint32(len(a.units)))
			w.Write(sdr.BlockRFCore, sdr.RegBeamsweep, 1)
		} else {
			w.Write(sdr.BlockRFCore, sdr.RegBeaconRadios, 0)
		}
		if err := w.Err(); err != nil {
			return err
		}
	}
	return nil
}

// beamsweepWeights is Hadamard row ndx over n antennas as signed words.
func beamsweepWeights(ndx, n int) []uint32 {
	out := make([]uint32, n)
	for j := range out {
		out[j] = uint32(int32(dsp.HadamardEntry(ndx, j)))
	}
	return out
}

// Stop clears every schedule slot, leaves TDD mode and resets the data
// clock domain of each radio.
func (a *Array) Stop() error {
	var errs []error
	for _, u := range a.units {
		errs = append(errs, stopUnit(u, len(a.cfg.Frames), symbolsPerFrame(a.cfg.Frames)))
	}
	return errors.Join(errs...)
}

func stopUnit(u *Unit, frames, symbols int) error {
	if err := sdr.ClearSchedule(u.dev, frames, symbols); err != nil {
		return err
	}
	if err := sdr.SetTDDMode(u.dev, false); err != nil {
		return err
	}
	return sdr.ResetDataClockDomain(u.dev)
}
