package radio

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rjboer/GoSounder/internal/dsp"
	"github.com/rjboer/GoSounder/internal/logging"
	"github.com/rjboer/GoSounder/internal/sdr"
	"github.com/rjboer/GoSounder/internal/tdd"
)

// defaultTriggerOffset is where, in samples from the detected beacon, a
// client starts its frame.
const defaultTriggerOffset = 505

// pilotRAMOffset is where the second pilot of a dual-pilot client lives in
// channel B TX RAM.
const pilotRAMOffset = 2048

// ClientConfig configures a set of client radios.
type ClientConfig struct {
	Config
	// FrameMode is the client frame mode; defaults to triggered.
	FrameMode string
	AGC       sdr.AGCConfig
	// Pilot is the packed pilot written to TX RAM.
	Pilot []uint32
	// Correlator holds the beacon correlator taps.
	Correlator []uint32
	// TriggerOffset defaults to 505 samples.
	TriggerOffset int
}

// ClientSet is the set of client radios. Each client runs its own copy of
// the translated client schedule.
type ClientSet struct {
	cfg    ClientConfig
	units  []*Unit
	logger logging.Logger
}

// OpenClients brings up every client radio, then loads its schedule,
// correlator and pilot and starts beacon detection. Frames holds either one
// frame shared by every client or one frame per client.
func OpenClients(ctx context.Context, opener sdr.Opener, cfg ClientConfig, logger logging.Logger) (*ClientSet, error) {
	cfg.Config = cfg.Config.withDefaults()
	if err := cfg.Config.validate(); err != nil {
		return nil, err
	}
	if n := len(cfg.Frames); n != 1 && n != len(cfg.Serials) {
		return nil, fmt.Errorf("client config: %d frames for %d clients", n, len(cfg.Serials))
	}
	if cfg.FrameMode == "" {
		cfg.FrameMode = tdd.Triggered
	}
	if cfg.TriggerOffset == 0 {
		cfg.TriggerOffset = defaultTriggerOffset
	}
	logger = logging.OrDefault(logger).With(logging.Subsystem("clients"))

	units, err := openUnits(ctx, opener, cfg.Config, logger)
	if err != nil {
		return nil, err
	}
	s := &ClientSet{cfg: cfg, units: units, logger: logger}
	for i, u := range units {
		if err := s.start(i, u); err != nil {
			s.Close()
			return nil, err
		}
	}
	logger.Info("clients up", logging.Int("radios", len(units)))
	return s, nil
}

func (s *ClientSet) frame(i int) tdd.FrameSchedule {
	if len(s.cfg.Frames) == 1 {
		return s.cfg.Frames[0]
	}
	return s.cfg.Frames[i]
}

func (s *ClientSet) start(i int, u *Unit) error {
	cfg := s.cfg
	local, err := tdd.Translate(s.frame(i), tdd.Client)
	if err != nil {
		return fmt.Errorf("%s: %w", u.serial, err)
	}
	dual := len(u.channels) == 2

	if err := sdr.ConfigureAGC(u.dev, cfg.AGC); err != nil {
		return err
	}
	if err := sdr.LoadCorrelator(u.dev, cfg.Correlator); err != nil {
		return err
	}
	conf := tdd.Config{
		Enabled:    true,
		FrameMode:  cfg.FrameMode,
		MaxFrame:   tdd.MaxFrames(cfg.SampleRate, cfg.SymbolSamples, len(local.Ops)),
		Frames:     []string{local.String()},
		SymbolSize: cfg.SymbolSamples,
		DualPilot:  dual,
	}
	if err := sdr.WriteTDDConfig(u.dev, conf); err != nil {
		return err
	}
	if err := u.dev.SetHardwareTime(triggerTimeNs(cfg.TriggerOffset, cfg.SymbolSamples, cfg.SampleRate), "TRIGGER"); err != nil {
		return fmt.Errorf("%s: set trigger time: %w", u.serial, err)
	}
	if err := u.dev.WriteSetting(sdr.SettingTxSWDelay, txSoftwareDelay); err != nil {
		return fmt.Errorf("%s: %w", u.serial, err)
	}
	if err := sdr.SetTDDMode(u.dev, true); err != nil {
		return err
	}

	w := sdr.NewRegWriter(u.dev)
	w.WriteMany(sdr.TxRAM(calChannel(cfg.Channels)), 0, cfg.Pilot)
	if dual {
		w.WriteMany(sdr.TxRAM(1), pilotRAMOffset, cfg.Pilot)
	}
	if err := w.Err(); err != nil {
		return err
	}
	if err := u.ActivateStreams(); err != nil {
		return err
	}
	if err := sdr.EnableCorrelator(u.dev, cfg.Channels == "B"); err != nil {
		return err
	}
	s.logger.Debug("client scheduled", logging.String("serial", u.serial), logging.String("frame", local.String()))
	return nil
}

// triggerTimeNs encodes a sample offset as frame/sample trigger ticks
// (frame in the upper bits, sample in the low 16) and converts them to
// nanoseconds at rate.
func triggerTimeNs(offset, symbolSamples int, rate float64) int64 {
	ticks := int64(offset/symbolSamples)<<16 | int64(offset%symbolSamples)
	return int64(math.Round(float64(ticks) * 1e9 / rate))
}

func (s *ClientSet) Size() int        { return len(s.units) }
func (s *ClientSet) Unit(i int) *Unit { return s.units[i] }

// Stop disables beacon detection, clears the schedule and leaves TDD mode.
func (s *ClientSet) Stop() error {
	var errs []error
	for i, u := range s.units {
		if err := sdr.DisableCorrelator(u.dev); err != nil {
			errs = append(errs, err)
			continue
		}
		errs = append(errs, stopUnit(u, 1, len(s.frame(i))))
	}
	return errors.Join(errs...)
}

func (s *ClientSet) Close() error {
	var errs []error
	for _, u := range s.units {
		errs = append(errs, u.Close())
	}
	s.units = nil
	return errors.Join(errs...)
}

// CorrelatorTaps quantizes the time-reversed conjugate of the first n
// samples of a reference to packed taps for the beacon correlator.
func CorrelatorTaps(seq dsp.Sequence, n int) []uint32 {
	x := seq.Complex()
	n = min(n, len(x))
	taps := make([]complex128, n)
	for k := 0; k < n; k++ {
		v := x[n-1-k]
		taps[k] = complex(real(v), -imag(v))
	}
	return dsp.PackCInt16(dsp.ScaleToPeak(taps, 1))
}
