package calib

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rjboer/GoSounder/internal/dsp"
	"github.com/rjboer/GoSounder/internal/logging"
	"github.com/rjboer/GoSounder/internal/telemetry"
)

// Array is the part of a radio array calibration drives. Radios are
// addressed by index 0..Size()-1.
type Array interface {
	Size() int
	SymbolSamples() int
	BeginCalibration(ctx context.Context) error
	EndCalibration(ctx context.Context) error
	// Transmit queues waveform on radio i for the next trigger.
	Transmit(ctx context.Context, i int, waveform []complex128) error
	ActivateReceive(i int) error
	// Receive blocks until the window armed on radio i arrives.
	Receive(ctx context.Context, i int) ([]complex128, error)
	Trigger() error
	AdjustDelay(i, step int) error
	// Drain discards windows still queued on radio i.
	Drain(ctx context.Context, i int) error
}

// Engine runs calibration against one array.
type Engine struct {
	array    Array
	cfg      Config
	corr     *dsp.Correlator
	burst    []complex128
	reporter telemetry.Reporter
	logger   logging.Logger
}

// New prepares an engine. The reference is an LTS of cfg.SequenceLength
// samples scaled to cfg.Amplitude.
func New(array Array, cfg Config, reporter telemetry.Reporter, logger logging.Logger) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	seq, err := dsp.Generate(cfg.SequenceLength, dsp.LTS)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return &Engine{
		array:    array,
		cfg:      cfg,
		corr:     dsp.NewCorrelator(seq),
		burst:    dsp.ScaleToPeak(seq.Complex(), cfg.Amplitude),
		reporter: reporter,
		logger:   logging.OrDefault(logger).With(logging.Subsystem("calib")),
	}, nil
}

// measurement is the per-radio delay extracted from one capture round.
type measurement struct {
	offsets  []int
	detected []bool
	quality  []float64
}

// good reports whether every radio produced a detection.
func (m measurement) good() bool {
	return !slices.Contains(m.detected, false)
}

// spread is the distance between the largest and smallest offset.
func (m measurement) spread() int {
	return slices.Max(m.offsets) - slices.Min(m.offsets)
}

// Run calibrates the array. A non-converged run is reported through the
// Result, not as an error; errors are returned for invalid settings, a
// canceled context and an array that cannot enter calibration mode.
func (e *Engine) Run(ctx context.Context) (res Result, err error) {
	n := e.array.Size()
	res.RunID = uuid.NewString()
	logger := e.logger.With(logging.String("run_id", res.RunID))

	if n < 2 {
		res.Outcome = Skipped
		res.Reason = "single radio"
		logger.Info("calibration skipped", logging.Int("radios", n))
		e.report(telemetry.Attempt{RunID: res.RunID, Phase: telemetry.PhaseDone, Outcome: res.Outcome.String(), Reason: res.Reason})
		return res, nil
	}
	if e.cfg.ReferenceRadio >= n {
		return res, fmt.Errorf("%w: reference radio %d with %d radios", ErrInvalidConfig, e.cfg.ReferenceRadio, n)
	}
	if e.cfg.Prefix+e.cfg.SequenceLength > e.array.SymbolSamples() {
		return res, fmt.Errorf("%w: prefix %d plus sequence %d exceed symbol of %d samples",
			ErrInvalidConfig, e.cfg.Prefix, e.cfg.SequenceLength, e.array.SymbolSamples())
	}
	waveform := dsp.PadSymbol(e.burst, e.cfg.Prefix, e.array.SymbolSamples())
	res.Corrections = make([]int, n)

	defer func() {
		if endErr := e.array.EndCalibration(context.WithoutCancel(ctx)); endErr != nil {
			logger.Warn("leaving calibration mode", logging.Err(endErr))
			err = errors.Join(err, endErr)
		}
		done := telemetry.Attempt{
			RunID:       res.RunID,
			Attempt:     res.Attempts,
			Phase:       telemetry.PhaseDone,
			Offsets:     res.Offsets,
			Corrections: res.Corrections,
			Good:        res.Outcome == Converged,
			Outcome:     res.Outcome.String(),
			Reason:      res.Reason,
		}
		if err != nil {
			done.Reason = err.Error()
		}
		e.report(done)
	}()

	if err := e.array.BeginCalibration(ctx); err != nil {
		res.Outcome = FailedAfterAttempts
		res.Reason = "entering calibration mode"
		return res, fmt.Errorf("begin calibration: %w", err)
	}
	logger.Info("calibration started", logging.Int("radios", n), logging.Int("max_attempts", e.cfg.MaxAttempts))

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt

		m, err := e.measure(ctx, waveform, logger)
		if err != nil {
			res.Outcome = FailedAfterAttempts
			res.Reason = "canceled"
			return res, err
		}
		res.Offsets = m.offsets
		e.report(e.attempt(res.RunID, attempt, telemetry.PhaseMeasure, m, nil))
		if !m.good() {
			logger.Warn("calibration attempt missed a peak",
				logging.Int("attempt", attempt), logging.Any("detected", m.detected))
			continue
		}

		if err := e.adjust(m, res.Corrections, logger); err != nil {
			logger.Warn("delay adjustment failed", logging.Int("attempt", attempt), logging.Err(err))
			continue
		}

		v, err := e.measure(ctx, waveform, logger)
		if err != nil {
			res.Outcome = FailedAfterAttempts
			res.Reason = "canceled"
			return res, err
		}
		res.Offsets = v.offsets
		e.report(e.attempt(res.RunID, attempt, telemetry.PhaseVerify, v, res.Corrections))
		if v.good() && v.spread() <= e.cfg.Tolerance {
			res.Outcome = Converged
			logger.Info("calibration converged",
				logging.Int("attempt", attempt),
				logging.Any("offsets", v.offsets),
				logging.Any("corrections", res.Corrections))
			return res, nil
		}
		logger.Warn("calibration not verified",
			logging.Int("attempt", attempt),
			logging.Bool("good", v.good()),
			logging.Any("offsets", v.offsets))
	}

	res.Outcome = FailedAfterAttempts
	res.Reason = fmt.Sprintf("no verified alignment in %d attempts", e.cfg.MaxAttempts)
	logger.Warn("calibration failed", logging.Int("attempts", res.Attempts))
	return res, nil
}

// measure runs one capture round and extracts one delay per radio.
//
// Radio i is measured on the window it received from the reference radio.
// The reference radio is measured on the window it received from its
// complement: radio 1 when the reference is radio 0, radio 0 otherwise.
func (e *Engine) measure(ctx context.Context, waveform []complex128, logger logging.Logger) (measurement, error) {
	windows, err := e.capture(ctx, waveform, logger)
	if err != nil {
		return measurement{}, err
	}
	n := e.array.Size()
	ref := e.cfg.ReferenceRadio
	comp := complement(ref)
	m := measurement{
		offsets:  make([]int, n),
		detected: make([]bool, n),
		quality:  make([]float64, n),
	}
	for i := 0; i < n; i++ {
		w := windows[ref][i]
		if i == ref {
			w = windows[comp][ref]
		}
		p := e.corr.Peak(w)
		m.quality[i] = p.Quality
		if !p.Found {
			continue
		}
		m.offsets[i] = max(0, p.Index-dsp.AnchorOffset(e.corr.Len()))
		m.detected[i] = true
	}
	return m, nil
}

func complement(ref int) int {
	if ref == 0 {
		return 1
	}
	return 0
}

// adjust steps every radio but the reference toward the midpoint of the
// reciprocal pair. The midpoint is the delay an aligned pair would show in
// either direction, so a radio whose offset matches it shares the
// reference's latch.
func (e *Engine) adjust(m measurement, corrections []int, logger logging.Logger) error {
	ref := e.cfg.ReferenceRadio
	target := (m.offsets[ref] + m.offsets[complement(ref)]) / 2
	var errs []error
	for i, off := range m.offsets {
		if i == ref {
			continue
		}
		delta := target - off
		step := 1
		if delta < 0 {
			step, delta = -1, -delta
		}
		for ; delta > 0; delta-- {
			if err := e.array.AdjustDelay(i, step); err != nil {
				errs = append(errs, fmt.Errorf("radio %d: %w", i, err))
				break
			}
			corrections[i] += step
		}
	}
	logger.Debug("delays adjusted", logging.Int("target", target), logging.Any("corrections", corrections))
	return errors.Join(errs...)
}

// capture runs one sub-round per transmitter and returns the windows
// indexed [transmitter][receiver]. Every radio is drained before a
// sub-round and a receiver whose read failed is drained after it, so a
// window that arrives late never answers a later trigger. Failed transfers
// leave a nil window, which measures as no detection. Only cancellation is
// returned.
func (e *Engine) capture(ctx context.Context, waveform []complex128, logger logging.Logger) ([][][]complex128, error) {
	n := e.array.Size()
	windows := make([][][]complex128, n)
	for tx := 0; tx < n; tx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		windows[tx] = make([][]complex128, n)
		for i := 0; i < n; i++ {
			e.drain(ctx, i, logger)
		}
		if err := e.array.Transmit(ctx, tx, waveform); err != nil {
			logger.Warn("calibration transmit failed", logging.Int("radio", tx), logging.Err(err))
			continue
		}

		failed := make([]bool, n)
		var g errgroup.Group
		for rx := 0; rx < n; rx++ {
			if rx == tx {
				continue
			}
			if err := e.array.ActivateReceive(rx); err != nil {
				logger.Warn("calibration receive arm failed", logging.Int("radio", rx), logging.Err(err))
				continue
			}
			rx := rx
			g.Go(func() error {
				w, err := e.array.Receive(ctx, rx)
				if err != nil {
					failed[rx] = true
					return fmt.Errorf("radio %d receiving from %d: %w", rx, tx, err)
				}
				windows[tx][rx] = w
				return nil
			})
		}
		if err := e.array.Trigger(); err != nil {
			logger.Warn("calibration trigger failed", logging.Int("transmitter", tx), logging.Err(err))
		}
		if err := g.Wait(); err != nil {
			logger.Warn("calibration capture incomplete", logging.Int("transmitter", tx), logging.Err(err))
		}
		for rx, f := range failed {
			if f {
				e.drain(ctx, rx, logger)
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return windows, nil
}

func (e *Engine) drain(ctx context.Context, i int, logger logging.Logger) {
	if err := e.array.Drain(ctx, i); err != nil {
		logger.Warn("calibration drain failed", logging.Int("radio", i), logging.Err(err))
	}
}

func (e *Engine) attempt(runID string, n int, phase string, m measurement, corrections []int) telemetry.Attempt {
	a := telemetry.Attempt{
		RunID:    runID,
		Attempt:  n,
		Phase:    phase,
		Offsets:  slices.Clone(m.offsets),
		Detected: slices.Clone(m.detected),
		Quality:  slices.Clone(m.quality),
		Good:     m.good(),
		Spread:   m.spread(),
	}
	if corrections != nil {
		a.Corrections = slices.Clone(corrections)
	}
	return a
}

func (e *Engine) report(a telemetry.Attempt) {
	if e.reporter != nil {
		e.reporter.ReportAttempt(a)
	}
}
