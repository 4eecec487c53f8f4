package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rjboer/GoSounder/internal/calib"
	"github.com/rjboer/GoSounder/internal/discovery"
	"github.com/rjboer/GoSounder/internal/dsp"
	"github.com/rjboer/GoSounder/internal/logging"
	"github.com/rjboer/GoSounder/internal/radio"
	"github.com/rjboer/GoSounder/internal/sdr"
	"github.com/rjboer/GoSounder/internal/telemetry"
)

// Config captures application level configuration.
type Config struct {
	Radio radio.Config
	// HubSerials are opened into the hub table; Radio.Hub indexes it.
	HubSerials []string

	Calibrate   bool
	Calibration calib.Config

	// Clients is optional; when set the client radios are brought up after
	// the base station starts its schedule.
	Clients *radio.ClientConfig

	// BeaconKind and BeaconLength build the beacon when Radio.Beacon is empty.
	BeaconKind      dsp.Kind
	BeaconLength    int
	BeaconAmplitude float64

	Discover         bool
	DiscoveryService string
	DiscoveryTimeout time.Duration

	// SensorInterval is how often Run logs radio sensors; zero disables it.
	SensorInterval time.Duration
}

// BrowseFunc lists the radios advertised on the network.
type BrowseFunc func(ctx context.Context, service string) ([]discovery.Host, error)

// Sounder drives one cell through bring-up, calibration and TDD operation.
type Sounder struct {
	opener   sdr.Opener
	reporter telemetry.Reporter
	logger   logging.Logger
	cfg      Config
	browse   BrowseFunc

	hubs    *radio.HubTable
	array   *radio.Array
	clients *radio.ClientSet
	result  calib.Result
}

func NewSounder(opener sdr.Opener, reporter telemetry.Reporter, logger logging.Logger, cfg Config) *Sounder {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Calibration == (calib.Config{}) {
		cfg.Calibration = calib.DefaultConfig()
	}
	return &Sounder{
		opener:   opener,
		reporter: reporter,
		logger:   logger.With(logging.Subsystem("sounder")),
		cfg:      cfg,
		browse:   discovery.Browse,
	}
}

// WithBrowse replaces the mDNS browser.
func (s *Sounder) WithBrowse(fn BrowseFunc) *Sounder {
	s.browse = fn
	return s
}

// Init brings the cell up, calibrates it when enabled and starts the TDD
// schedule. A calibration that does not converge is logged and the cell
// runs uncalibrated. On error everything opened so far is released.
func (s *Sounder) Init(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	if s.cfg.Discover {
		if err := s.checkAdvertised(ctx); err != nil {
			return err
		}
	}
	beacon, err := s.beaconSequence()
	if err != nil {
		return err
	}
	if s.cfg.Radio.Beacon == nil {
		s.cfg.Radio.Beacon = dsp.PackCInt16(dsp.ScaleToPeak(beacon.Complex(), s.beaconAmplitude()))
	}
	if s.cfg.Clients != nil {
		c := *s.cfg.Clients
		s.cfg.Clients = &c
		if c.Correlator == nil {
			c.Correlator = radio.CorrelatorTaps(beacon, clientCorrelatorTaps)
		}
		if c.Pilot == nil {
			pilot, err := dsp.Generate(dsp.DefaultLength(dsp.LTS), dsp.LTS)
			if err != nil {
				return err
			}
			c.Pilot = dsp.PackCInt16(dsp.ScaleToPeak(pilot.Complex(), s.beaconAmplitude()))
		}
	}

	if len(s.cfg.HubSerials) > 0 {
		s.hubs, err = radio.OpenHubs(ctx, s.opener, s.cfg.HubSerials, s.cfg.Radio.StreamTimeout)
		if err != nil {
			return fmt.Errorf("open hubs: %w", err)
		}
	}
	start := time.Now()
	s.array, err = radio.Open(ctx, s.opener, s.cfg.Radio, s.hubs, s.logger)
	if err != nil {
		return fmt.Errorf("bring up: %w", err)
	}
	s.logger.Info("array up", logging.Int("radios", s.array.Size()), logging.Any("elapsed", time.Since(start).String()))

	if err := s.array.SyncDelays(); err != nil {
		return err
	}

	if s.cfg.Calibrate {
		engine, err := calib.New(s.array, s.cfg.Calibration, s.reporter, s.logger)
		if err != nil {
			return err
		}
		s.result, err = engine.Run(ctx)
		if err != nil {
			return fmt.Errorf("calibrate: %w", err)
		}
		if s.result.Outcome == calib.FailedAfterAttempts {
			s.logger.Warn("continuing uncalibrated", logging.String("result", s.result.String()))
		}
	}

	if err := s.array.StartTDD(); err != nil {
		return err
	}

	if s.cfg.Clients != nil {
		s.clients, err = radio.OpenClients(ctx, s.opener, *s.cfg.Clients, s.logger)
		if err != nil {
			return fmt.Errorf("bring up clients: %w", err)
		}
	}
	return nil
}

func (s *Sounder) checkAdvertised(ctx context.Context) error {
	timeout := s.cfg.DiscoveryTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	hosts, err := s.browse(browseCtx, s.cfg.DiscoveryService)
	if err != nil {
		return fmt.Errorf("discover radios: %w", err)
	}
	want := append(append([]string(nil), s.cfg.Radio.Serials...), s.cfg.HubSerials...)
	if s.cfg.Clients != nil {
		want = append(want, s.cfg.Clients.Serials...)
	}
	if missing := discovery.MissingSerials(hosts, want); len(missing) > 0 {
		return fmt.Errorf("discover radios: not advertised: %v", missing)
	}
	s.logger.Info("radios discovered", logging.Int("hosts", len(hosts)))
	return nil
}

// clientCorrelatorTaps is the length of the client beacon correlator.
const clientCorrelatorTaps = 128

func (s *Sounder) beaconSequence() (dsp.Sequence, error) {
	n := s.cfg.BeaconLength
	if n == 0 {
		n = dsp.DefaultLength(s.cfg.BeaconKind)
	}
	seq, err := dsp.Generate(n, s.cfg.BeaconKind)
	if err != nil {
		return dsp.Sequence{}, fmt.Errorf("beacon: %w", err)
	}
	return seq, nil
}

func (s *Sounder) beaconAmplitude() float64 {
	if s.cfg.BeaconAmplitude == 0 {
		return 0.5
	}
	return s.cfg.BeaconAmplitude
}

// Run keeps the cell running until ctx is canceled, logging sensors every
// SensorInterval.
func (s *Sounder) Run(ctx context.Context) error {
	if s.array == nil {
		return errors.New("sounder not initialized")
	}
	if s.cfg.SensorInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(s.cfg.SensorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			readings, err := s.array.ReadSensors(ctx)
			if err != nil {
				s.logger.Warn("sensor read", logging.Err(err))
			}
			for serial, values := range readings {
				s.logger.Debug("sensors", logging.String("serial", serial), logging.Any("values", values))
			}
		}
	}
}

// Result returns the calibration result of the last Init.
func (s *Sounder) Result() calib.Result { return s.result }

// Array returns the cell, or nil before Init.
func (s *Sounder) Array() *radio.Array { return s.array }

// Close stops the schedule and releases every radio and hub.
func (s *Sounder) Close() error {
	var errs []error
	if s.clients != nil {
		errs = append(errs, s.clients.Stop(), s.clients.Close())
		s.clients = nil
	}
	if s.array != nil {
		errs = append(errs, s.array.Stop(), s.array.Close())
		s.array = nil
	}
	if s.hubs != nil {
		errs = append(errs, s.hubs.Close())
		s.hubs = nil
	}
	return errors.Join(errs...)
}
