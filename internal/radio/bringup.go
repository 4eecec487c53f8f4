package radio

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/rjboer/GoSounder/internal/logging"
	"github.com/rjboer/GoSounder/internal/sdr"
)

// Failure is the bring-up error of one radio.
type Failure struct {
	Index  int
	Serial string
	Err    error
}

// BringUpError reports every radio that failed to come up. The cell is
// not usable when it is returned.
type BringUpError struct {
	Failures []Failure
}

func (e *BringUpError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("radio %d (%s): %v", f.Index, f.Serial, f.Err)
	}
	return fmt.Sprintf("bring-up failed for %d radio(s): %s", len(e.Failures), strings.Join(parts, "; "))
}

func (e *BringUpError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// Open brings up every radio of the cell as an independent task and waits
// for all of them before returning. If any radio fails, the radios that did
// come up are closed and a *BringUpError lists every failure.
func Open(ctx context.Context, opener sdr.Opener, cfg Config, hubs *HubTable, logger logging.Logger) (*Array, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger = logging.OrDefault(logger).With(logging.Subsystem("radio"))

	var hub sdr.Device
	if cfg.Hub != NoHub && hubs.Len() > 0 {
		h, err := hubs.Get(cfg.Hub)
		if err != nil {
			return nil, err
		}
		hub = h
	}

	units, err := openUnits(ctx, opener, cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("cell up", logging.Int("radios", len(units)), logging.Bool("hub", hub != nil))
	return &Array{
		cfg:        cfg,
		units:      units,
		hub:        hub,
		calChannel: calChannel(cfg.Channels),
		logger:     logger,
	}, nil
}

// openUnits runs one bring-up task per serial on an errgroup and joins them.
func openUnits(ctx context.Context, opener sdr.Opener, cfg Config, logger logging.Logger) ([]*Unit, error) {
	units := make([]*Unit, len(cfg.Serials))
	errs := make([]error, len(cfg.Serials))
	var g errgroup.Group
	if cfg.BringUpLimit > 0 {
		g.SetLimit(cfg.BringUpLimit)
	}
	for i := range cfg.Serials {
		i := i
		g.Go(func() error {
			u, err := bringUp(ctx, opener, cfg, i, logger)
			if err != nil {
				errs[i] = err
				return nil
			}
			units[i] = u
			return nil
		})
	}
	_ = g.Wait()

	var failures []Failure
	for i, err := range errs {
		if err != nil {
			failures = append(failures, Failure{Index: i, Serial: cfg.Serials[i], Err: err})
			logger.Error("radio bring-up failed", logging.Int("radio", i), logging.String("serial", cfg.Serials[i]), logging.Err(err))
		}
	}
	if len(failures) == 0 {
		return units, nil
	}
	for _, u := range units {
		if u != nil {
			if err := u.Close(); err != nil {
				logger.Warn("close after failed bring-up", logging.String("serial", u.serial), logging.Err(err))
			}
		}
	}
	return nil, &BringUpError{Failures: failures}
}

// IsBringUpError reports whether err carries a *BringUpError.
func IsBringUpError(err error) bool {
	var b *BringUpError
	return errors.As(err, &b)
}
