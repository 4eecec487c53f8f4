// Package calib aligns the trigger latches of the radios in an array to
// within a sample by measuring reciprocal over-the-air delays and stepping
// each radio's delay register toward the reference.
package calib

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig reports calibration settings that cannot be run.
var ErrInvalidConfig = errors.New("calib: invalid config")

// Config controls one calibration run.
type Config struct {
	MaxAttempts    int
	SequenceLength int
	// Amplitude is the peak transmit amplitude as a fraction of full scale.
	Amplitude float64
	// Prefix is the number of zeros ahead of the reference in each burst.
	Prefix         int
	ReferenceRadio int
	// Tolerance is the largest spread of verified offsets that still counts
	// as converged.
	Tolerance int
}

// DefaultConfig returns the settings used by the sounder.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    10,
		SequenceLength: 160,
		Amplitude:      0.25,
		Prefix:         82,
		ReferenceRadio: 0,
		Tolerance:      1,
	}
}

func (c Config) validate() error {
	switch {
	case c.MaxAttempts <= 0:
		return fmt.Errorf("%w: max attempts must be positive, got %d", ErrInvalidConfig, c.MaxAttempts)
	case c.Amplitude <= 0 || c.Amplitude > 1:
		return fmt.Errorf("%w: amplitude must be in (0, 1], got %g", ErrInvalidConfig, c.Amplitude)
	case c.Prefix < 0:
		return fmt.Errorf("%w: negative prefix %d", ErrInvalidConfig, c.Prefix)
	case c.ReferenceRadio < 0:
		return fmt.Errorf("%w: negative reference radio %d", ErrInvalidConfig, c.ReferenceRadio)
	case c.Tolerance < 0:
		return fmt.Errorf("%w: negative tolerance %d", ErrInvalidConfig, c.Tolerance)
	}
	return nil
}

// Outcome is the terminal state of a calibration run.
type Outcome int

const (
	Converged Outcome = iota
	Skipped
	FailedAfterAttempts
)

func (o Outcome) String() string {
	switch o {
	case Converged:
		return "converged"
	case Skipped:
		return "skipped"
	case FailedAfterAttempts:
		return "failed_after_attempts"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result describes a finished run. Offsets are the last measured offsets,
// the verified ones when the run converged. Corrections are the net delay
// steps applied to each radio.
type Result struct {
	Outcome     Outcome
	Offsets     []int
	Corrections []int
	Attempts    int
	Reason      string
	RunID       string
}

func (r Result) String() string {
	switch r.Outcome {
	case Converged:
		return fmt.Sprintf("converged after %d attempt(s), offsets %v", r.Attempts, r.Offsets)
	case Skipped:
		return fmt.Sprintf("skipped: %s", r.Reason)
	default:
		return fmt.Sprintf("failed after %d attempt(s): %s", r.Attempts, r.Reason)
	}
}
