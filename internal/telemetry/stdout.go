package telemetry

import (
	"time"

	"github.com/rjboer/GoSounder/internal/logging"
)

// Calibration phases.
const (
	PhaseMeasure = "measure"
	PhaseVerify  = "verify"
	PhaseDone    = "done"
)

// Final outcomes carried by a PhaseDone attempt.
const (
	OutcomeConverged = "converged"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed_after_attempts"
)

// Attempt is one step of a calibration run.
type Attempt struct {
	RunID       string    `json:"runId"`
	Timestamp   time.Time `json:"timestamp"`
	Attempt     int       `json:"attempt"`
	Phase       string    `json:"phase"`
	Offsets     []int     `json:"offsets,omitempty"`
	Detected    []bool    `json:"detected,omitempty"`
	Quality     []float64 `json:"quality,omitempty"`
	Corrections []int     `json:"corrections,omitempty"`
	Good        bool      `json:"good"`
	Spread      int       `json:"spread"`
	Outcome     string    `json:"outcome,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

// Reporter captures calibration telemetry.
type Reporter interface {
	ReportAttempt(a Attempt)
}

// StdoutReporter logs calibration attempts.
type StdoutReporter struct {
	logger logging.Logger
}

// NewStdoutReporter builds a stdout reporter with the provided logger.
func NewStdoutReporter(logger logging.Logger) StdoutReporter {
	return StdoutReporter{logger: logging.OrDefault(logger)}
}

func (r StdoutReporter) ReportAttempt(a Attempt) {
	fields := []logging.Field{
		logging.Subsystem("telemetry"),
		logging.String("run_id", a.RunID),
		logging.Int("attempt", a.Attempt),
		logging.String("phase", a.Phase),
	}
	if len(a.Offsets) > 0 {
		fields = append(fields, logging.Any("offsets", a.Offsets), logging.Bool("good", a.Good))
	}
	if a.Phase == PhaseVerify {
		fields = append(fields, logging.Int("spread", a.Spread))
	}
	if len(a.Corrections) > 0 {
		fields = append(fields, logging.Any("corrections", a.Corrections))
	}
	if a.Outcome != "" {
		fields = append(fields, logging.String("outcome", a.Outcome))
	}
	if a.Reason != "" {
		fields = append(fields, logging.String("reason", a.Reason))
	}
	r.logger.Info("calibration attempt", fields...)
}
