// Package radio owns the radios of one cell: their bring-up, the shared
// trigger and the synchronous transmit/receive entry points used by
// calibration and the TDD engine.
package radio

import (
	"fmt"
	"time"

	"github.com/rjboer/GoSounder/internal/sdr"
	"github.com/rjboer/GoSounder/internal/tdd"
)

// Config holds everything needed to bring up and run one cell.
type Config struct {
	Serials []string
	// Hub is the index of the cell's hub in the HubTable passed to Open.
	// With NoHub, or without a HubTable, unit 0 owns the trigger.
	Hub    int
	Driver string
	// Channels is "A", "B" or "AB".
	Channels      string
	SampleRate    float64
	Frequency     float64
	BasebandRatio float64
	RxGain        [2]float64
	TxGain        [2]float64
	CalTxGain     [2]float64
	SymbolSamples int
	Frames        []tdd.FrameSchedule
	MaxFrame      int

	// Beacon is the packed beacon waveform written to TX RAM of
	// BeaconAntenna, or of every antenna weighted by a Hadamard row when
	// Beamsweep is set.
	Beacon        []uint32
	BeaconAntenna int
	Beamsweep     bool

	// BringUpLimit bounds concurrent bring-up tasks; zero means one per radio.
	BringUpLimit  int
	StreamTimeout time.Duration
	// Sensors optionally overrides the sensor source of a radio by serial.
	Sensors map[string]sdr.SensorReader
}

// NoHub selects unit 0 as trigger source even when hubs are open.
const NoHub = -1

// DefaultConfig returns the settings used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		Driver:        "iris",
		Channels:      "A",
		SampleRate:    5e6,
		Frequency:     3.6e9,
		BasebandRatio: 0.75,
		RxGain:        [2]float64{20, 20},
		TxGain:        [2]float64{40, 40},
		CalTxGain:     [2]float64{10, 10},
		SymbolSamples: 400,
		StreamTimeout: time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Driver == "" {
		c.Driver = d.Driver
	}
	if c.Channels == "" {
		c.Channels = d.Channels
	}
	if c.SampleRate == 0 {
		c.SampleRate = d.SampleRate
	}
	if c.Frequency == 0 {
		c.Frequency = d.Frequency
	}
	if c.SymbolSamples == 0 {
		c.SymbolSamples = d.SymbolSamples
	}
	if c.StreamTimeout == 0 {
		c.StreamTimeout = d.StreamTimeout
	}
	return c
}

func (c Config) validate() error {
	if len(c.Serials) == 0 {
		return fmt.Errorf("radio config: no serials")
	}
	seen := make(map[string]bool, len(c.Serials))
	for _, s := range c.Serials {
		if s == "" {
			return fmt.Errorf("radio config: empty serial")
		}
		if seen[s] {
			return fmt.Errorf("radio config: duplicate serial %q", s)
		}
		seen[s] = true
	}
	if _, err := ParseChannels(c.Channels); err != nil {
		return err
	}
	if c.SymbolSamples <= 0 {
		return fmt.Errorf("radio config: symbol samples must be positive")
	}
	if c.Hub < NoHub {
		return fmt.Errorf("radio config: hub index %d", c.Hub)
	}
	for _, f := range c.Frames {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("radio config: %w", err)
		}
	}
	return nil
}

// ParseChannels maps a channel selection to channel indices.
func ParseChannels(s string) ([]int, error) {
	switch s {
	case "A":
		return []int{0}, nil
	case "B":
		return []int{1}, nil
	case "AB":
		return []int{0, 1}, nil
	}
	return nil, fmt.Errorf("radio config: invalid channel selection %q", s)
}

// calChannel is the channel calibration transmits and receives on.
func calChannel(channels string) int {
	if channels == "B" {
		return 1
	}
	return 0
}
