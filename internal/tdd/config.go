package tdd

import (
	"encoding/json"
	"fmt"
)

// Frame modes understood by the radio firmware.
const (
	FreeRunning = "free_running"
	Triggered   = "triggered"
)

// Config is the TDD descriptor a radio receives as its TDD_CONFIG setting.
// It is serialized once, at the device boundary, by Encode.
type Config struct {
	Enabled    bool     `json:"tdd_enabled"`
	FrameMode  string   `json:"frame_mode,omitempty"`
	MaxFrame   int      `json:"max_frame,omitempty"`
	Frames     []string `json:"frames,omitempty"`
	SymbolSize int      `json:"symbol_size,omitempty"`
	DualPilot  bool     `json:"dual_pilot,omitempty"`
}

// Disabled is the descriptor that takes a radio out of TDD operation.
func Disabled() Config { return Config{} }

// Encode returns the JSON form of the descriptor.
func (c Config) Encode() (string, error) {
	if c.Enabled && c.SymbolSize <= 0 {
		return "", fmt.Errorf("tdd config: symbol size must be positive, got %d", c.SymbolSize)
	}
	if c.Enabled && len(c.Frames) == 0 {
		return "", fmt.Errorf("tdd config: at least one frame is required")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("tdd config: %w", err)
	}
	return string(data), nil
}

// Decode parses a descriptor produced by Encode.
func Decode(s string) (Config, error) {
	var c Config
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return Config{}, fmt.Errorf("tdd config: %w", err)
	}
	return c, nil
}

// MaxFrames returns how many frames fit in two seconds at the given sample
// rate, the budget a client radio runs before it needs a fresh beacon.
func MaxFrames(rate float64, symbolSamples, symbolsPerFrame int) int {
	if rate <= 0 || symbolSamples <= 0 || symbolsPerFrame <= 0 {
		return 0
	}
	return int(2 * rate / float64(symbolSamples*symbolsPerFrame))
}
