package sdr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rjboer/GoSounder/internal/tdd"
)

var (
	// ErrTimeout is returned when a stream read or write does not complete
	// within its timeout. A drain loop treats it as "no more data".
	ErrTimeout = errors.New("stream timeout")
	// ErrShortWrite is returned when fewer samples than requested were
	// accepted by the device.
	ErrShortWrite = errors.New("short write")
	// ErrStreamClosed is returned for operations on an inactive or unknown
	// stream.
	ErrStreamClosed = errors.New("stream not active")
	ErrClosed       = errors.New("device closed")
)

// Direction selects the receive or transmit side of a channel.
type Direction int

const (
	RX Direction = iota
	TX
)

func (d Direction) String() string {
	if d == TX {
		return "tx"
	}
	return "rx"
}

// TxFlags qualify a transmit burst.
type TxFlags uint

const (
	HasTime TxFlags = 1 << iota
	EndBurst
	// WaitTrigger holds the burst until the shared trigger fires.
	WaitTrigger
)

// StreamID identifies a stream opened with SetupStream.
type StreamID int

// Named device settings written with WriteSetting.
const (
	SettingTDDConfig    = "TDD_CONFIG"
	SettingTDDMode      = "TDD_MODE"
	SettingTriggerGen   = "TRIGGER_GEN"
	SettingSyncDelays   = "SYNC_DELAYS"
	SettingAdjustDelays = "ADJUST_DELAYS"
	SettingTxSWDelay    = "TX_SW_DELAY"
)

// SensorReader reads a named sensor such as ZYNQ_TEMP.
type SensorReader interface {
	ReadSensor(ctx context.Context, name string) (string, error)
}

// Device is the control capability set of one radio. Stream reads and writes
// block for at most timeout; a zero timeout polls.
type Device interface {
	SensorReader

	Serial() string
	HardwareInfo() map[string]string

	SetSampleRate(dir Direction, ch int, rate float64) error
	SetBandwidth(dir Direction, ch int, bw float64) error
	SetFrequency(dir Direction, ch int, component string, hz float64) error
	SetGain(dir Direction, ch int, stage string, db float64) error
	SetAntenna(dir Direction, ch int, name string) error
	SetDCOffsetMode(dir Direction, ch int, automatic bool) error

	SetupStream(dir Direction, channels []int) (StreamID, error)
	CloseStream(id StreamID) error
	ActivateStream(id StreamID, flags TxFlags, timeNs int64, numElems int) error
	DeactivateStream(id StreamID) error
	WriteStream(ctx context.Context, id StreamID, buffs [][]complex64, flags TxFlags, timeNs int64, timeout time.Duration) (int, error)
	ReadStream(ctx context.Context, id StreamID, buffs [][]complex64, timeout time.Duration) (n int, timeNs int64, err error)

	WriteSetting(key, value string) error
	WriteRegister(block string, addr, value uint32) error
	WriteRegisters(block string, addr uint32, values []uint32) error
	ReadRegister(block string, addr uint32) (uint32, error)
	SetHardwareTime(timeNs int64, what string) error

	Close() error
}

// Args select the device an Opener should open.
type Args struct {
	Driver  string
	Serial  string
	Timeout time.Duration
}

// Opener opens devices by serial.
type Opener interface {
	Open(ctx context.Context, args Args) (Device, error)
}

// WriteTDDConfig serializes cfg and pushes it as the device TDD_CONFIG.
func WriteTDDConfig(dev Device, cfg tdd.Config) error {
	s, err := cfg.Encode()
	if err != nil {
		return err
	}
	if err := dev.WriteSetting(SettingTDDConfig, s); err != nil {
		return fmt.Errorf("%s: write %s: %w", dev.Serial(), SettingTDDConfig, err)
	}
	return nil
}

// SetTDDMode turns the device TDD engine on or off.
func SetTDDMode(dev Device, enabled bool) error {
	v := "false"
	if enabled {
		v = "true"
	}
	if err := dev.WriteSetting(SettingTDDMode, v); err != nil {
		return fmt.Errorf("%s: write %s: %w", dev.Serial(), SettingTDDMode, err)
	}
	return nil
}
