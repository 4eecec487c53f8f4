package sdr

import "fmt"

// Register blocks.
const (
	BlockIris       = "IRIS30"
	BlockRFCore     = "RFCORE"
	BlockCorrCoeffs = "ARGCOE"
)

// IRIS30 and RFCORE register addresses.
const (
	RegRFReset       uint32 = 48
	RegCorrConf      uint32 = 60
	RegCorrReset     uint32 = 64
	RegCorrThreshold uint32 = 92
	RegSchedAddr     uint32 = 136
	RegSchedMode     uint32 = 140
	RegBeaconRadios  uint32 = 156
	RegBeamsweep     uint32 = 160

	RegAGCEnable        uint32 = 232
	RegAGCReset         uint32 = 236
	RegIQThreshold      uint32 = 240
	RegNumSampsSat      uint32 = 244
	RegMaxNumSampsAGC   uint32 = 248
	RegRSSITarget       uint32 = 252
	RegWaitCountThresh  uint32 = 256
	RegAGCSmallJump     uint32 = 260
	RegAGCBigJump       uint32 = 264
	RegAGCTestGain      uint32 = 268
	RegAGCGainInit      uint32 = 272
	RegPktDetThresh     uint32 = 276
	RegPktDetNumSamps   uint32 = 280
	RegPktDetEnable     uint32 = 284
	RegPktDetNewFrame   uint32 = 288
)

const (
	correlatorTaps      = 128
	scheduleSlotsPerRow = 256

	correlatorEnableA uint32 = 0x11
	correlatorEnableB uint32 = 0x31
	clockResetBit     uint32 = 1 << 29
)

// TxRAM names the beacon/pilot memory of channel ch.
func TxRAM(ch int) string { return "TX_RAM_" + channelLetter(ch) }

// TxRAMWeights names the beamsweep weight memory of channel ch.
func TxRAMWeights(ch int) string { return "TX_RAM_WGT_" + channelLetter(ch) }

func channelLetter(ch int) string {
	if ch == 1 {
		return "B"
	}
	return "A"
}

// RegWriter sequences register writes to one device. After the first
// failure every later write is skipped and Err reports that failure.
type RegWriter struct {
	dev Device
	err error
}

func NewRegWriter(dev Device) *RegWriter { return &RegWriter{dev: dev} }

// Write sets one register.
func (w *RegWriter) Write(block string, addr, value uint32) {
	if w.err != nil {
		return
	}
	if err := w.dev.WriteRegister(block, addr, value); err != nil {
		w.err = fmt.Errorf("%s: write %s[%d]: %w", w.dev.Serial(), block, addr, err)
	}
}

// WriteMany writes values to consecutive words of block starting at addr.
func (w *RegWriter) WriteMany(block string, addr uint32, values []uint32) {
	if w.err != nil {
		return
	}
	if err := w.dev.WriteRegisters(block, addr, values); err != nil {
		w.err = fmt.Errorf("%s: write %s: %w", w.dev.Serial(), block, err)
	}
}

func (w *RegWriter) Err() error { return w.err }

// ResetDataClockDomain pulses the RF data clock domain reset.
func ResetDataClockDomain(dev Device) error {
	w := NewRegWriter(dev)
	w.Write(BlockIris, RegRFReset, clockResetBit|1)
	w.Write(BlockIris, RegRFReset, clockResetBit)
	w.Write(BlockIris, RegRFReset, 0)
	return w.Err()
}

// ClearSchedule zeroes the schedule mode of every slot of every frame.
func ClearSchedule(dev Device, frames, symbolsPerFrame int) error {
	w := NewRegWriter(dev)
	for j := 0; j < frames; j++ {
		for k := 0; k < symbolsPerFrame; k++ {
			w.Write(BlockRFCore, RegSchedAddr, uint32(j*scheduleSlotsPerRow+k))
			w.Write(BlockRFCore, RegSchedMode, 0)
		}
	}
	return w.Err()
}

// AGCConfig holds the client automatic gain control settings.
type AGCConfig struct {
	Enabled  bool
	GainInit uint32
}

// ConfigureAGC programs the AGC and packet-detect cores of a client radio.
func ConfigureAGC(dev Device, cfg AGCConfig) error {
	var en uint32
	if cfg.Enabled {
		en = 1
	}
	w := NewRegWriter(dev)
	w.Write(BlockIris, RegAGCEnable, 0)
	w.Write(BlockIris, RegAGCReset, 1)
	w.Write(BlockIris, RegIQThreshold, 8000)
	w.Write(BlockIris, RegNumSampsSat, 3)
	w.Write(BlockIris, RegMaxNumSampsAGC, 10)
	w.Write(BlockIris, RegWaitCountThresh, 20)
	w.Write(BlockIris, RegAGCBigJump, 30)
	w.Write(BlockIris, RegAGCSmallJump, 3)
	w.Write(BlockIris, RegRSSITarget, 14)
	w.Write(BlockIris, RegAGCTestGain, 0)
	w.Write(BlockIris, RegAGCReset, 0)
	w.Write(BlockIris, RegAGCEnable, en)
	w.Write(BlockIris, RegAGCGainInit, cfg.GainInit)

	w.Write(BlockIris, RegPktDetThresh, 500)
	w.Write(BlockIris, RegPktDetNumSamps, 5)
	w.Write(BlockIris, RegPktDetEnable, 1)
	w.Write(BlockIris, RegPktDetNewFrame, en)
	w.Write(BlockIris, RegPktDetNewFrame, 0)
	return w.Err()
}

// LoadCorrelator loads beacon correlator taps and resets the correlator.
// Missing taps are zero.
func LoadCorrelator(dev Device, coeffs []uint32) error {
	if len(coeffs) > correlatorTaps {
		return fmt.Errorf("%s: %d correlator taps, at most %d", dev.Serial(), len(coeffs), correlatorTaps)
	}
	w := NewRegWriter(dev)
	w.Write(BlockIris, RegCorrConf, 0x1)
	for k := 0; k < correlatorTaps; k++ {
		w.Write(BlockCorrCoeffs, uint32(k*4), 0)
	}
	w.Write(BlockIris, RegCorrReset, 1)
	w.Write(BlockIris, RegCorrReset, 0)
	w.Write(BlockIris, RegCorrThreshold, 1)
	for k := 0; k < correlatorTaps; k++ {
		var c uint32
		if k < len(coeffs) {
			c = coeffs[k]
		}
		w.Write(BlockCorrCoeffs, uint32(k*4), c)
	}
	return w.Err()
}

// EnableCorrelator starts beacon detection on channel B when channelB is set,
// otherwise on channel A.
func EnableCorrelator(dev Device, channelB bool) error {
	v := correlatorEnableA
	if channelB {
		v = correlatorEnableB
	}
	w := NewRegWriter(dev)
	w.Write(BlockIris, RegCorrConf, v)
	return w.Err()
}

func DisableCorrelator(dev Device) error {
	w := NewRegWriter(dev)
	w.Write(BlockIris, RegCorrConf, 0)
	return w.Err()
}
