package radio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/GoSounder/internal/dsp"
	"github.com/rjboer/GoSounder/internal/sdr"
	"github.com/rjboer/GoSounder/internal/tdd"
)

func testConfig(serials ...string) Config {
	cfg := DefaultConfig()
	cfg.Serials = serials
	cfg.SymbolSamples = 64
	cfg.StreamTimeout = 200 * time.Millisecond
	return cfg
}

func openArray(t *testing.T, air *sdr.SimAir, cfg Config) *Array {
	t.Helper()
	a, err := Open(context.Background(), air, cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestOpenConfiguresEveryRadio(t *testing.T) {
	air := sdr.NewSimAir(sdr.SimConfig{})
	a := openArray(t, air, testConfig("r0", "r1", "r2"))
	require.Equal(t, 3, a.Size())
	assert.Equal(t, 64, a.SymbolSamples())

	for _, serial := range []string{"r0", "r1", "r2"} {
		dev := air.Device(serial)
		require.NotNil(t, dev, serial)
		pad, ok := dev.Value(sdr.TX, 0, "PAD")
		require.True(t, ok)
		assert.Equal(t, 40.0, pad)
		rf, _ := dev.Value(sdr.RX, 1, "freq:RF")
		assert.Equal(t, 3.6e9-0.75*5e6, rf)
		lna1, _ := dev.Value(sdr.RX, 0, "LNA1")
		assert.Equal(t, 33.0, lna1)
		pa1, _ := dev.Value(sdr.TX, 0, "PA1")
		assert.Equal(t, 15.0, pa1)
		dc, _ := dev.Value(sdr.RX, 0, "dc_offset_auto")
		assert.Equal(t, 1.0, dc)
	}
}

func TestOpenReportsEveryFailure(t *testing.T) {
	boom := errors.New("unreachable")
	air := sdr.NewSimAir(sdr.SimConfig{Fail: map[string]error{"bad1": boom, "bad2": boom}})
	cfg := testConfig("good", "bad1", "bad2")
	cfg.BringUpLimit = 2

	_, err := Open(context.Background(), air, cfg, nil, nil)
	require.Error(t, err)
	var bu *BringUpError
	require.ErrorAs(t, err, &bu)
	require.Len(t, bu.Failures, 2)
	assert.Equal(t, []string{"bad1", "bad2"}, []string{bu.Failures[0].Serial, bu.Failures[1].Serial})
	assert.ErrorIs(t, err, boom)
	assert.True(t, IsBringUpError(err))
	assert.Nil(t, air.Device("good"), "radios that came up are released")
}

func TestOpenRejectsBadConfig(t *testing.T) {
	air := sdr.NewSimAir(sdr.SimConfig{})
	for name, cfg := range map[string]Config{
		"empty":     testConfig(),
		"duplicate": testConfig("a", "a"),
		"channels":  func() Config { c := testConfig("a"); c.Channels = "C"; return c }(),
		"frames":    func() Config { c := testConfig("a"); c.Frames = []tdd.FrameSchedule{"BX"}; return c }(),
	} {
		_, err := Open(context.Background(), air, cfg, nil, nil)
		assert.Error(t, err, name)
		assert.False(t, IsBringUpError(err), name)
	}
}

func TestTriggerSource(t *testing.T) {
	air := sdr.NewSimAir(sdr.SimConfig{})
	a := openArray(t, air, testConfig("r0", "r1"))
	src, err := a.triggerSource()
	require.NoError(t, err)
	assert.Equal(t, "r0", src.Serial())

	hubs, err := OpenHubs(context.Background(), air, []string{"hub0"}, time.Second)
	require.NoError(t, err)
	defer hubs.Close()
	cfg := testConfig("r2")
	b, err := Open(context.Background(), air, cfg, hubs, nil)
	require.NoError(t, err)
	defer b.Close()
	src, err = b.triggerSource()
	require.NoError(t, err)
	assert.Equal(t, "hub0", src.Serial())

	require.NoError(t, b.Trigger())
	require.NoError(t, b.SyncDelays())
	assert.Equal(t, 1, air.Triggers())

	cfg = testConfig("r3")
	cfg.Hub = 4
	_, err = Open(context.Background(), air, cfg, hubs, nil)
	assert.Error(t, err)

	cfg.Hub = -2
	_, err = Open(context.Background(), air, cfg, hubs, nil)
	assert.Error(t, err)
}

func TestCellWithoutHubUsesFirstRadio(t *testing.T) {
	air := sdr.NewSimAir(sdr.SimConfig{})
	hubs, err := OpenHubs(context.Background(), air, []string{"hub0"}, time.Second)
	require.NoError(t, err)
	defer hubs.Close()

	cfg := testConfig("r0", "r1")
	cfg.Hub = NoHub
	a, err := Open(context.Background(), air, cfg, hubs, nil)
	require.NoError(t, err)
	defer a.Close()

	src, err := a.triggerSource()
	require.NoError(t, err)
	assert.Equal(t, "r0", src.Serial())
	require.NoError(t, a.Trigger())
	assert.Equal(t, 1, air.Triggers())
}

func TestTriggerAfterClose(t *testing.T) {
	air := sdr.NewSimAir(sdr.SimConfig{})
	a := openArray(t, air, testConfig("r0", "r1"))
	require.NoError(t, a.Close())

	assert.ErrorIs(t, a.Trigger(), ErrClosed)
	assert.ErrorIs(t, a.SyncDelays(), ErrClosed)
	assert.Zero(t, a.Size())
}

func TestTransmitReceiveAcrossRadios(t *testing.T) {
	air := sdr.NewSimAir(sdr.SimConfig{Skews: map[string]int{"r0": 2, "r1": 0}})
	a := openArray(t, air, testConfig("r0", "r1"))
	ctx := context.Background()

	require.NoError(t, a.BeginCalibration(ctx))
	burst := make([]complex128, 64)
	burst[20] = 0.5
	require.NoError(t, a.Transmit(ctx, 0, burst))
	require.NoError(t, a.ActivateReceive(1))
	require.NoError(t, a.Trigger())

	window, err := a.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, window, 64)
	assert.InDelta(t, 0.5, real(window[22]), 1e-6)

	_, err = a.Receive(ctx, 1)
	assert.ErrorIs(t, err, sdr.ErrTimeout)
	require.NoError(t, a.EndCalibration(ctx))
}

func TestTransmitValidatesBuffers(t *testing.T) {
	air := sdr.NewSimAir(sdr.SimConfig{})
	a := openArray(t, air, testConfig("r0"))
	require.NoError(t, a.Unit(0).ActivateTransmit())
	assert.Error(t, a.Transmit(context.Background(), 0, make([]complex128, 10)))
	assert.Error(t, a.Transmit(context.Background(), 3, make([]complex128, 64)))
	assert.Error(t, a.AdjustDelay(0, 2))
	require.NoError(t, a.AdjustDelay(0, -1))
	assert.Equal(t, -1, air.Device("r0").Adjustment())
}

func TestCalibrationModeGain(t *testing.T) {
	air := sdr.NewSimAir(sdr.SimConfig{})
	cfg := testConfig("r0", "r1")
	cfg.Channels = "B"
	a := openArray(t, air, cfg)
	ctx := context.Background()

	require.NoError(t, a.BeginCalibration(ctx))
	dev := air.Device("r1")
	pad, _ := dev.Value(sdr.TX, 1, "PAD")
	assert.Equal(t, 10.0, pad)
	assert.Equal(t, `{"tdd_enabled":false}`, dev.Setting(sdr.SettingTDDConfig))
	assert.Equal(t, "false", dev.Setting(sdr.SettingTDDMode))

	require.NoError(t, a.EndCalibration(ctx))
	pad, _ = dev.Value(sdr.TX, 1, "PAD")
	assert.Equal(t, 40.0, pad)
}

func TestStartTDDAndStop(t *testing.T) {
	air := sdr.NewSimAir(sdr.SimConfig{})
	cfg := testConfig("r0", "r1")
	cfg.Frames = []tdd.FrameSchedule{"BGPUD"}
	cfg.Beacon = []uint32{11, 22, 33}
	cfg.BeaconAntenna = 1
	a := openArray(t, air, cfg)

	require.NoError(t, a.StartTDD())
	r0, r1 := air.Device("r0"), air.Device("r1")
	conf, err := tdd.Decode(r0.Setting(sdr.SettingTDDConfig))
	require.NoError(t, err)
	assert.Equal(t, []string{"PGRRT"}, conf.Frames)
	assert.Equal(t, tdd.FreeRunning, conf.FrameMode)
	assert.Equal(t, "true", r1.Setting(sdr.SettingTDDMode))
	assert.Equal(t, "30", r1.Setting(sdr.SettingTxSWDelay))

	b, _ := r1.ReadRegister("TX_RAM_A", 1)
	assert.Equal(t, uint32(22), b)
	z, _ := r0.ReadRegister("TX_RAM_A", 1)
	assert.Zero(t, z)

	require.NoError(t, a.Stop())
	assert.Equal(t, "false", r0.Setting(sdr.SettingTDDMode))
	addr, _ := r0.ReadRegister(sdr.BlockRFCore, sdr.RegSchedAddr)
	assert.Equal(t, uint32(4), addr)

	a.cfg.Frames = nil
	assert.Error(t, a.StartTDD())
}

func TestStartTDDBeamsweep(t *testing.T) {
	air := sdr.NewSimAir(sdr.SimConfig{})
	cfg := testConfig("r0", "r1")
	cfg.Channels = "AB"
	cfg.Frames = []tdd.FrameSchedule{"BG"}
	cfg.Beacon = []uint32{7}
	cfg.Beamsweep = true
	a := openArray(t, air, cfg)
	require.NoError(t, a.StartTDD())

	r1 := air.Device("r1")
	got := make([]uint32, 4)
	for j := range got {
		got[j], _ = r1.ReadRegister("TX_RAM_WGT_B", uint32(j))
	}
	neg := ^uint32(0)
	if diff := cmp.Diff([]uint32{1, neg, neg, 1}, got); diff != "" {
		t.Fatalf("antenna 3 weights mismatch (-want +got):\n%s", diff)
	}
	radios, _ := r1.ReadRegister(sdr.BlockRFCore, sdr.RegBeaconRadios)
	assert.Equal(t, uint32(2), radios)
}

type fixedSensors map[string]string

func (f fixedSensors) ReadSensor(_ context.Context, name string) (string, error) {
	v, ok := f[name]
	if !ok {
		return "", errors.New("missing")
	}
	return v, nil
}

func TestReadSensors(t *testing.T) {
	air := sdr.NewSimAir(sdr.SimConfig{})
	cfg := testConfig("r0", "r1")
	cfg.Sensors = map[string]sdr.SensorReader{"r1": fixedSensors{"ZYNQ_TEMP": "50.0"}}
	a := openArray(t, air, cfg)

	got, err := a.ReadSensors(context.Background())
	require.Error(t, err, "r1 lacks two sensors")
	assert.Equal(t, "48.5", got["r0"]["ZYNQ_TEMP"])
	assert.Equal(t, map[string]string{"ZYNQ_TEMP": "50.0"}, got["r1"])
}

func TestCloseReleasesDevices(t *testing.T) {
	air := sdr.NewSimAir(sdr.SimConfig{})
	a, err := Open(context.Background(), air, testConfig("r0"), nil, nil)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	assert.Nil(t, air.Device("r0"))
}

func TestOpenClients(t *testing.T) {
	air := sdr.NewSimAir(sdr.SimConfig{})
	lts, err := dsp.Generate(160, dsp.LTS)
	require.NoError(t, err)
	cfg := ClientConfig{
		Config:     testConfig("c0", "c1"),
		AGC:        sdr.AGCConfig{Enabled: true, GainInit: 70},
		Pilot:      []uint32{5, 6},
		Correlator: CorrelatorTaps(lts, 128),
	}
	cfg.Frames = []tdd.FrameSchedule{"BGPUD"}
	cfg.SymbolSamples = 400

	s, err := OpenClients(context.Background(), air, cfg, nil)
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, 2, s.Size())

	dev := air.Device("c1")
	conf, err := tdd.Decode(dev.Setting(sdr.SettingTDDConfig))
	require.NoError(t, err)
	assert.Equal(t, []string{"GGPTR"}, conf.Frames)
	assert.Equal(t, tdd.Triggered, conf.FrameMode)
	assert.Equal(t, tdd.MaxFrames(5e6, 400, 5), conf.MaxFrame)
	corr, _ := dev.ReadRegister(sdr.BlockIris, sdr.RegCorrConf)
	assert.Equal(t, uint32(0x11), corr)
	pilot, _ := dev.ReadRegister("TX_RAM_A", 1)
	assert.Equal(t, uint32(6), pilot)

	require.NoError(t, s.Stop())
	corr, _ = dev.ReadRegister(sdr.BlockIris, sdr.RegCorrConf)
	assert.Zero(t, corr)
	assert.Equal(t, "false", dev.Setting(sdr.SettingTDDMode))

	cfg.Frames = []tdd.FrameSchedule{"BG", "BG", "BG"}
	_, err = OpenClients(context.Background(), air, cfg, nil)
	assert.Error(t, err)
}

func TestTriggerTimeNs(t *testing.T) {
	// 505 samples at 400 per symbol is frame 1, sample 105.
	assert.Equal(t, int64((65536+105)*200), triggerTimeNs(505, 400, 5e6))
}

func TestCorrelatorTaps(t *testing.T) {
	seq, err := dsp.Generate(160, dsp.LTS)
	require.NoError(t, err)
	taps := CorrelatorTaps(seq, 128)
	require.Len(t, taps, 128)
	assert.Len(t, CorrelatorTaps(seq, 500), 160)
}
