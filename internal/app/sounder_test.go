package app

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/GoSounder/internal/calib"
	"github.com/rjboer/GoSounder/internal/discovery"
	"github.com/rjboer/GoSounder/internal/dsp"
	"github.com/rjboer/GoSounder/internal/logging"
	"github.com/rjboer/GoSounder/internal/radio"
	"github.com/rjboer/GoSounder/internal/sdr"
	"github.com/rjboer/GoSounder/internal/tdd"
	"github.com/rjboer/GoSounder/internal/telemetry"
)

func testLogger() logging.Logger {
	return logging.New(logging.Error, logging.Text, io.Discard)
}

func testConfig(serials ...string) Config {
	rc := radio.DefaultConfig()
	rc.Serials = serials
	rc.Frames = []tdd.FrameSchedule{"BGPGUG"}
	rc.StreamTimeout = 200 * time.Millisecond
	return Config{
		Radio:       rc,
		Calibrate:   true,
		Calibration: calib.DefaultConfig(),
		BeaconKind:  dsp.GoldIFFT,
	}
}

func TestSounderCalibratesAndStartsSchedule(t *testing.T) {
	air := sdr.NewSimAir(sdr.SimConfig{Skews: map[string]int{"r1": 4, "r2": -3}})
	hub := telemetry.NewHub(50, testLogger())
	s := NewSounder(air, hub, testLogger(), testConfig("r0", "r1", "r2"))

	require.NoError(t, s.Init(context.Background()))
	res := s.Result()
	assert.Equal(t, calib.Converged, res.Outcome, res.String())
	assert.Equal(t, []int{0, 4, -3}, res.Corrections)
	assert.Equal(t, "ok", hub.Health().Status)

	r2 := air.Device("r2")
	assert.Equal(t, "true", r2.Setting(sdr.SettingTDDMode))
	conf, err := tdd.Decode(r2.Setting(sdr.SettingTDDConfig))
	require.NoError(t, err)
	assert.Equal(t, []string{"PGRGRG"}, conf.Frames)
	var words uint32
	for addr := uint32(0); addr < 16; addr++ {
		w, _ := air.Device("r0").ReadRegister(sdr.TxRAM(0), addr)
		words |= w
	}
	assert.NotZero(t, words, "beacon antenna carries the generated beacon")

	require.NoError(t, s.Close())
	assert.Nil(t, air.Device("r0"))
	assert.Nil(t, s.Array())
}

func TestSounderWithoutCalibration(t *testing.T) {
	air := sdr.NewSimAir(sdr.SimConfig{Skews: map[string]int{"r1": 2}})
	cfg := testConfig("r0", "r1")
	cfg.Calibrate = false
	s := NewSounder(air, nil, testLogger(), cfg)

	require.NoError(t, s.Init(context.Background()))
	defer s.Close()
	assert.Zero(t, air.Triggers())
	assert.Zero(t, air.Device("r1").Adjustment())
}

func TestSounderContinuesUncalibrated(t *testing.T) {
	air := sdr.NewSimAir(sdr.SimConfig{Muted: map[string]bool{"r0": true, "r1": true}})
	cfg := testConfig("r0", "r1")
	cfg.Calibration.MaxAttempts = 2
	hub := telemetry.NewHub(50, testLogger())
	s := NewSounder(air, hub, testLogger(), cfg)

	require.NoError(t, s.Init(context.Background()))
	defer s.Close()
	assert.Equal(t, calib.FailedAfterAttempts, s.Result().Outcome)
	assert.Equal(t, "degraded", hub.Health().Status)
	assert.Equal(t, "true", air.Device("r1").Setting(sdr.SettingTDDMode))
}

func TestSounderUsesHub(t *testing.T) {
	air := sdr.NewSimAir(sdr.SimConfig{Skews: map[string]int{"r1": 1}})
	cfg := testConfig("r0", "r1")
	cfg.HubSerials = []string{"hub0"}
	s := NewSounder(air, nil, testLogger(), cfg)

	require.NoError(t, s.Init(context.Background()))
	assert.Equal(t, calib.Converged, s.Result().Outcome)
	require.NotNil(t, air.Device("hub0"))
	assert.Contains(t, air.Device("hub0").HardwareInfo(), "frontend")

	require.NoError(t, s.Close())
	assert.Nil(t, air.Device("hub0"), "hub released on close")
}

func TestSounderBringUpFailureReleasesEverything(t *testing.T) {
	boom := errors.New("no route to host")
	air := sdr.NewSimAir(sdr.SimConfig{Fail: map[string]error{"r1": boom}})
	cfg := testConfig("r0", "r1")
	cfg.HubSerials = []string{"hub0"}
	s := NewSounder(air, nil, testLogger(), cfg)

	err := s.Init(context.Background())
	require.Error(t, err)
	assert.True(t, radio.IsBringUpError(err))
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, air.Device("hub0"))
	assert.Nil(t, air.Device("r0"))
}

func TestSounderDiscovery(t *testing.T) {
	air := sdr.NewSimAir(sdr.SimConfig{})
	cfg := testConfig("r0", "r1")
	cfg.Discover = true

	var service string
	browse := func(_ context.Context, svc string) ([]discovery.Host, error) {
		service = svc
		return []discovery.Host{{Serial: "r0"}}, nil
	}
	s := NewSounder(air, nil, testLogger(), cfg).WithBrowse(browse)
	err := s.Init(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[r1]")
	assert.Nil(t, air.Device("r0"), "nothing is opened when a radio is missing")

	cfg.DiscoveryService = "_iris._tcp"
	cfg.Calibrate = false
	s = NewSounder(air, nil, testLogger(), cfg).WithBrowse(func(ctx context.Context, svc string) ([]discovery.Host, error) {
		service = svc
		return []discovery.Host{{Serial: "r1"}, {Serial: "r0"}}, nil
	})
	require.NoError(t, s.Init(context.Background()))
	defer s.Close()
	assert.Equal(t, "_iris._tcp", service)
}

func TestSounderStartsClients(t *testing.T) {
	air := sdr.NewSimAir(sdr.SimConfig{})
	cfg := testConfig("r0")
	cc := radio.ClientConfig{Config: radio.DefaultConfig()}
	cc.Serials = []string{"c0"}
	cc.Frames = []tdd.FrameSchedule{"BGPGUG"}
	cfg.Clients = &cc

	s := NewSounder(air, nil, testLogger(), cfg)
	require.NoError(t, s.Init(context.Background()))
	assert.Equal(t, calib.Skipped, s.Result().Outcome)
	assert.Nil(t, cc.Correlator, "caller config is not modified")

	c0 := air.Device("c0")
	require.NotNil(t, c0)
	conf, err := tdd.Decode(c0.Setting(sdr.SettingTDDConfig))
	require.NoError(t, err)
	assert.Equal(t, tdd.Triggered, conf.FrameMode)
	corr, _ := c0.ReadRegister(sdr.BlockIris, sdr.RegCorrConf)
	assert.NotZero(t, corr)

	require.NoError(t, s.Close())
	assert.Nil(t, air.Device("c0"))
}

func TestSounderRun(t *testing.T) {
	air := sdr.NewSimAir(sdr.SimConfig{})
	cfg := testConfig("r0")
	cfg.SensorInterval = 5 * time.Millisecond
	s := NewSounder(air, nil, testLogger(), cfg)

	assert.Error(t, s.Run(context.Background()), "run before init")

	require.NoError(t, s.Init(context.Background()))
	defer s.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Run(ctx), context.DeadlineExceeded)
}
