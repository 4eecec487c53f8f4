package sdr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSim(t *testing.T, air *SimAir, serial string) (*SimDevice, StreamID, StreamID) {
	t.Helper()
	dev, err := air.Open(context.Background(), Args{Driver: "sim", Serial: serial})
	require.NoError(t, err)
	rx, err := dev.SetupStream(RX, []int{0})
	require.NoError(t, err)
	tx, err := dev.SetupStream(TX, []int{0})
	require.NoError(t, err)
	return dev.(*SimDevice), rx, tx
}

func impulse(n, at int) [][]complex64 {
	b := make([]complex64, n)
	b[at] = 1
	return [][]complex64{b}
}

func peakAt(t *testing.T, buf []complex64) int {
	t.Helper()
	for i, v := range buf {
		if v != 0 {
			return i
		}
	}
	t.Fatalf("capture is silent")
	return -1
}

func TestSimTriggerAppliesRelativeSkew(t *testing.T) {
	air := NewSimAir(SimConfig{Skews: map[string]int{"a": 0, "b": 3}, Latency: 2})
	a, _, aTx := openSim(t, air, "a")
	b, bRx, _ := openSim(t, air, "b")
	ctx := context.Background()

	require.NoError(t, a.ActivateStream(aTx, 0, 0, 0))
	n, err := a.WriteStream(ctx, aTx, impulse(64, 10), WaitTrigger|EndBurst, 0, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 64, n)
	require.NoError(t, b.ActivateStream(bRx, 0, 0, 64))
	require.NoError(t, a.WriteSetting(SettingTriggerGen, ""))

	buf := [][]complex64{make([]complex64, 64)}
	got, _, err := b.ReadStream(ctx, bRx, buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 64, got)
	// latch(a) - latch(b) + latency = 0 - 3 + 2
	assert.Equal(t, 9, peakAt(t, buf[0]))
	assert.Equal(t, 1, air.Triggers())
}

func TestSimAdjustDelaysMovesLatch(t *testing.T) {
	air := NewSimAir(SimConfig{Skews: map[string]int{"a": 0, "b": 3}})
	a, _, aTx := openSim(t, air, "a")
	b, bRx, _ := openSim(t, air, "b")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.WriteSetting(SettingAdjustDelays, "1"))
	}
	assert.Equal(t, 3, b.Adjustment())

	require.NoError(t, a.ActivateStream(aTx, 0, 0, 0))
	_, err := a.WriteStream(ctx, aTx, impulse(32, 5), WaitTrigger, 0, time.Second)
	require.NoError(t, err)
	require.NoError(t, b.ActivateStream(bRx, 0, 0, 32))
	require.NoError(t, b.WriteSetting(SettingTriggerGen, ""))

	buf := [][]complex64{make([]complex64, 32)}
	_, _, err = b.ReadStream(ctx, bRx, buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5, peakAt(t, buf[0]))

	assert.Error(t, b.WriteSetting(SettingAdjustDelays, "up"))
}

func TestSimReadTimesOutWithoutTrigger(t *testing.T) {
	air := NewSimAir(SimConfig{})
	b, bRx, _ := openSim(t, air, "b")
	require.NoError(t, b.ActivateStream(bRx, 0, 0, 16))

	buf := [][]complex64{make([]complex64, 16)}
	_, _, err := b.ReadStream(context.Background(), bRx, buf, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	_, _, err = b.ReadStream(context.Background(), bRx, buf, 0)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSimMutedRadioIsSilent(t *testing.T) {
	air := NewSimAir(SimConfig{Muted: map[string]bool{"a": true}})
	a, _, aTx := openSim(t, air, "a")
	b, bRx, _ := openSim(t, air, "b")
	ctx := context.Background()

	require.NoError(t, a.ActivateStream(aTx, 0, 0, 0))
	_, err := a.WriteStream(ctx, aTx, impulse(16, 1), WaitTrigger, 0, time.Second)
	require.NoError(t, err)
	require.NoError(t, b.ActivateStream(bRx, 0, 0, 16))
	require.NoError(t, a.WriteSetting(SettingTriggerGen, ""))

	buf := [][]complex64{make([]complex64, 16)}
	_, _, err = b.ReadStream(ctx, bRx, buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, make([]complex64, 16), buf[0])
}

func TestSimStreamErrors(t *testing.T) {
	air := NewSimAir(SimConfig{})
	a, rx, tx := openSim(t, air, "a")
	ctx := context.Background()

	_, err := a.WriteStream(ctx, tx, impulse(4, 0), 0, 0, 0)
	assert.ErrorIs(t, err, ErrStreamClosed, "inactive stream")
	_, _, err = a.ReadStream(ctx, tx, impulse(4, 0), 0)
	assert.ErrorIs(t, err, ErrStreamClosed, "read from tx")
	require.NoError(t, a.CloseStream(rx))
	assert.ErrorIs(t, a.CloseStream(rx), ErrStreamClosed)

	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.SetGain(TX, 0, "PAD", 10), ErrClosed)
	assert.Nil(t, air.Device("a"))
}

func TestSimOpenFailures(t *testing.T) {
	boom := errors.New("no such radio")
	air := NewSimAir(SimConfig{Fail: map[string]error{"bad": boom}})
	_, err := air.Open(context.Background(), Args{Serial: "bad"})
	assert.ErrorIs(t, err, boom)

	_, err = air.Open(context.Background(), Args{Serial: "ok"})
	require.NoError(t, err)
	_, err = air.Open(context.Background(), Args{Serial: "ok"})
	assert.Error(t, err, "second open of the same serial")
}

func TestSimRecordsControlState(t *testing.T) {
	air := NewSimAir(SimConfig{})
	a, _, _ := openSim(t, air, "a")
	require.NoError(t, a.SetGain(TX, 1, "PAD", 42))
	v, ok := a.Value(TX, 1, "PAD")
	require.True(t, ok)
	assert.Equal(t, 42.0, v)
	assert.Error(t, a.SetGain(TX, 2, "PAD", 1))

	require.NoError(t, a.WriteRegisters("TX_RAM_A", 8, []uint32{7, 9}))
	r, err := a.ReadRegister("TX_RAM_A", 9)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), r)

	temp, err := a.ReadSensor(context.Background(), "ZYNQ_TEMP")
	require.NoError(t, err)
	assert.Equal(t, "48.5", temp)
	assert.Equal(t, "CBRS", a.HardwareInfo()["frontend"])
}
