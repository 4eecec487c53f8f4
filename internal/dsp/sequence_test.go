package dsp

import (
	"errors"
	"math"
	"math/cmplx"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForwardInverseRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, n := range []int{2, 7, 64, 128, 160, 400} {
		x := make([]complex128, n)
		for i := range x {
			x[i] = complex(rng.NormFloat64(), rng.NormFloat64())
		}
		got := Inverse(Forward(x))
		require.Len(t, got, n)
		for i := range x {
			scale := math.Max(cmplx.Abs(x[i]), 1)
			if cmplx.Abs(got[i]-x[i])/scale > 1e-6 {
				t.Fatalf("n=%d index %d: expected %v got %v", n, i, x[i], got[i])
			}
		}
	}
}

func TestForwardSingleTone(t *testing.T) {
	n := 64
	x := make([]complex128, n)
	for i := range x {
		x[i] = cmplx.Exp(complex(0, 2*math.Pi*5*float64(i)/float64(n)))
	}
	bins := Forward(x)
	assert.InDelta(t, float64(n), cmplx.Abs(bins[5]), 1e-9)
	assert.InDelta(t, 0, cmplx.Abs(bins[6]), 1e-9)
}

func TestFFTShift(t *testing.T) {
	in := []complex128{0, 1, 2, 3}
	out := FFTShift(in)
	expected := []complex128{2, 3, 0, 1}
	for i := range expected {
		if out[i] != expected[i] {
			t.Fatalf("index %d expected %v got %v", i, expected[i], out[i])
		}
	}
	assert.Equal(t, []complex128{0, 1, 2, 3}, in, "input must not be modified")
}

func TestGenerateDeterministic(t *testing.T) {
	cases := []struct {
		kind   Kind
		length int
	}{
		{STS, 160}, {LTS, 160}, {LTS, 64}, {ZadoffChu, 139}, {ZadoffChu, 64}, {GoldIFFT, 128}, {Hadamard, 32},
	}
	for _, tc := range cases {
		a, err := Generate(tc.length, tc.kind)
		require.NoError(t, err, tc.kind.String())
		b, err := Generate(tc.length, tc.kind)
		require.NoError(t, err)
		require.Equal(t, tc.length, a.Len())
		for i := range a.I {
			if math.Float64bits(a.I[i]) != math.Float64bits(b.I[i]) || math.Float64bits(a.Q[i]) != math.Float64bits(b.Q[i]) {
				t.Fatalf("%v length %d differs at %d", tc.kind, tc.length, i)
			}
		}
	}
}

func TestGenerateUnsupportedLength(t *testing.T) {
	cases := []struct {
		kind   Kind
		length int
	}{
		{LTS, 32}, {STS, 8}, {GoldIFFT, 100}, {GoldIFFT, 4}, {Hadamard, 48}, {ZadoffChu, 1},
	}
	for _, tc := range cases {
		_, err := Generate(tc.length, tc.kind)
		if !errors.Is(err, ErrUnsupportedLength) {
			t.Fatalf("%v length %d: expected ErrUnsupportedLength, got %v", tc.kind, tc.length, err)
		}
	}
	_, err := Generate(64, Kind(42))
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestLTSStructure(t *testing.T) {
	seq, err := Generate(160, LTS)
	require.NoError(t, err)
	x := seq.Complex()
	// 32-sample cyclic prefix followed by two copies of the 64-sample symbol.
	for n := 0; n+64 < len(x); n++ {
		if cmplx.Abs(x[n]-x[n+64]) > 1e-12 {
			t.Fatalf("sample %d does not repeat after one symbol", n)
		}
	}
	bins := Forward(x[32:96])
	assert.InDelta(t, 0, cmplx.Abs(bins[0]), 1e-9, "dc must be empty")
	assert.InDelta(t, 1, cmplx.Abs(bins[1]), 1e-9)
	assert.InDelta(t, 0, cmplx.Abs(bins[32]), 1e-9, "band edge must be empty")
}

func TestSTSPeriod(t *testing.T) {
	seq, err := Generate(160, STS)
	require.NoError(t, err)
	x := seq.Complex()
	for n := 0; n+16 < len(x); n++ {
		if cmplx.Abs(x[n]-x[n+16]) > 1e-12 {
			t.Fatalf("sample %d does not repeat after 16 samples", n)
		}
	}
}

func TestZadoffChuConstantAmplitude(t *testing.T) {
	seq, err := GenerateZadoffChu(139, 25)
	require.NoError(t, err)
	for i, v := range seq.Complex() {
		if math.Abs(cmplx.Abs(v)-1) > 1e-12 {
			t.Fatalf("sample %d has magnitude %f", i, cmplx.Abs(v))
		}
	}
	_, err = GenerateZadoffChu(64, 32)
	assert.ErrorIs(t, err, ErrUnsupportedLength)
}

func TestGoldIFFTFlatSpectrum(t *testing.T) {
	seq, err := Generate(128, GoldIFFT)
	require.NoError(t, err)
	bins := Forward(seq.Complex())
	assert.InDelta(t, 0, cmplx.Abs(bins[0]), 1e-9)
	for k := 1; k < len(bins); k++ {
		if math.Abs(cmplx.Abs(bins[k])-1) > 1e-9 {
			t.Fatalf("bin %d has magnitude %f", k, cmplx.Abs(bins[k]))
		}
	}
}

func TestHadamardRowsOrthogonal(t *testing.T) {
	const n = 16
	for a := 0; a < n; a++ {
		ra, err := HadamardRow(n, a)
		require.NoError(t, err)
		for b := 0; b < n; b++ {
			rb, _ := HadamardRow(n, b)
			var dot float64
			for i := range ra {
				dot += ra[i] * rb[i]
			}
			want := 0.0
			if a == b {
				want = n
			}
			if dot != want {
				t.Fatalf("rows %d,%d: dot %f want %f", a, b, dot, want)
			}
		}
	}
	_, err := HadamardRow(16, 16)
	assert.ErrorIs(t, err, ErrUnsupportedLength)
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{STS, LTS, ZadoffChu, GoldIFFT, Hadamard} {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseKind("chirp")
	assert.ErrorIs(t, err, ErrUnknownKind)
}
