package dsp

import (
	"fmt"
	"sort"
)

// Plan partitions the bins of one OFDM symbol. Indices are FFT bin numbers
// in [0, FFTSize); negative frequencies wrap to the upper half.
type Plan struct {
	FFTSize     int
	Data        []int
	Null        []int
	Pilot       []int
	PilotValues []complex128
}

// SubcarrierPlan returns the 802.11-style layout for a 64-point symbol and
// the same layout scaled by fftSize/64 for larger multiples of 64: 52 of
// every 64 bins occupied, DC and the band edges null, and four pilots at
// ±7 and ±21 (scaled).
func SubcarrierPlan(fftSize int) (Plan, error) {
	if fftSize < trainingFFTSize || fftSize%trainingFFTSize != 0 {
		return Plan{}, fmt.Errorf("%w: subcarrier plan needs a multiple of %d, got %d", ErrUnsupportedLength, trainingFFTSize, fftSize)
	}
	s := fftSize / trainingFFTSize
	edge := 26 * s
	pilotAt := map[int]complex128{-21 * s: 1, -7 * s: 1, 7 * s: 1, 21 * s: -1}

	bin := func(k int) int { return (k + fftSize) % fftSize }
	p := Plan{FFTSize: fftSize}
	type pilot struct {
		bin int
		val complex128
	}
	var pilots []pilot
	for k := -fftSize / 2; k < fftSize/2; k++ {
		switch v, ok := pilotAt[k]; {
		case k == 0 || k < -edge || k > edge:
			p.Null = append(p.Null, bin(k))
		case ok:
			pilots = append(pilots, pilot{bin: bin(k), val: v})
		default:
			p.Data = append(p.Data, bin(k))
		}
	}
	sort.Ints(p.Data)
	sort.Ints(p.Null)
	sort.Slice(pilots, func(i, j int) bool { return pilots[i].bin < pilots[j].bin })
	for _, pl := range pilots {
		p.Pilot = append(p.Pilot, pl.bin)
		p.PilotValues = append(p.PilotValues, pl.val)
	}
	return p, nil
}

// OFDMSymbol places data on the plan's data bins and the pilot values on its
// pilot bins, transforms to time domain and prepends cpLen samples of cyclic
// prefix. len(data) must equal len(plan.Data).
func OFDMSymbol(data []complex128, plan Plan, cpLen int) ([]complex128, error) {
	if len(data) != len(plan.Data) {
		return nil, fmt.Errorf("%w: %d data symbols for %d data subcarriers", ErrInvalidBitLength, len(data), len(plan.Data))
	}
	if cpLen < 0 || cpLen > plan.FFTSize {
		return nil, fmt.Errorf("%w: cyclic prefix %d for fft size %d", ErrUnsupportedLength, cpLen, plan.FFTSize)
	}
	bins := make([]complex128, plan.FFTSize)
	for i, b := range plan.Data {
		bins[b] = data[i]
	}
	for i, b := range plan.Pilot {
		bins[b] = plan.PilotValues[i]
	}
	td := Inverse(bins)
	out := make([]complex128, 0, cpLen+len(td))
	out = append(out, td[len(td)-cpLen:]...)
	return append(out, td...), nil
}
