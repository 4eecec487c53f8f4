package dsp

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/floats"
)

// DetectionThreshold is the minimum normalized correlation a peak needs to
// count as a detection. Noise over a 64-sample template sits near 0.1.
const DetectionThreshold = 0.5

// Peak is the outcome of a reference search in a sample window.
//
// Index is the window position of the reference midpoint at the best
// alignment, i.e. Lag+AnchorOffset(len). When nothing correlates, Found is
// false and Index is 0; callers must check Found rather than Index.
type Peak struct {
	Index     int
	Lag       int
	Magnitude float64
	Quality   float64
	Found     bool
}

// AnchorOffset is the distance from the start of a reference of the given
// length to the sample Peak.Index points at.
func AnchorOffset(refLen int) int { return refLen / 2 }

// periodOf reports the repetition period of kinds built from repeated
// training symbols.
func periodOf(k Kind) int {
	switch k {
	case LTS:
		return trainingFFTSize
	case STS:
		return stsPeriod
	default:
		return 0
	}
}

type segment struct {
	offset int
	tmpl   []complex128
	energy float64
}

// Correlator searches windows for one reference waveform.
//
// Periodic references correlate against a single period twice, at the first
// and at the last whole period, and combine the two magnitudes. A shifted
// copy of a periodic waveform still lines up with one of the periods, but
// only the true alignment lines up with both.
type Correlator struct {
	seq      Sequence
	refLen   int
	segments []segment
}

// NewCorrelator prepares a correlator for seq.
func NewCorrelator(seq Sequence) *Correlator {
	ref := seq.Complex()
	c := &Correlator{seq: seq, refLen: len(ref)}
	period := periodOf(seq.Kind)
	if period > 0 && len(ref) >= 2*period {
		first := len(ref) % period
		last := len(ref) - period
		c.segments = []segment{newSegment(ref, first, period), newSegment(ref, last, period)}
		return c
	}
	c.segments = []segment{newSegment(ref, 0, len(ref))}
	return c
}

func newSegment(ref []complex128, offset, n int) segment {
	tmpl := append([]complex128(nil), ref[offset:offset+n]...)
	return segment{offset: offset, tmpl: tmpl, energy: energy(tmpl)}
}

// Len returns the reference length.
func (c *Correlator) Len() int { return c.refLen }

// Correlate returns the correlation magnitude for every alignment of the
// reference start within samples, lags 0..len(samples)-Len().
func (c *Correlator) Correlate(samples []complex128) []float64 {
	mags, _ := c.scan(samples)
	return mags
}

// Peak returns the strongest alignment of the reference in samples. A
// window shorter than the reference is searched with the reference
// truncated to the window.
func (c *Correlator) Peak(samples []complex128) Peak {
	if len(samples) == 0 {
		return Peak{}
	}
	if len(samples) < c.refLen {
		trunc := Sequence{Kind: c.seq.Kind, I: c.seq.I[:len(samples)], Q: c.seq.Q[:len(samples)]}
		return NewCorrelator(trunc).Peak(samples)
	}
	mags, quality := c.scan(samples)
	lag := floats.MaxIdx(mags)
	if mags[lag] == 0 || quality[lag] < DetectionThreshold {
		return Peak{Lag: lag, Magnitude: mags[lag], Quality: quality[lag]}
	}
	return Peak{
		Index:     lag + AnchorOffset(c.refLen),
		Lag:       lag,
		Magnitude: mags[lag],
		Quality:   quality[lag],
		Found:     true,
	}
}

// scan computes, per lag, the geometric mean of the segment correlation
// magnitudes and of their normalized correlation coefficients.
func (c *Correlator) scan(samples []complex128) (mags, quality []float64) {
	w := len(samples)
	lags := w - c.refLen + 1
	if lags <= 0 {
		return []float64{}, []float64{}
	}
	mags = make([]float64, lags)
	quality = make([]float64, lags)
	for i := range mags {
		mags[i] = 1
		quality[i] = 1
	}

	cum := cumulativeEnergy(samples)
	bins := Forward(samples)
	inv := 1 / float64(len(c.segments))
	for _, seg := range c.segments {
		corr := circularXCorr(bins, seg.tmpl)
		n := len(seg.tmpl)
		for lag := 0; lag < lags; lag++ {
			at := lag + seg.offset
			mag := cmplx.Abs(corr[at])
			mags[lag] *= math.Pow(mag, inv)
			den := math.Sqrt(seg.energy * (cum[at+n] - cum[at]))
			if den == 0 {
				quality[lag] = 0
				continue
			}
			quality[lag] *= math.Pow(math.Min(mag/den, 1), inv)
		}
	}
	return mags, quality
}

// circularXCorr returns r[k] = sum_n x[n+k]*conj(t[n]) computed through the
// spectrum of x. Lags that keep the template inside the window do not wrap.
func circularXCorr(xSpec []complex128, tmpl []complex128) []complex128 {
	w := len(xSpec)
	padded := make([]complex128, w)
	copy(padded, tmpl)
	tSpec := Forward(padded)
	prod := make([]complex128, w)
	for i := range prod {
		prod[i] = xSpec[i] * cmplx.Conj(tSpec[i])
	}
	return Inverse(prod)
}

func cumulativeEnergy(x []complex128) []float64 {
	p := make([]float64, len(x))
	for i, v := range x {
		p[i] = real(v)*real(v) + imag(v)*imag(v)
	}
	cum := make([]float64, len(x)+1)
	floats.CumSum(cum[1:], p)
	return cum
}

func energy(x []complex128) float64 {
	var e float64
	for _, v := range x {
		e += real(v)*real(v) + imag(v)*imag(v)
	}
	return e
}

// FindPeak searches samples for the default-length reference of kind.
func FindPeak(samples []complex128, kind Kind) (Peak, error) {
	seq, err := Generate(DefaultLength(kind), kind)
	if err != nil {
		return Peak{}, err
	}
	return NewCorrelator(seq).Peak(samples), nil
}
