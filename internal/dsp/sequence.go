package dsp

import (
	"fmt"
	"math"
	"math/bits"
	"math/cmplx"
	"strings"
)

// Kind names a family of reference waveforms.
type Kind int

const (
	STS Kind = iota
	LTS
	ZadoffChu
	GoldIFFT
	Hadamard
)

func (k Kind) String() string {
	switch k {
	case STS:
		return "sts"
	case LTS:
		return "lts"
	case ZadoffChu:
		return "zadoff-chu"
	case GoldIFFT:
		return "gold-ifft"
	case Hadamard:
		return "hadamard"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind converts a configuration string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sts":
		return STS, nil
	case "lts":
		return LTS, nil
	case "zadoff-chu", "zc", "zadoffchu":
		return ZadoffChu, nil
	case "gold-ifft", "gold":
		return GoldIFFT, nil
	case "hadamard":
		return Hadamard, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// DefaultLength is the reference length used when only a kind is given.
func DefaultLength(k Kind) int {
	switch k {
	case STS, LTS:
		return 160
	case ZadoffChu:
		return 139
	case GoldIFFT:
		return 128
	default:
		return 64
	}
}

// Sequence is an immutable reference waveform split into its in-phase and
// quadrature parts.
type Sequence struct {
	Kind Kind
	I    []float64
	Q    []float64
}

func (s Sequence) Len() int { return len(s.I) }

// Complex returns the waveform as complex samples.
func (s Sequence) Complex() []complex128 {
	out := make([]complex128, len(s.I))
	for i := range s.I {
		out[i] = complex(s.I[i], s.Q[i])
	}
	return out
}

const (
	trainingFFTSize = 64
	stsPeriod       = 16
	defaultZCRoot   = 25
)

// ltsSpectrum holds L(-26..26) of the 802.11 long training field.
var ltsSpectrum = [53]float64{
	1, 1, -1, -1, 1, 1, -1, 1, -1, 1, 1, 1, 1, 1, 1, -1, -1, 1, 1, -1, 1, -1, 1, 1, 1, 1,
	0,
	1, -1, -1, 1, 1, -1, 1, -1, 1, -1, -1, -1, -1, -1, 1, 1, -1, -1, 1, -1, 1, -1, 1, 1, 1, 1,
}

// stsBins holds the occupied subcarriers of the 802.11 short training field
// before the sqrt(13/6) power scaling.
var stsBins = map[int]complex128{
	-24: 1 + 1i, -20: -1 - 1i, -16: 1 + 1i, -12: -1 - 1i, -8: -1 - 1i, -4: 1 + 1i,
	4: -1 - 1i, 8: -1 - 1i, 12: 1 + 1i, 16: 1 + 1i, 20: 1 + 1i, 24: 1 + 1i,
}

// Generate builds the reference waveform of the given kind and length. The
// result depends only on its arguments.
func Generate(length int, kind Kind) (Sequence, error) {
	switch kind {
	case STS:
		if length < stsPeriod {
			return Sequence{}, fmt.Errorf("%w: sts needs at least %d samples, got %d", ErrUnsupportedLength, stsPeriod, length)
		}
		return extend(kind, stsSymbol(), length), nil
	case LTS:
		if length < trainingFFTSize {
			return Sequence{}, fmt.Errorf("%w: lts needs at least %d samples, got %d", ErrUnsupportedLength, trainingFFTSize, length)
		}
		return extend(kind, ltsSymbol(), length), nil
	case ZadoffChu:
		root, err := zadoffChuRoot(length)
		if err != nil {
			return Sequence{}, err
		}
		return GenerateZadoffChu(length, root)
	case GoldIFFT:
		return goldIFFT(length)
	case Hadamard:
		row, err := HadamardRow(length, 1)
		if err != nil {
			return Sequence{}, err
		}
		return Sequence{Kind: Hadamard, I: row, Q: make([]float64, length)}, nil
	default:
		return Sequence{}, fmt.Errorf("%w: %v", ErrUnknownKind, kind)
	}
}

func ltsSymbol() []complex128 {
	bins := make([]complex128, trainingFFTSize)
	for i, v := range ltsSpectrum {
		k := i - 26
		bins[(k+trainingFFTSize)%trainingFFTSize] = complex(v, 0)
	}
	return Inverse(bins)
}

func stsSymbol() []complex128 {
	bins := make([]complex128, trainingFFTSize)
	scale := complex(math.Sqrt(13.0/6.0), 0)
	for k, v := range stsBins {
		bins[(k+trainingFFTSize)%trainingFFTSize] = scale * v
	}
	return Inverse(bins)
}

// extend repeats a 64-sample training symbol so the output ends on a symbol
// boundary; whatever precedes the last whole symbols acts as cyclic prefix.
func extend(kind Kind, symbol []complex128, length int) Sequence {
	n := len(symbol)
	out := Sequence{Kind: kind, I: make([]float64, length), Q: make([]float64, length)}
	for i := 0; i < length; i++ {
		v := symbol[((i-length)%n+n)%n]
		out.I[i] = real(v)
		out.Q[i] = imag(v)
	}
	return out
}

// GenerateZadoffChu builds a Zadoff-Chu sequence with an explicit root. The
// root must be coprime with the length.
func GenerateZadoffChu(length, root int) (Sequence, error) {
	if length < 2 {
		return Sequence{}, fmt.Errorf("%w: zadoff-chu needs at least 2 samples, got %d", ErrUnsupportedLength, length)
	}
	root %= length
	if root <= 0 || gcd(root, length) != 1 {
		return Sequence{}, fmt.Errorf("%w: root %d is not coprime with length %d", ErrUnsupportedLength, root, length)
	}
	cf := length % 2
	out := Sequence{Kind: ZadoffChu, I: make([]float64, length), Q: make([]float64, length)}
	period := int64(2 * length)
	for n := 0; n < length; n++ {
		// Reduce the exponent modulo 2N before leaving integer arithmetic.
		m := (int64(root) * int64(n) * int64(n+cf)) % period
		v := cmplx.Exp(complex(0, -math.Pi*float64(m)/float64(length)))
		out.I[n] = real(v)
		out.Q[n] = imag(v)
	}
	return out, nil
}

func zadoffChuRoot(length int) (int, error) {
	if length < 2 {
		return 0, fmt.Errorf("%w: zadoff-chu needs at least 2 samples, got %d", ErrUnsupportedLength, length)
	}
	for step := 0; step < length; step++ {
		u := (defaultZCRoot + step) % length
		if u != 0 && gcd(u, length) == 1 {
			return u, nil
		}
	}
	return 1, nil
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// goldCode returns the 127-chip Gold code formed from the preferred pair
// x^7+x^3+1 and x^7+x^3+x^2+x+1.
func goldCode() []byte {
	a := mSequence([]int{0, 3})
	b := mSequence([]int{0, 1, 2, 3})
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// mSequence runs a degree-7 Fibonacci LFSR seeded with all ones. taps lists
// the recurrence terms: a[n+7] is the XOR of a[n+t] for t in taps.
func mSequence(taps []int) []byte {
	const degree = 7
	const length = 1<<degree - 1
	a := make([]byte, length+degree)
	for i := 0; i < degree; i++ {
		a[i] = 1
	}
	for n := 0; n < length; n++ {
		var v byte
		for _, t := range taps {
			v ^= a[n+t]
		}
		a[n+degree] = v
	}
	return a[:length]
}

func goldIFFT(length int) (Sequence, error) {
	if length < 8 || !isPowerOfTwo(length) {
		return Sequence{}, fmt.Errorf("%w: gold-ifft needs a power of two >= 8, got %d", ErrUnsupportedLength, length)
	}
	code := goldCode()
	bins := make([]complex128, length)
	for k := 1; k < length; k++ {
		bins[k] = complex(1-2*float64(code[(k-1)%len(code)]), 0)
	}
	td := Inverse(bins)
	out := Sequence{Kind: GoldIFFT, I: make([]float64, length), Q: make([]float64, length)}
	for i, v := range td {
		out.I[i] = real(v)
		out.Q[i] = imag(v)
	}
	return out, nil
}

// HadamardEntry returns H[row][col] of a Sylvester Hadamard matrix of any
// power-of-two order larger than both indices.
func HadamardEntry(row, col int) float64 {
	if bits.OnesCount(uint(row&col))%2 == 0 {
		return 1
	}
	return -1
}

// HadamardRow returns one row of the n×n Sylvester Hadamard matrix.
func HadamardRow(n, row int) ([]float64, error) {
	if n < 2 || !isPowerOfTwo(n) {
		return nil, fmt.Errorf("%w: hadamard needs a power of two >= 2, got %d", ErrUnsupportedLength, n)
	}
	if row < 0 || row >= n {
		return nil, fmt.Errorf("%w: hadamard row %d outside order %d", ErrUnsupportedLength, row, n)
	}
	out := make([]float64, n)
	for c := range out {
		out[c] = HadamardEntry(row, c)
	}
	return out, nil
}
