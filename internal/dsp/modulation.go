package dsp

import (
	"fmt"
	"math"
)

// Modulation is a square QAM order expressed in bits per symbol.
type Modulation int

const (
	QPSK  Modulation = 2
	QAM16 Modulation = 4
	QAM64 Modulation = 6
)

// BitsPerSymbol returns log2 of the constellation size.
func (m Modulation) BitsPerSymbol() int { return int(m) }

func (m Modulation) String() string {
	switch m {
	case QPSK:
		return "QPSK"
	case QAM16:
		return "16-QAM"
	case QAM64:
		return "64-QAM"
	default:
		return fmt.Sprintf("modulation(%d)", int(m))
	}
}

func (m Modulation) valid() bool {
	return m == QPSK || m == QAM16 || m == QAM64
}

// constellation lists the points of a Gray-coded square QAM, indexed by the
// bit group read MSB first. The first half of the group selects the in-phase
// level, the second half the quadrature level.
type constellation struct {
	points []complex128
}

var constellations = map[Modulation]constellation{
	QPSK:  newConstellation(QPSK),
	QAM16: newConstellation(QAM16),
	QAM64: newConstellation(QAM64),
}

func newConstellation(m Modulation) constellation {
	half := m.BitsPerSymbol() / 2
	side := 1 << half
	size := side * side
	// Average energy of odd-integer square QAM is 2(M-1)/3.
	scale := 1 / math.Sqrt(2*float64(size-1)/3)
	points := make([]complex128, size)
	for idx := range points {
		iBits := idx >> half
		qBits := idx & (side - 1)
		i := float64(2*grayToBinary(iBits) - (side - 1))
		q := float64(2*grayToBinary(qBits) - (side - 1))
		points[idx] = complex(i*scale, q*scale)
	}
	return constellation{points: points}
}

func grayToBinary(g int) int {
	b := g
	for shift := g >> 1; shift != 0; shift >>= 1 {
		b ^= shift
	}
	return b
}

// Modulate maps a stream of bits (one bit per byte, nonzero meaning 1) onto
// constellation symbols of the given order.
func Modulate(bitStream []byte, order Modulation) ([]complex128, error) {
	if !order.valid() {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedModulation, order)
	}
	bps := order.BitsPerSymbol()
	if len(bitStream)%bps != 0 {
		return nil, fmt.Errorf("%w: %d bits is not a multiple of %d", ErrInvalidBitLength, len(bitStream), bps)
	}
	points := constellations[order].points
	out := make([]complex128, len(bitStream)/bps)
	for s := range out {
		out[s] = points[bitsToIndex(bitStream[s*bps:(s+1)*bps])]
	}
	return out, nil
}

// Demodulate returns the bit groups of the nearest constellation points.
func Demodulate(symbols []complex128, order Modulation) ([]byte, error) {
	if !order.valid() {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedModulation, order)
	}
	bps := order.BitsPerSymbol()
	points := constellations[order].points
	out := make([]byte, 0, len(symbols)*bps)
	for _, sym := range symbols {
		best, bestDist := 0, math.MaxFloat64
		for i, p := range points {
			d := real(sym-p)*real(sym-p) + imag(sym-p)*imag(sym-p)
			if d < bestDist {
				best, bestDist = i, d
			}
		}
		out = append(out, indexToBits(best, bps)...)
	}
	return out, nil
}

func bitsToIndex(group []byte) int {
	idx := 0
	for _, b := range group {
		idx <<= 1
		if b != 0 {
			idx |= 1
		}
	}
	return idx
}

func indexToBits(idx, n int) []byte {
	out := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		out[i] = byte(idx & 1)
		idx >>= 1
	}
	return out
}
