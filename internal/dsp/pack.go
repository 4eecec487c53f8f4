package dsp

import (
	"math"
	"math/cmplx"
)

const fullScale = 32767

// ScaleToPeak rescales x so its largest magnitude equals amplitude, a
// fraction of full scale. A silent input is returned as zeros.
func ScaleToPeak(x []complex128, amplitude float64) []complex128 {
	var peak float64
	for _, v := range x {
		peak = math.Max(peak, cmplx.Abs(v))
	}
	out := make([]complex128, len(x))
	if peak == 0 {
		return out
	}
	g := complex(amplitude/peak, 0)
	for i, v := range x {
		out[i] = v * g
	}
	return out
}

// PadSymbol frames x with prefix leading zeros and trailing zeros up to
// symbolLen samples. x is truncated if it does not fit.
func PadSymbol(x []complex128, prefix, symbolLen int) []complex128 {
	out := make([]complex128, symbolLen)
	if prefix < symbolLen {
		copy(out[prefix:], x)
	}
	return out
}

// PackCInt16 converts samples in [-1, 1] to signed 16-bit I/Q and packs each
// into one word, I in the upper half, for device TX RAM.
func PackCInt16(x []complex128) []uint32 {
	out := make([]uint32, len(x))
	for i, v := range x {
		re := uint16(toInt16(real(v)))
		im := uint16(toInt16(imag(v)))
		out[i] = uint32(re)<<16 | uint32(im)
	}
	return out
}

// UnpackCInt16 reverses PackCInt16.
func UnpackCInt16(words []uint32) []complex128 {
	out := make([]complex128, len(words))
	for i, w := range words {
		re := int16(uint16(w >> 16))
		im := int16(uint16(w))
		out[i] = complex(float64(re)/fullScale, float64(im)/fullScale)
	}
	return out
}

func toInt16(v float64) int16 {
	s := math.Round(v * fullScale)
	if s > math.MaxInt16 {
		return math.MaxInt16
	}
	if s < math.MinInt16 {
		return math.MinInt16
	}
	return int16(s)
}
