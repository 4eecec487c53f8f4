package dsp

// Forward returns the unnormalized discrete Fourier transform of x. Any
// length is accepted; gonum factorizes it into mixed radices.
func Forward(x []complex128) []complex128 {
	if len(x) == 0 {
		return []complex128{}
	}
	return plans.get(len(x)).coefficients(x)
}

// Inverse returns the inverse transform of x scaled by 1/N, so that
// Inverse(Forward(x)) reproduces x.
func Inverse(x []complex128) []complex128 {
	n := len(x)
	if n == 0 {
		return []complex128{}
	}
	out := plans.get(n).sequence(x)
	scale := complex(1/float64(n), 0)
	for i := range out {
		out[i] *= scale
	}
	return out
}

// FFTShift returns the FFT output shifted so that DC is centered.
func FFTShift(data []complex128) []complex128 {
	n := len(data)
	if n == 0 {
		return []complex128{}
	}
	half := n / 2
	shifted := make([]complex128, 0, n)
	shifted = append(shifted, data[half:]...)
	return append(shifted, data[:half]...)
}

// ToComplex128 widens device samples for processing.
func ToComplex128(in []complex64) []complex128 {
	out := make([]complex128, len(in))
	for i, v := range in {
		out[i] = complex128(v)
	}
	return out
}

// ToComplex64 narrows processed samples to the device sample type.
func ToComplex64(in []complex128) []complex64 {
	out := make([]complex64, len(in))
	for i, v := range in {
		out[i] = complex64(v)
	}
	return out
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
