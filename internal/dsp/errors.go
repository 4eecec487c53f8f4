package dsp

import "errors"

var (
	// ErrUnsupportedLength is returned when a length does not fit the
	// construction of the requested sequence kind or transform.
	ErrUnsupportedLength = errors.New("unsupported sequence length")
	// ErrInvalidBitLength is returned when a bit stream does not divide into
	// whole constellation symbols.
	ErrInvalidBitLength = errors.New("invalid bit length")
	// ErrUnsupportedModulation is returned for modulation orders without a
	// constellation.
	ErrUnsupportedModulation = errors.New("unsupported modulation")
	// ErrUnknownKind is returned for sequence kinds this package cannot build.
	ErrUnknownKind = errors.New("unknown sequence kind")
)
