package broker

import (
	"fmt"
	"io"
)

// MaxRemainingLength is the largest value a four byte remaining-length field can carry.
const MaxRemainingLength = 268435455

const (
	maxLengthBytes   = 4
	continuationBit  = 0x80
	lengthValueMask  = 0x7F
	lengthGroupShift = 7
)

// EncodeLength encodes n as an MQTT remaining-length field: seven bits per
// byte, least significant group first, high bit set on every byte but the last.
func EncodeLength(n int) ([]byte, error) {
	if n < 0 || n > MaxRemainingLength {
		return nil, fmt.Errorf("%w: %d", ErrLengthTooLarge, n)
	}

	out := make([]byte, 0, maxLengthBytes)
	for {
		b := byte(n & lengthValueMask)
		n >>= lengthGroupShift
		if n > 0 {
			b |= continuationBit
		}
		out = append(out, b)
		if n == 0 {
			return out, nil
		}
	}
}

// DecodeLength reads a remaining-length field from r.
//
// Returns the decoded value and the number of bytes consumed. A fourth byte
// that still carries the continuation bit yields ErrMalformedLength.
func DecodeLength(r io.ByteReader) (n int, consumed int, err error) {
	multiplier := 1
	for consumed < maxLengthBytes {
		b, err := r.ReadByte()
		if err != nil {
			return 0, consumed, err
		}
		consumed++
		n += int(b&lengthValueMask) * multiplier
		if b&continuationBit == 0 {
			return n, consumed, nil
		}
		multiplier <<= lengthGroupShift
	}
	return 0, consumed, ErrMalformedLength
}
