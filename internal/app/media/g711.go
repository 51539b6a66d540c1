package media

import "math"

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// linearToULaw is the G.711 mu-law compander.
func linearToULaw(sample int16) byte {
	v := int(sample)
	sign := 0
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > ulawClip {
		v = ulawClip
	}
	v += ulawBias
	exponent := 7
	for mask := 0x4000; v&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (v >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

func ulawToLinear(b byte) int16 {
	u := ^b
	sign := u & 0x80
	exponent := int(u>>4) & 0x07
	mantissa := int(u & 0x0F)
	v := ((mantissa << 3) + ulawBias) << exponent
	v -= ulawBias
	if sign != 0 {
		return int16(-v)
	}
	return int16(v)
}

// DecodeULaw expands a PCMU payload into samples in [-1, 1]. dst is grown
// when too short.
func DecodeULaw(payload []byte, dst []float64) []float64 {
	if cap(dst) < len(payload) {
		dst = make([]float64, len(payload))
	}
	dst = dst[:len(payload)]
	for i, b := range payload {
		dst[i] = float64(ulawToLinear(b)) / math.MaxInt16
	}
	return dst
}
