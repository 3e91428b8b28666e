package specstore

import (
	"encoding/binary"
	"fmt"
	"math"
)

func encodeFlux(values []float64) []byte {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

func decodeFlux(buf []byte, n int) ([]float64, error) {
	if len(buf) != 8*n {
		return nil, fmt.Errorf("flux blob has %d bytes, want %d", len(buf), 8*n)
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return out, nil
}

func encodeValid(values []bool) []byte {
	buf := make([]byte, len(values))
	for i, v := range values {
		if v {
			buf[i] = 1
		}
	}
	return buf
}

func decodeValid(buf []byte, n int) ([]bool, error) {
	if len(buf) != n {
		return nil, fmt.Errorf("valid blob has %d bytes, want %d", len(buf), n)
	}
	out := make([]bool, n)
	for i, b := range buf {
		out[i] = b != 0
	}
	return out, nil
}
