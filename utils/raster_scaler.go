package utils

import (
	"math"

	"github.com/pkg/errors"
)

type ScaleParams struct {
	Offset float64
	Scale  float64
	Clip   float64
}

// ScaleBand converts float samples to bytes as (v+Offset) clipped to
// [0, Clip] and multiplied by Scale. Cells without data become 0xFF.
func ScaleBand(data []float64, width, height int, params ScaleParams) (*ByteRaster, error) {
	if len(data) != width*height {
		return nil, errors.Errorf("band holds %d samples, expected %d", len(data), width*height)
	}
	out := &ByteRaster{NoData: 0xFF, Data: make([]uint8, len(data)), Width: width, Height: height}
	for i, value := range data {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			out.Data[i] = 0xFF
			continue
		}
		value += params.Offset
		if value > params.Clip {
			value = params.Clip
		}
		if value < 0 {
			value = 0
		}
		scaled := value * params.Scale
		if scaled > 254 {
			scaled = 254
		}
		out.Data[i] = uint8(scaled)
	}
	return out, nil
}

// Rescale255 stretches the valid cells of data linearly onto 0..255 using
// their min and max. Invalid cells are left at 0. A constant input maps
// to 0 everywhere.
func Rescale255(data []float64, valid []bool) []uint8 {
	out := make([]uint8, len(data))
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, v := range data {
		if !valid[i] {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	span := hi - lo
	if !(span > 0) {
		return out
	}
	for i, v := range data {
		if valid[i] {
			out[i] = uint8(math.Round((v - lo) / span * 255))
		}
	}
	return out
}
