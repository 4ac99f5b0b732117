package utils

import (
	"math"

	"github.com/pkg/errors"
)

// GeoTransform is a GDAL style affine transform:
// x = gt[0] + col*gt[1] + row*gt[2], y = gt[3] + col*gt[4] + row*gt[5].
type GeoTransform [6]float64

// Apply maps fractional pixel coordinates to georeferenced coordinates.
func (gt GeoTransform) Apply(col, row float64) (x, y float64) {
	x = gt[0] + col*gt[1] + row*gt[2]
	y = gt[3] + col*gt[4] + row*gt[5]
	return
}

// PixelCentre returns the georeferenced centre of cell (row, col).
func (gt GeoTransform) PixelCentre(row, col int) (x, y float64) {
	return gt.Apply(float64(col)+0.5, float64(row)+0.5)
}

// Invert returns the transform mapping georeferenced coordinates back
// to fractional pixel coordinates.
func (gt GeoTransform) Invert() (GeoTransform, error) {
	det := gt[1]*gt[5] - gt[2]*gt[4]
	if det == 0 || math.IsNaN(det) || math.IsInf(det, 0) {
		return GeoTransform{}, errors.Errorf("geotransform %v is not invertible", [6]float64(gt))
	}
	inv := 1 / det
	var out GeoTransform
	out[1] = gt[5] * inv
	out[4] = -gt[4] * inv
	out[2] = -gt[2] * inv
	out[5] = gt[1] * inv
	out[0] = (gt[2]*gt[3] - gt[0]*gt[5]) * inv
	out[3] = (-gt[1]*gt[3] + gt[0]*gt[4]) * inv
	return out, nil
}

// NorthUp reports whether the transform carries no rotation terms.
func (gt GeoTransform) NorthUp() bool {
	return gt[2] == 0 && gt[4] == 0
}

// Bounds is an axis aligned extent in the raster's CRS.
type Bounds struct {
	MinX, MinY, MaxX, MaxY float64
}

// Extent returns the footprint of a width x height grid under the transform.
func (gt GeoTransform) Extent(width, height int) Bounds {
	b := Bounds{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
	for _, c := range [][2]float64{{0, 0}, {float64(width), 0}, {0, float64(height)}, {float64(width), float64(height)}} {
		x, y := gt.Apply(c[0], c[1])
		b.MinX = math.Min(b.MinX, x)
		b.MaxX = math.Max(b.MaxX, x)
		b.MinY = math.Min(b.MinY, y)
		b.MaxY = math.Max(b.MaxY, y)
	}
	return b
}

// Float64Raster holds every band of a decoded raster as float64 samples.
// Cells equal to NoData, or NaN, carry no data.
type Float64Raster struct {
	Bands         [][]float64
	Height, Width int
	NoData        float64
	Transform     GeoTransform
	CRS           string
}

// HasData reports whether v is a real sample for this raster.
func (r *Float64Raster) HasData(v float64) bool {
	return !math.IsNaN(v) && v != r.NoData
}

// Validate checks the shape invariants of the raster.
func (r *Float64Raster) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return errors.Errorf("raster has empty shape %dx%d", r.Width, r.Height)
	}
	if len(r.Bands) == 0 {
		return errors.New("raster has no bands")
	}
	for i, b := range r.Bands {
		if len(b) != r.Width*r.Height {
			return errors.Errorf("band %d holds %d samples, expected %d", i+1, len(b), r.Width*r.Height)
		}
	}
	if _, err := r.Transform.Invert(); err != nil {
		return err
	}
	return nil
}

// ByteRaster is a single band of 8-bit samples sharing the georeference
// of the raster it was derived from.
type ByteRaster struct {
	Data          []uint8
	Height, Width int
	NoData        float64
	Transform     GeoTransform
	CRS           string
}
