package processor

import (
	"context"
	"math"

	"github.com/hrsage/sage/utils"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// MergeRasters mosaics rasters onto the union of their extents at the
// finest input resolution. Where inputs overlap, the first raster in
// slice order holding data at a cell wins and all of its bands are
// copied. Output cells without data are NaN.
func MergeRasters(rasters []*utils.Float64Raster) (*utils.Float64Raster, error) {
	return MergeRastersLimit(rasters, utils.DefaultMaxMosaicCells)
}

// MergeRastersLimit is MergeRasters refusing output grids of more than
// maxCells cells. maxCells <= 0 selects the default.
func MergeRastersLimit(rasters []*utils.Float64Raster, maxCells int) (*utils.Float64Raster, error) {
	if maxCells <= 0 {
		maxCells = utils.DefaultMaxMosaicCells
	}
	var inputs []*utils.Float64Raster
	for i, r := range rasters {
		if r == nil {
			continue
		}
		if err := r.Validate(); err != nil {
			zap.L().Warn("excluding raster from mosaic", zap.Int("input", i), zap.Error(err))
			continue
		}
		if !r.Transform.NorthUp() {
			zap.L().Warn("excluding rotated raster from mosaic", zap.Int("input", i))
			continue
		}
		if len(inputs) > 0 {
			first := inputs[0]
			if len(r.Bands) != len(first.Bands) {
				zap.L().Warn("excluding raster with a different band count from mosaic",
					zap.Int("input", i), zap.Int("bands", len(r.Bands)), zap.Int("expected", len(first.Bands)))
				continue
			}
			if r.CRS != first.CRS {
				zap.L().Warn("merging rasters with different CRS", zap.Int("input", i))
			}
		}
		inputs = append(inputs, r)
	}
	if len(inputs) == 0 {
		return nil, errors.Wrap(utils.ErrNoInputData, "no valid rasters to mosaic")
	}

	bounds := inputs[0].Transform.Extent(inputs[0].Width, inputs[0].Height)
	xRes, yRes := math.Inf(1), math.Inf(1)
	for _, r := range inputs {
		b := r.Transform.Extent(r.Width, r.Height)
		bounds.MinX = math.Min(bounds.MinX, b.MinX)
		bounds.MinY = math.Min(bounds.MinY, b.MinY)
		bounds.MaxX = math.Max(bounds.MaxX, b.MaxX)
		bounds.MaxY = math.Max(bounds.MaxY, b.MaxY)
		xRes = math.Min(xRes, math.Abs(r.Transform[1]))
		yRes = math.Min(yRes, math.Abs(r.Transform[5]))
	}

	// sized in float so a far-flung input cannot overflow int
	cols := cellSpan(bounds.MaxX-bounds.MinX, xRes)
	rows := cellSpan(bounds.MaxY-bounds.MinY, yRes)
	if !(cols*rows <= float64(maxCells)) {
		return nil, errors.Wrapf(utils.ErrInvalidConfig, "mosaic of %.0fx%.0f cells exceeds max_mosaic_cells %d", cols, rows, maxCells)
	}
	width, height := int(cols), int(rows)
	nBands := len(inputs[0].Bands)
	out := &utils.Float64Raster{
		Bands:     make([][]float64, nBands),
		Width:     width,
		Height:    height,
		NoData:    math.NaN(),
		Transform: utils.GeoTransform{bounds.MinX, xRes, 0, bounds.MaxY, 0, -yRes},
		CRS:       inputs[0].CRS,
	}
	for b := range out.Bands {
		out.Bands[b] = make([]float64, width*height)
		for i := range out.Bands[b] {
			out.Bands[b][i] = math.NaN()
		}
	}

	filled := make([]bool, width*height)
	for _, r := range inputs {
		inv, err := r.Transform.Invert()
		if err != nil {
			continue
		}
		// restrict the scan to the output window covered by this input
		b := r.Transform.Extent(r.Width, r.Height)
		col0 := clampInt(int(math.Floor((b.MinX-bounds.MinX)/xRes)), 0, width)
		col1 := clampInt(int(math.Ceil((b.MaxX-bounds.MinX)/xRes)), 0, width)
		row0 := clampInt(int(math.Floor((bounds.MaxY-b.MaxY)/yRes)), 0, height)
		row1 := clampInt(int(math.Ceil((bounds.MaxY-b.MinY)/yRes)), 0, height)

		for row := row0; row < row1; row++ {
			for col := col0; col < col1; col++ {
				o := row*width + col
				if filled[o] {
					continue
				}
				x, y := out.Transform.PixelCentre(row, col)
				fc, fr := inv.Apply(x, y)
				sc, sr := int(math.Floor(fc)), int(math.Floor(fr))
				if sc < 0 || sr < 0 || sc >= r.Width || sr >= r.Height {
					continue
				}
				s := sr*r.Width + sc
				if !cellHasData(r, s) {
					continue
				}
				for band := range r.Bands {
					v := r.Bands[band][s]
					if !r.HasData(v) || math.IsInf(v, 0) {
						v = math.NaN()
					}
					out.Bands[band][o] = v
				}
				filled[o] = true
			}
		}
	}
	return out, nil
}

func cellHasData(r *utils.Float64Raster, i int) bool {
	for _, band := range r.Bands {
		if v := band[i]; r.HasData(v) && !math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

// cellSpan is the number of res sized cells covering span, tolerating
// floating point noise in the extent.
func cellSpan(span, res float64) float64 {
	return math.Max(1, math.Ceil(span/res-1e-6))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// RasterMerger collects the decoded rasters of a request and emits their
// mosaic.
type RasterMerger struct {
	Context  context.Context
	MaxCells int
	In       chan *DecodedRaster
	Out      chan *utils.Float64Raster
	Error    chan error
}

func NewRasterMerger(ctx context.Context, errChan chan error) *RasterMerger {
	return &RasterMerger{
		Context: ctx,
		In:      make(chan *DecodedRaster, 100),
		Out:     make(chan *utils.Float64Raster, 1),
		Error:   errChan,
	}
}

func (m *RasterMerger) Run() {
	defer close(m.Out)

	var rasters []*utils.Float64Raster
	for d := range m.In {
		rasters = append(rasters, d.Raster)
	}
	if err := m.Context.Err(); err != nil {
		sendError(m.Error, err)
		return
	}

	mosaic, err := MergeRastersLimit(rasters, m.MaxCells)
	if err != nil {
		sendError(m.Error, err)
		return
	}
	m.Out <- mosaic
}
