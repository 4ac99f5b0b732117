package processor

import (
	"context"
	"math"
	"testing"

	"github.com/hrsage/sage/utils"
	"github.com/pkg/errors"
)

var nan = math.NaN()

func TestMergeRastersFirstWins(t *testing.T) {
	left := singleBand(utils.GeoTransform{0, 1, 0, 2, 0, -1}, 2, 2, 1, 2, 3, nan)
	right := singleBand(utils.GeoTransform{1, 1, 0, 2, 0, -1}, 2, 2, 10, 20, 30, 40)

	out, err := MergeRasters([]*utils.Float64Raster{left, right})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if out.Width != 3 || out.Height != 2 {
		t.Fatalf("expected a 3x2 mosaic, actual %dx%d", out.Width, out.Height)
	}
	if out.Transform != (utils.GeoTransform{0, 1, 0, 2, 0, -1}) {
		t.Errorf("unexpected transform %v", out.Transform)
	}
	assertFloats(t, out.Bands[0], []float64{1, 2, 20, 3, 30, 40})
	if !math.IsNaN(out.NoData) {
		t.Errorf("mosaic nodata should be NaN, got %v", out.NoData)
	}

	out, err = MergeRasters([]*utils.Float64Raster{right, left})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	assertFloats(t, out.Bands[0], []float64{1, 10, 20, 3, 30, 40})
}

func TestMergeRastersFinestResolution(t *testing.T) {
	coarse := singleBand(utils.GeoTransform{0, 2, 0, 2, 0, -2}, 1, 1, 5)
	fine := singleBand(utils.GeoTransform{0, 1, 0, 2, 0, -1}, 2, 2, nan, 1, 2, 3)

	out, err := MergeRasters([]*utils.Float64Raster{coarse, fine})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if out.Width != 2 || out.Height != 2 || out.Transform[1] != 1 || out.Transform[5] != -1 {
		t.Fatalf("expected a 2x2 grid at resolution 1, actual %dx%d %v", out.Width, out.Height, out.Transform)
	}
	assertFloats(t, out.Bands[0], []float64{5, 5, 5, 5})

	out, _ = MergeRasters([]*utils.Float64Raster{fine, coarse})
	assertFloats(t, out.Bands[0], []float64{5, 1, 2, 3})
}

func TestMergeRastersGaps(t *testing.T) {
	a := singleBand(utils.GeoTransform{0, 1, 0, 1, 0, -1}, 1, 1, 7)
	b := singleBand(utils.GeoTransform{2, 1, 0, 1, 0, -1}, 1, 1, 9)

	out, err := MergeRasters([]*utils.Float64Raster{a, b})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	assertFloats(t, out.Bands[0], []float64{7, nan, 9})

	swapped, err := MergeRasters([]*utils.Float64Raster{b, a})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if swapped.Width != out.Width || swapped.Height != out.Height || swapped.Transform != out.Transform {
		t.Errorf("input order changed the grid: %dx%d %v vs %dx%d %v",
			swapped.Width, swapped.Height, swapped.Transform, out.Width, out.Height, out.Transform)
	}
	assertFloats(t, swapped.Bands[0], out.Bands[0])
}

func TestMergeRastersOrderIndependent(t *testing.T) {
	// disjoint two band tiles, one at a finer resolution
	a := &utils.Float64Raster{
		Bands:     [][]float64{{1, 2, 3, 4}, {5, 6, 7, 8}},
		Width:     2,
		Height:    2,
		NoData:    nan,
		Transform: utils.GeoTransform{0, 0.5, 0, 1, 0, -0.5},
	}
	b := &utils.Float64Raster{
		Bands:     [][]float64{{9}, {10}},
		Width:     1,
		Height:    1,
		NoData:    nan,
		Transform: utils.GeoTransform{2, 1, 0, 0, 0, -1},
	}

	ab, err := MergeRasters([]*utils.Float64Raster{a, b})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	ba, err := MergeRasters([]*utils.Float64Raster{b, a})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if ab.Width != 6 || ab.Height != 4 {
		t.Fatalf("expected a 6x4 mosaic, actual %dx%d", ab.Width, ab.Height)
	}
	if ab.Width != ba.Width || ab.Height != ba.Height || ab.Transform != ba.Transform {
		t.Fatalf("input order changed the grid: %v vs %v", ab.Transform, ba.Transform)
	}
	for band := range ab.Bands {
		assertFloats(t, ba.Bands[band], ab.Bands[band])
	}
}

func TestMergeRastersCellLimit(t *testing.T) {
	a := singleBand(utils.GeoTransform{0, 1, 0, 1, 0, -1}, 1, 1, 1)
	b := singleBand(utils.GeoTransform{1e6, 1, 0, 1, 0, -1}, 1, 1, 2)

	_, err := MergeRastersLimit([]*utils.Float64Raster{a, b}, 1000)
	if !errors.Is(err, utils.ErrInvalidConfig) {
		t.Fatalf("expected an oversized mosaic to be refused, got %v", err)
	}

	// far apart on both axes: refused by the default limit before allocating
	c := singleBand(utils.GeoTransform{1e6, 1, 0, -1e6, 0, -1}, 1, 1, 3)
	if _, err := MergeRasters([]*utils.Float64Raster{a, c}); !errors.Is(err, utils.ErrInvalidConfig) {
		t.Errorf("expected the default limit to refuse a 1e12 cell mosaic, got %v", err)
	}

	out, err := MergeRastersLimit([]*utils.Float64Raster{a, b}, 2000000)
	if err != nil {
		t.Fatalf("merge within the limit failed: %v", err)
	}
	if out.Width != 1000001 || out.Height != 1 {
		t.Errorf("unexpected mosaic shape %dx%d", out.Width, out.Height)
	}

	errChan := make(chan error, 10)
	m := NewRasterMerger(context.Background(), errChan)
	m.MaxCells = 1000
	go m.Run()
	m.In <- &DecodedRaster{Raster: a}
	m.In <- &DecodedRaster{Index: 1, Raster: b}
	close(m.In)
	if _, ok := <-m.Out; ok {
		t.Errorf("oversized mosaic should not be emitted")
	}
	if err := <-errChan; !errors.Is(err, utils.ErrInvalidConfig) {
		t.Errorf("expected the merger to report the cell limit, got %v", err)
	}
}

func TestMergeRastersNumericNoData(t *testing.T) {
	a := &utils.Float64Raster{
		Bands:     [][]float64{{-9999, 1}, {-9999, -9999}},
		Width:     2,
		Height:    1,
		NoData:    -9999,
		Transform: utils.GeoTransform{0, 1, 0, 1, 0, -1},
	}
	b := &utils.Float64Raster{
		Bands:     [][]float64{{4, 5}, {6, 7}},
		Width:     2,
		Height:    1,
		NoData:    nan,
		Transform: utils.GeoTransform{0, 1, 0, 1, 0, -1},
	}
	out, err := MergeRasters([]*utils.Float64Raster{a, b})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	// cell 1 of a has data in band 1 only; both of its bands are taken
	assertFloats(t, out.Bands[0], []float64{4, 1})
	assertFloats(t, out.Bands[1], []float64{6, nan})
}

func TestMergeRastersExcludesInvalid(t *testing.T) {
	rotated := singleBand(utils.GeoTransform{0, 1, 0.5, 1, 0, -1}, 1, 1, 1)
	broken := singleBand(utils.GeoTransform{0, 1, 0, 1, 0, -1}, 2, 2, 1)

	_, err := MergeRasters([]*utils.Float64Raster{nil, rotated, broken})
	if !errors.Is(err, utils.ErrNoInputData) {
		t.Fatalf("expected ErrNoInputData, got %v", err)
	}
	if utils.HTTPStatus(err) != 404 {
		t.Errorf("no input data is served as 404, got %d", utils.HTTPStatus(err))
	}

	good := singleBand(utils.GeoTransform{0, 1, 0, 1, 0, -1}, 1, 1, 3)
	twoBands := &utils.Float64Raster{Bands: [][]float64{{8}, {9}}, Width: 1, Height: 1, NoData: nan, Transform: good.Transform}
	out, err := MergeRasters([]*utils.Float64Raster{rotated, good, twoBands})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if len(out.Bands) != 1 {
		t.Errorf("band count follows the first valid input, got %d", len(out.Bands))
	}
	assertFloats(t, out.Bands[0], []float64{3})
}

func TestRasterMergerStage(t *testing.T) {
	errChan := make(chan error, 10)
	m := NewRasterMerger(context.Background(), errChan)
	go m.Run()
	close(m.In)
	if _, ok := <-m.Out; ok {
		t.Errorf("merger without input should not emit")
	}
	select {
	case err := <-errChan:
		if !errors.Is(err, utils.ErrNoInputData) {
			t.Errorf("expected ErrNoInputData, got %v", err)
		}
	default:
		t.Errorf("merger without input should report an error")
	}
}
