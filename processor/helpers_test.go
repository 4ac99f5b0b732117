package processor

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/hrsage/sage/utils"
	"github.com/pkg/errors"
)

// memStore serves ids from memory. fails makes an id fail that many times
// before succeeding.
type memStore struct {
	mu    sync.Mutex
	data  map[string][]byte
	fails map[string]int
	delay map[string]time.Duration
	calls map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		data:  map[string][]byte{},
		fails: map[string]int{},
		delay: map[string]time.Duration{},
		calls: map[string]int{},
	}
}

func (s *memStore) Fetch(ctx context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	s.calls[id]++
	d := s.delay[id]
	failing := s.fails[id] > 0
	if failing {
		s.fails[id]--
	}
	data, ok := s.data[id]
	s.mu.Unlock()

	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failing {
		return nil, errors.New("transient failure")
	}
	if !ok {
		return nil, errors.Wrapf(utils.ErrSourceNotFound, "%s", id)
	}
	return data, nil
}

func (s *memStore) callCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

// mapDecoder decodes the payload by looking it up by content.
type mapDecoder map[string]*utils.Float64Raster

func (d mapDecoder) Decode(data []byte) (*utils.Float64Raster, error) {
	r, ok := d[string(data)]
	if !ok {
		return nil, errors.Errorf("cannot decode %q", data)
	}
	return r, nil
}

func singleBand(gt utils.GeoTransform, width, height int, values ...float64) *utils.Float64Raster {
	return &utils.Float64Raster{
		Bands:     [][]float64{values},
		Width:     width,
		Height:    height,
		NoData:    math.NaN(),
		Transform: gt,
		CRS:       "EPSG:4326",
	}
}

func uniform(width, height int, v float64) []float64 {
	out := make([]float64, width*height)
	for i := range out {
		out[i] = v
	}
	return out
}

func stackOf(gt utils.GeoTransform, width, height int, layers map[string][]float64) *IndexStack {
	s := &IndexStack{Width: width, Height: height, Transform: gt, CRS: "EPSG:4326"}
	for _, name := range []string{"ndvi", "evi", "n_tallmonths"} {
		if l, ok := layers[name]; ok {
			s.Names = append(s.Names, name)
			s.Layers = append(s.Layers, l)
		}
	}
	return s
}

func assertFloats(t *testing.T, actual, expected []float64) {
	t.Helper()
	if len(actual) != len(expected) {
		t.Fatalf("expecting %v, actual %v", expected, actual)
	}
	for i := range expected {
		if math.IsNaN(expected[i]) && math.IsNaN(actual[i]) {
			continue
		}
		if math.Abs(actual[i]-expected[i]) > 1e-9 {
			t.Fatalf("expecting %v, actual %v", expected, actual)
		}
	}
}
