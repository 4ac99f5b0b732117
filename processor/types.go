package processor

import (
	"github.com/hrsage/sage/utils"
)

// Stage selects how far a classify request runs through the pipeline.
type Stage int

const (
	StageMosaic Stage = iota
	StageIndices
	StagePoints
	StageRaster
)

var stageNames = [...]string{"mosaic", "indices", "points", "raster"}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}

type ClassifyRequest struct {
	Layer    *Layer
	Files    []string
	Stage    Stage
	Fetch    FetchOptions
	MaxCells int
}

type FetchedRaster struct {
	Index int
	ID    string
	Data  []byte
}

type DecodedRaster struct {
	Index  int
	ID     string
	Raster *utils.Float64Raster
}

// IndexStack holds the derived indices of a mosaic, one layer per name,
// sharing the mosaic grid.
type IndexStack struct {
	Names         []string
	Layers        [][]float64
	Height, Width int
	Transform     utils.GeoTransform
	CRS           string
}

func (s *IndexStack) Layer(name string) ([]float64, bool) {
	for i, n := range s.Names {
		if n == name {
			return s.Layers[i], true
		}
	}
	return nil, false
}

// Mask marks the cells that passed every active check.
type Mask struct {
	Pass          []bool
	Height, Width int
}

func (m *Mask) Passes(i int) bool {
	return m == nil || m.Pass[i]
}

func (m *Mask) Count() int {
	n := 0
	for _, p := range m.Pass {
		if p {
			n++
		}
	}
	return n
}

type ClassifiedPoint struct {
	Lat    float64            `json:"lat"`
	Lon    float64            `json:"lng"`
	Label  string             `json:"label"`
	Color  string             `json:"color"`
	Code   uint8              `json:"code"`
	Values map[string]float64 `json:"values"`
}

type PointSet struct {
	Points  []ClassifiedPoint `json:"points"`
	Summary map[string]int    `json:"summary"`
	Skipped int               `json:"-"`
}

func newPointSet(clf *Classifier) *PointSet {
	ps := &PointSet{Points: []ClassifiedPoint{}, Summary: map[string]int{}}
	for _, c := range clf.Classes() {
		ps.Summary[c.Label] = 0
	}
	return ps
}

func (ps *PointSet) add(p ClassifiedPoint) {
	ps.Points = append(ps.Points, p)
	ps.Summary[p.Label]++
}

type ClassifyResult struct {
	Mosaic  *utils.Float64Raster
	Indices *IndexStack
	Mask    *Mask
	Points  *PointSet
	Classes *utils.ByteRaster
}
