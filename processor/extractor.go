package processor

import (
	"context"
	"math"

	"github.com/hrsage/sage/utils"
	"github.com/pkg/errors"
)

// CoordTransformer projects coordinates in place. Points it cannot
// project are set to NaN.
type CoordTransformer interface {
	Transform(xs, ys []float64) error
}

type Cell struct {
	Row, Col int
	Values   []float64
}

// CellIterator walks the cells of a stack in row-major order, yielding
// the values of the selected layers. The Values slice of the returned
// cell is reused between calls.
type CellIterator struct {
	layers [][]float64
	width  int
	total  int
	next   int
	cell   Cell
}

func NewCellIterator(stack *IndexStack, names []string) (*CellIterator, error) {
	it := &CellIterator{width: stack.Width, total: stack.Width * stack.Height}
	for _, name := range names {
		layer, ok := stack.Layer(name)
		if !ok {
			return nil, errors.Wrapf(utils.ErrInvalidConfig, "classifier input %q is not derived", name)
		}
		it.layers = append(it.layers, layer)
	}
	it.cell.Values = make([]float64, len(names))
	return it, nil
}

func (it *CellIterator) Next() bool {
	if it.next >= it.total {
		return false
	}
	i := it.next
	it.cell.Row, it.cell.Col = i/it.width, i%it.width
	for k, layer := range it.layers {
		it.cell.Values[k] = layer[i]
	}
	it.next++
	return true
}

func (it *CellIterator) Cell() Cell {
	return it.cell
}

func (it *CellIterator) Reset() {
	it.next = 0
}

// ExtractPoints emits one point per cell that passes mask and classifies
// as a non-background class. Coordinates are pixel centres, projected
// with proj when it is not nil. Cells landing outside the lat/lon domain
// are counted in Skipped.
func ExtractPoints(ctx context.Context, stack *IndexStack, mask *Mask, clf *Classifier, proj CoordTransformer) (*PointSet, error) {
	inputs := clf.Inputs()
	it, err := NewCellIterator(stack, inputs)
	if err != nil {
		return nil, err
	}
	ps := newPointSet(clf)

	var (
		rowCells []ClassifiedPoint
		xs, ys   []float64
	)
	flush := func() error {
		if len(rowCells) == 0 {
			return nil
		}
		if proj != nil {
			if err := proj.Transform(xs, ys); err != nil {
				return err
			}
		}
		for k, p := range rowCells {
			lon, lat := xs[k], ys[k]
			if !validLatLon(lat, lon) {
				ps.Skipped++
				continue
			}
			p.Lat, p.Lon = lat, lon
			ps.add(p)
		}
		rowCells, xs, ys = rowCells[:0], xs[:0], ys[:0]
		return nil
	}

	row := -1
	for it.Next() {
		cell := it.Cell()
		if cell.Row != row {
			if err := flush(); err != nil {
				return nil, err
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			row = cell.Row
		}
		if !mask.Passes(cell.Row*stack.Width + cell.Col) {
			continue
		}
		class, ok := clf.Classify(cell.Values)
		if !ok {
			continue
		}

		values := make(map[string]float64, len(inputs))
		for k, name := range inputs {
			if v := cell.Values[k]; !math.IsNaN(v) && !math.IsInf(v, 0) {
				values[name] = v
			}
		}
		x, y := stack.Transform.PixelCentre(cell.Row, cell.Col)
		xs, ys = append(xs, x), append(ys, y)
		rowCells = append(rowCells, ClassifiedPoint{Label: class.Label, Color: class.ColourName, Code: class.Code, Values: values})
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return ps, nil
}

func validLatLon(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
