package processor

import (
	"image/color"

	"github.com/hrsage/sage/utils"
)

// EncodeClasses writes the class code of every cell on the stack grid.
// Masked, unmatched and background cells are 0, the same codes
// ExtractPoints assigns to the points it emits.
func EncodeClasses(stack *IndexStack, mask *Mask, clf *Classifier) (*utils.ByteRaster, error) {
	it, err := NewCellIterator(stack, clf.Inputs())
	if err != nil {
		return nil, err
	}
	out := &utils.ByteRaster{
		Data:      make([]uint8, stack.Width*stack.Height),
		Width:     stack.Width,
		Height:    stack.Height,
		Transform: stack.Transform,
		CRS:       stack.CRS,
	}
	for it.Next() {
		cell := it.Cell()
		i := cell.Row*stack.Width + cell.Col
		if !mask.Passes(i) {
			continue
		}
		if class, ok := clf.Classify(cell.Values); ok {
			out.Data[i] = class.Code
		}
	}
	return out, nil
}

// ClassColours maps each non-background code to its colour for PNG
// overlays.
func ClassColours(clf *Classifier) map[uint8]color.RGBA {
	out := make(map[uint8]color.RGBA, len(clf.Classes()))
	for _, c := range clf.Classes() {
		out[c.Code] = c.Colour
	}
	return out
}
