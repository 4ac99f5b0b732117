package processor

import (
	"image/color"

	"github.com/hrsage/sage/utils"
	"github.com/pkg/errors"
)

// InterpolateUint8 interpolates a byte between a and b at position i of
// a section of sectionLength steps.
func InterpolateUint8(a, b uint8, i, sectionLength int) uint8 {
	return uint8(int(a) + i*(int(b)-int(a))/sectionLength)
}

func InterpolateColor(a, b color.RGBA, i, sectionLength int) color.RGBA {
	return color.RGBA{InterpolateUint8(a.R, b.R, i, sectionLength),
		InterpolateUint8(a.G, b.G, i, sectionLength),
		InterpolateUint8(a.B, b.B, i, sectionLength),
		255}
}

// GradientRGBAPalette expands a palette to the 256 entry ramp the preview
// encoder indexes with scaled bytes. Without Interpolate the colours are
// laid out as equal steps.
func GradientRGBAPalette(palette *utils.Palette) ([]color.RGBA, error) {
	if palette == nil {
		return greyRamp(), nil
	}
	colours, err := palette.RGBA()
	if err != nil {
		return nil, err
	}
	if len(colours) < 2 {
		return nil, errors.New("palette must contain at least 2 colours")
	}

	ramp := make([]color.RGBA, 256)
	bins := len(colours)
	if palette.Interpolate {
		bins--
	}
	sectionLength := 256 / bins
	bonus := 256 - sectionLength*bins

	index := 0
	for section := 0; section < bins; section++ {
		steps := sectionLength
		if section < bonus {
			steps++
		}
		for i := 0; i < steps; i++ {
			if palette.Interpolate {
				ramp[index] = InterpolateColor(colours[section], colours[section+1], i, steps)
			} else {
				ramp[index] = colours[section]
			}
			index++
		}
	}
	return ramp, nil
}

func greyRamp() []color.RGBA {
	ramp := make([]color.RGBA, 256)
	for i := range ramp {
		ramp[i] = color.RGBA{uint8(i), uint8(i), uint8(i), 255}
	}
	return ramp
}
