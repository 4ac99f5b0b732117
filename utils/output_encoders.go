package utils

import (
	"bytes"
	"image/color"

	"github.com/fogleman/gg"
	"github.com/pkg/errors"
)

// EncodePNG renders a scaled byte raster through a 256 entry colour ramp.
// 0xFF cells stay transparent.
func EncodePNG(br *ByteRaster, ramp []color.RGBA) ([]byte, error) {
	if br == nil || br.Width <= 0 || br.Height <= 0 {
		return nil, errors.New("cannot encode an empty raster as PNG")
	}
	if len(ramp) != 256 {
		return nil, errors.Errorf("colour ramp has %d entries, expected 256", len(ramp))
	}
	dc := gg.NewContext(br.Width, br.Height)
	for y := 0; y < br.Height; y++ {
		for x := 0; x < br.Width; x++ {
			v := br.Data[y*br.Width+x]
			if v == 0xFF {
				continue
			}
			dc.SetColor(ramp[v])
			dc.SetPixel(x, y)
		}
	}
	buf := new(bytes.Buffer)
	err := dc.EncodePNG(buf)
	return buf.Bytes(), err
}

// EncodeClassPNG renders class codes with one colour per code. Codes
// missing from colours, including background 0, stay transparent.
func EncodeClassPNG(br *ByteRaster, colours map[uint8]color.RGBA) ([]byte, error) {
	if br == nil || br.Width <= 0 || br.Height <= 0 {
		return nil, errors.New("cannot encode an empty raster as PNG")
	}
	dc := gg.NewContext(br.Width, br.Height)
	for y := 0; y < br.Height; y++ {
		for x := 0; x < br.Width; x++ {
			c, ok := colours[br.Data[y*br.Width+x]]
			if !ok {
				continue
			}
			dc.SetColor(c)
			dc.SetPixel(x, y)
		}
	}
	buf := new(bytes.Buffer)
	err := dc.EncodePNG(buf)
	return buf.Bytes(), err
}
