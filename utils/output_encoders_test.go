package utils

import (
	"bytes"
	"image/color"
	"image/png"
	"testing"
)

func TestEncodeClassPNG(t *testing.T) {
	br := &ByteRaster{Data: []uint8{0, 1, 2, 1}, Width: 2, Height: 2}
	colours := map[uint8]color.RGBA{
		1: {R: 255, A: 255},
		2: {G: 255, A: 255},
	}
	out, err := EncodeClassPNG(br, colours)
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("output is not a PNG: %v", err)
	}
	if _, _, _, a := img.At(0, 0).RGBA(); a != 0 {
		t.Errorf("background cell should be transparent")
	}
	if r, _, _, a := img.At(1, 0).RGBA(); r != 0xffff || a != 0xffff {
		t.Errorf("class 1 cell should be opaque red")
	}
	if _, g, _, _ := img.At(0, 1).RGBA(); g != 0xffff {
		t.Errorf("class 2 cell should be green")
	}
}

func TestEncodePNG(t *testing.T) {
	ramp := make([]color.RGBA, 256)
	for i := range ramp {
		ramp[i] = color.RGBA{R: uint8(i), A: 255}
	}
	br := &ByteRaster{Data: []uint8{10, 0xFF}, Width: 2, Height: 1}
	out, err := EncodePNG(br, ramp)
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("output is not a PNG: %v", err)
	}
	if r, _, _, _ := img.At(0, 0).RGBA(); r>>8 != 10 {
		t.Errorf("unexpected red channel %d", r>>8)
	}
	if _, _, _, a := img.At(1, 0).RGBA(); a != 0 {
		t.Errorf("nodata cell should be transparent")
	}

	if _, err := EncodePNG(br, ramp[:10]); err == nil {
		t.Errorf("short ramp accepted")
	}
}
