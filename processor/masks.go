package processor

import (
	"context"
	"math"
	"runtime"

	"github.com/hrsage/sage/utils"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
)

type TextureOptions struct {
	Radius    int
	Threshold float64
}

type TerrainOptions struct {
	Threshold float64
}

// MaskOptions selects the checks a cell must pass. The value range is
// always applied to Index; texture and terrain are optional.
type MaskOptions struct {
	Index    string
	ValidMin float64
	ValidMax float64
	Texture  *TextureOptions
	Terrain  *TerrainOptions
	Workers  int
}

// BuildMask returns the cells where every stack layer is finite, Index
// lies in [ValidMin, ValidMax] and the optional texture and terrain
// checks pass. Texture and terrain are computed over row bands in
// parallel, each band reading neighbours from the full image.
func BuildMask(ctx context.Context, stack *IndexStack, opts MaskOptions) (*Mask, error) {
	index, ok := stack.Layer(opts.Index)
	if !ok {
		return nil, errors.Wrapf(utils.ErrInvalidConfig, "mask index %q is not derived", opts.Index)
	}
	w, h := stack.Width, stack.Height
	mask := &Mask{Pass: make([]bool, w*h), Width: w, Height: h}

	for i, v := range index {
		if math.IsNaN(v) || v < opts.ValidMin || v > opts.ValidMax {
			continue
		}
		pass := true
		for _, layer := range stack.Layers {
			if math.IsNaN(layer[i]) || math.IsInf(layer[i], 0) {
				pass = false
				break
			}
		}
		mask.Pass[i] = pass
	}
	if opts.Texture == nil && opts.Terrain == nil {
		return mask, nil
	}

	valid := make([]bool, len(mask.Pass))
	copy(valid, mask.Pass)
	var rescaled []uint8
	var disk [][2]int
	if opts.Texture != nil {
		rescaled = utils.Rescale255(index, valid)
		disk = diskOffsets(opts.Texture.Radius)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	rowsPerBand := (h + workers - 1) / workers
	if rowsPerBand < 1 {
		rowsPerBand = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for start := 0; start < h; start += rowsPerBand {
		r0, r1 := start, start+rowsPerBand
		if r1 > h {
			r1 = h
		}
		g.Go(func() error {
			hist := make([]float64, 256)
			probs := make([]float64, 0, 256)
			for row := r0; row < r1; row++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				for col := 0; col < w; col++ {
					i := row*w + col
					if !valid[i] {
						continue
					}
					if opts.Texture != nil {
						e := localEntropy(rescaled, valid, w, h, row, col, disk, hist, probs)
						if !(e > opts.Texture.Threshold) {
							mask.Pass[i] = false
							continue
						}
					}
					if opts.Terrain != nil {
						if !(gradientMagnitude(index, w, h, row, col) < opts.Terrain.Threshold) {
							mask.Pass[i] = false
						}
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return mask, nil
}

// diskOffsets lists the (drow, dcol) offsets within radius r.
func diskOffsets(r int) [][2]int {
	var out [][2]int
	for dr := -r; dr <= r; dr++ {
		for dc := -r; dc <= r; dc++ {
			if dr*dr+dc*dc <= r*r {
				out = append(out, [2]int{dr, dc})
			}
		}
	}
	return out
}

// localEntropy is the Shannon entropy in bits of the rescaled values of
// the valid cells inside the disk around (row, col).
func localEntropy(img []uint8, valid []bool, w, h, row, col int, disk [][2]int, hist, probs []float64) float64 {
	for i := range hist {
		hist[i] = 0
	}
	n := 0
	for _, d := range disk {
		r, c := row+d[0], col+d[1]
		if r < 0 || c < 0 || r >= h || c >= w {
			continue
		}
		j := r*w + c
		if !valid[j] {
			continue
		}
		hist[img[j]]++
		n++
	}
	if n == 0 {
		return 0
	}
	probs = probs[:0]
	for _, count := range hist {
		if count > 0 {
			probs = append(probs, count/float64(n))
		}
	}
	return stat.Entropy(probs) / math.Ln2
}

// gradientMagnitude uses central differences inside the grid and one
// sided differences on its edges. Any NaN neighbour yields NaN.
func gradientMagnitude(data []float64, w, h, row, col int) float64 {
	diff := func(at func(int) float64, pos, size int) float64 {
		switch {
		case size < 2:
			return 0
		case pos == 0:
			return at(1) - at(0)
		case pos == size-1:
			return at(size-1) - at(size-2)
		default:
			return (at(pos+1) - at(pos-1)) / 2
		}
	}
	gx := diff(func(c int) float64 { return data[row*w+c] }, col, w)
	gy := diff(func(r int) float64 { return data[r*w+col] }, row, h)
	return math.Hypot(gx, gy)
}
