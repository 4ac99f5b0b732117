package processor

import (
	"context"
	"runtime"
	"sort"
	"sync"

	"github.com/hrsage/sage/utils"
	"go.uber.org/zap"
)

// Decoder turns the bytes of one raster file into samples.
type Decoder interface {
	Decode(data []byte) (*utils.Float64Raster, error)
}

// RasterDecoder decodes fetched rasters concurrently and emits them in
// fetch order once all are done. Undecodable rasters are logged and
// skipped.
type RasterDecoder struct {
	Context context.Context
	Decoder Decoder
	In      chan *FetchedRaster
	Out     chan *DecodedRaster
	Error   chan error
	limiter *ConcLimiter
}

func NewRasterDecoder(ctx context.Context, decoder Decoder, errChan chan error) *RasterDecoder {
	return &RasterDecoder{
		Context: ctx,
		Decoder: decoder,
		In:      make(chan *FetchedRaster, 100),
		Out:     make(chan *DecodedRaster, 100),
		Error:   errChan,
		limiter: NewConcLimiter(runtime.NumCPU()),
	}
}

func (rd *RasterDecoder) Run() {
	defer close(rd.Out)

	var (
		mu      sync.Mutex
		decoded []*DecodedRaster
	)
	for f := range rd.In {
		if err := rd.limiter.Increase(rd.Context); err != nil {
			break
		}
		go func(f *FetchedRaster) {
			defer rd.limiter.Decrease()
			r, err := rd.Decoder.Decode(f.Data)
			if err != nil {
				zap.L().Warn("skipping undecodable raster", zap.String("id", f.ID), zap.Error(err))
				return
			}
			mu.Lock()
			decoded = append(decoded, &DecodedRaster{Index: f.Index, ID: f.ID, Raster: r})
			mu.Unlock()
		}(f)
	}
	rd.limiter.Wait()

	if err := rd.Context.Err(); err != nil {
		sendError(rd.Error, err)
		return
	}
	sort.Slice(decoded, func(i, j int) bool { return decoded[i].Index < decoded[j].Index })
	for _, d := range decoded {
		rd.Out <- d
	}
}
