package processor

import (
	"context"

	"github.com/hrsage/sage/utils"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ClassifyPipeline wires fetch, decode, merge and classify stages over
// channels. Stage errors go to Error; the first one is the cause.
type ClassifyPipeline struct {
	Context context.Context
	Error   chan error
	Store   BlobStore
	Decoder Decoder
}

func InitClassifyPipeline(ctx context.Context, store BlobStore, decoder Decoder, errChan chan error) *ClassifyPipeline {
	return &ClassifyPipeline{
		Context: ctx,
		Error:   errChan,
		Store:   store,
		Decoder: decoder,
	}
}

func (cp *ClassifyPipeline) Process(req *ClassifyRequest) chan *ClassifyResult {
	f := NewRasterFetcher(cp.Context, cp.Store, cp.Error)
	go func() {
		f.In <- req
		close(f.In)
	}()

	d := NewRasterDecoder(cp.Context, cp.Decoder, cp.Error)
	m := NewRasterMerger(cp.Context, cp.Error)
	m.MaxCells = req.MaxCells
	c := NewRasterClassifier(cp.Context, req.Layer, req.Stage, cp.Error)

	d.In = f.Out
	m.In = d.Out
	c.In = m.Out

	go f.Run()
	go d.Run()
	go m.Run()
	go c.Run()

	return c.Out
}

// RunClassify runs one request through a fresh pipeline and waits for
// its result.
func RunClassify(ctx context.Context, store BlobStore, decoder Decoder, req *ClassifyRequest) (*ClassifyResult, error) {
	errChan := make(chan error, 100)
	out := InitClassifyPipeline(ctx, store, decoder, errChan).Process(req)

	select {
	case res, ok := <-out:
		if ok && res != nil {
			return res, nil
		}
		select {
		case err := <-errChan:
			return nil, err
		default:
			return nil, errors.Wrap(utils.ErrNoInputData, "pipeline produced no result")
		}
	case err := <-errChan:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RasterClassifier is the last stage: it derives the indices of a
// mosaic, masks them and classifies as far as Stage asks.
type RasterClassifier struct {
	Context context.Context
	Layer   *Layer
	Stage   Stage
	In      chan *utils.Float64Raster
	Out     chan *ClassifyResult
	Error   chan error
}

func NewRasterClassifier(ctx context.Context, layer *Layer, stage Stage, errChan chan error) *RasterClassifier {
	return &RasterClassifier{
		Context: ctx,
		Layer:   layer,
		Stage:   stage,
		In:      make(chan *utils.Float64Raster, 1),
		Out:     make(chan *ClassifyResult, 1),
		Error:   errChan,
	}
}

func (rc *RasterClassifier) Run() {
	defer close(rc.Out)
	for mosaic := range rc.In {
		res, err := ClassifyMosaic(rc.Context, mosaic, rc.Layer, rc.Stage)
		if err != nil {
			sendError(rc.Error, err)
			return
		}
		rc.Out <- res
	}
}

// ClassifyMosaic runs the per-mosaic steps of the pipeline.
func ClassifyMosaic(ctx context.Context, mosaic *utils.Float64Raster, layer *Layer, stage Stage) (*ClassifyResult, error) {
	res := &ClassifyResult{Mosaic: mosaic}
	if stage == StageMosaic {
		return res, nil
	}
	if layer == nil {
		return nil, errors.Wrap(utils.ErrInvalidConfig, "classify request without a layer")
	}

	stack, err := DeriveIndices(mosaic, layer.Indices)
	if err != nil {
		return nil, err
	}
	res.Indices = stack

	mask, err := BuildMask(ctx, stack, layer.Mask)
	if err != nil {
		return nil, err
	}
	res.Mask = mask
	zap.L().Debug("mask built", zap.String("layer", layer.Name), zap.Int("cells", len(mask.Pass)), zap.Int("passed", mask.Count()))

	switch stage {
	case StagePoints:
		var proj CoordTransformer
		if layer.ProjectWGS84 && len(stack.CRS) > 0 {
			t, err := utils.NewWGS84Transformer(stack.CRS)
			if err != nil {
				return nil, err
			}
			defer t.Close()
			proj = t
		}
		res.Points, err = ExtractPoints(ctx, stack, mask, layer.Classifier, proj)
		if err != nil {
			return nil, err
		}
		if res.Points.Skipped > 0 {
			zap.L().Info("skipped points outside lat/lon domain", zap.String("layer", layer.Name), zap.Int("skipped", res.Points.Skipped))
		}
	case StageRaster:
		res.Classes, err = EncodeClasses(stack, mask, layer.Classifier)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}
