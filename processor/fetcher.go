package processor

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/hrsage/sage/utils"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// BlobStore is anything that returns the bytes of an object by id.
// Implementations return an error wrapping utils.ErrSourceNotFound for
// ids that do not exist.
type BlobStore interface {
	Fetch(ctx context.Context, id string) ([]byte, error)
}

// RetryPolicy is an exponential backoff: attempt n waits
// BaseDelay*2^(n-1), capped at MaxDelay, plus a random jitter below Jitter.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt-1)
	if d < 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return d
}

type FetchOptions struct {
	Workers int
	Retry   RetryPolicy
	// OnFailure is called once for every id that could not be fetched.
	OnFailure func(id string, err error)
}

// FetchOptionsFromConfig converts the millisecond based source config.
func FetchOptionsFromConfig(cfg utils.FetchConfig) FetchOptions {
	return FetchOptions{
		Workers: cfg.Workers,
		Retry: RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   time.Duration(cfg.BaseDelayMS) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.MaxDelayMS) * time.Millisecond,
			Jitter:      time.Duration(cfg.JitterMS) * time.Millisecond,
		},
	}
}

// fetchWithRetry retries transient failures of a single id. Not found
// errors and context cancellation are returned immediately.
func fetchWithRetry(ctx context.Context, store BlobStore, id string, policy RetryPolicy) ([]byte, error) {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var data []byte
		data, err = store.Fetch(ctx, id)
		if err == nil {
			return data, nil
		}
		if errors.Is(err, utils.ErrSourceNotFound) || ctx.Err() != nil || attempt == attempts {
			break
		}

		wait := policy.delay(attempt)
		zap.L().Debug("retrying fetch", zap.String("id", id), zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, err
}

// FetchRasters fetches ids concurrently and returns the successful ones
// in request order. Failed ids are logged and skipped; only a request
// where nothing could be fetched fails, with utils.ErrSourceUnavailable.
func FetchRasters(ctx context.Context, store BlobStore, ids []string, opts FetchOptions) ([]*FetchedRaster, error) {
	if len(ids) == 0 {
		return nil, errors.Wrap(utils.ErrSourceUnavailable, "no raster ids requested")
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = utils.DefaultFetchWorkers
	}

	var (
		mu      sync.Mutex
		fetched []*FetchedRaster
		lastErr error
	)
	wp := workerpool.New(workers)
	for i, id := range ids {
		i, id := i, id
		wp.Submit(func() {
			if ctx.Err() != nil {
				return
			}
			data, err := fetchWithRetry(ctx, store, id, opts.Retry)
			if err != nil {
				zap.L().Warn("skipping raster", zap.String("id", id), zap.Error(err))
				if opts.OnFailure != nil {
					opts.OnFailure(id, err)
				}
				mu.Lock()
				lastErr = err
				mu.Unlock()
				return
			}
			mu.Lock()
			fetched = append(fetched, &FetchedRaster{Index: i, ID: id, Data: data})
			mu.Unlock()
		})
	}
	wp.StopWait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(fetched) == 0 {
		return nil, errors.Wrapf(utils.ErrSourceUnavailable, "all %d rasters failed, last error: %v", len(ids), lastErr)
	}
	sort.Slice(fetched, func(i, j int) bool { return fetched[i].Index < fetched[j].Index })
	return fetched, nil
}

// RasterFetcher is the first pipeline stage. It fetches the files of each
// request and emits them in request order.
type RasterFetcher struct {
	Context context.Context
	Store   BlobStore
	In      chan *ClassifyRequest
	Out     chan *FetchedRaster
	Error   chan error
}

func NewRasterFetcher(ctx context.Context, store BlobStore, errChan chan error) *RasterFetcher {
	return &RasterFetcher{
		Context: ctx,
		Store:   store,
		In:      make(chan *ClassifyRequest),
		Out:     make(chan *FetchedRaster, 100),
		Error:   errChan,
	}
}

func (rf *RasterFetcher) Run() {
	defer close(rf.Out)
	for req := range rf.In {
		files := req.Files
		if len(files) == 0 && req.Layer != nil {
			files = req.Layer.Files
		}
		fetched, err := FetchRasters(rf.Context, rf.Store, files, req.Fetch)
		if err != nil {
			sendError(rf.Error, err)
			return
		}
		for _, f := range fetched {
			select {
			case rf.Out <- f:
			case <-rf.Context.Done():
				sendError(rf.Error, rf.Context.Err())
				return
			}
		}
	}
}

func sendError(errChan chan error, err error) {
	select {
	case errChan <- err:
	default:
	}
}
