package main

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hrsage/sage/metrics"
	"github.com/hrsage/sage/processor"
	"github.com/hrsage/sage/source"
	"github.com/hrsage/sage/store"
	"github.com/hrsage/sage/utils"
	"github.com/nci/gomemcache/memcache"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type response struct {
	ContentType string
	Body        []byte
	Filename    string
}

// statusError carries a status code the error kind alone does not
// determine, such as an unknown layer.
type statusError struct {
	code int
	err  error
}

func (e *statusError) Error() string { return e.err.Error() }
func (e *statusError) Unwrap() error { return e.err }

func badRequest(format string, args ...interface{}) error {
	return &statusError{code: http.StatusBadRequest, err: errors.Errorf(format, args...)}
}

func errorStatus(err error) int {
	var se *statusError
	if errors.As(err, &se) {
		return se.code
	}
	return utils.HTTPStatus(err)
}

// Spit out a simple JSON-formatted error message for Content-Type: application/json
func httpJSONError(w http.ResponseWriter, err error, status int) {
	body, _ := json.Marshal(map[string]string{"error": err.Error()})
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	w.Write(append(body, '\n'))
}

func jsonResponse(v interface{}) (*response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &response{ContentType: "application/json", Body: body}, nil
}

func remoteAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); len(fwd) > 0 {
		addr := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if net.ParseIP(addr) != nil {
			return addr
		}
	}
	return r.RemoteAddr
}

type handlerFunc func(ctx context.Context, st *state, r *http.Request, info *metrics.PipelineInfo) (*response, error)

// handle wraps fn with metrics collection, error mapping and, when
// cacheable, the memcache response cache keyed by the request URI.
func (s *server) handle(fn handlerFunc, cacheable bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate, max-age=0")

		metricsCollector := metrics.NewMetricsCollector(s.metrics)
		defer metricsCollector.Log()

		t0 := time.Now()
		reqID := uuid.New().String()
		metricsCollector.Info.ReqID = reqID
		metricsCollector.Info.ReqTime = t0.Format(time.RFC3339)
		metricsCollector.Info.URL.RawURL = r.URL.String()
		metricsCollector.Info.RemoteAddr = remoteAddr(r)
		metricsCollector.Info.HTTPStatus = http.StatusOK
		defer func() { metricsCollector.Info.ReqDuration = time.Since(t0) }()
		w.Header().Set("X-Request-Id", reqID)

		log := zap.L().With(zap.String("req_id", reqID), zap.String("path", r.URL.Path))
		log.Debug("request", zap.String("url", r.URL.String()))

		st := s.state()
		var hash string
		if cacheable && s.mc != nil {
			hash = st.cacheKey(r)
		}
		if len(hash) > 0 {
			if cached, err := s.mc.Get(hash); err == nil {
				if ct, body, ok := bytes.Cut(cached.Value, []byte{'\n'}); ok {
					metricsCollector.Info.CacheHit = true
					writeResponse(w, &response{ContentType: string(ct), Body: body})
					return
				}
			}
		}

		res, err := fn(r.Context(), st, r, metricsCollector.Info.Pipeline)
		if err != nil {
			status := errorStatus(err)
			metricsCollector.Info.HTTPStatus = status
			if status >= http.StatusInternalServerError {
				log.Error("request failed", zap.Int("status", status), zap.Error(err))
			} else {
				log.Info("request rejected", zap.Int("status", status), zap.Error(err))
			}
			httpJSONError(w, err, status)
			return
		}
		writeResponse(w, res)

		if len(hash) > 0 {
			value := append([]byte(res.ContentType+"\n"), res.Body...)
			// don't care about errors; memcache may not necessarily retain this anyway
			s.mc.Set(&memcache.Item{Key: hash, Value: value, Expiration: st.conf.ServiceConfig.CacheTTL})
		}
	})
}

// cacheKey is the memcache key of a response, or empty when the response
// must not be cached. Table layers and layers reading the latest raster
// change without a config reload, so they are never cached. The config
// generation is part of the key so a reload retires earlier responses.
func (st *state) cacheKey(r *http.Request) string {
	if r.FormValue("from") == "table" {
		return ""
	}
	if cfg, ok := st.conf.Layer(r.FormValue("layer")); ok {
		if cfg.IsTable() {
			return ""
		}
		for _, f := range cfg.Files {
			if f == source.Latest {
				return ""
			}
		}
	}
	buff := md5.Sum([]byte(fmt.Sprintf("%d %s", st.gen, r.URL.RequestURI())))
	return hex.EncodeToString(buff[:])
}

func writeResponse(w http.ResponseWriter, res *response) {
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Body)))
	if len(res.Filename) > 0 {
		w.Header().Set("Content-Disposition", `attachment; filename="`+res.Filename+`"`)
	}
	w.Write(res.Body)
}

type countingStore struct {
	processor.BlobStore
	fetched atomic.Int64
	bytes   atomic.Int64
}

func (c *countingStore) Fetch(ctx context.Context, id string) ([]byte, error) {
	data, err := c.BlobStore.Fetch(ctx, id)
	if err == nil {
		c.fetched.Add(1)
		c.bytes.Add(int64(len(data)))
	}
	return data, err
}

func (st *state) rasterStore(layer *processor.Layer) (processor.BlobStore, error) {
	if layer.IsTable() {
		return nil, badRequest("layer %q is a point table, not a raster layer", layer.Name)
	}
	bs, ok := st.stores[layer.Source]
	if !ok {
		return nil, errors.Wrapf(utils.ErrInvalidConfig, "layer %q source %q is not open", layer.Name, layer.Source)
	}
	return bs, nil
}

// classify runs the raster pipeline of layer up to stage under the
// concurrency limit.
func (s *server) classify(ctx context.Context, st *state, layer *processor.Layer, stage processor.Stage, info *metrics.PipelineInfo) (*processor.ClassifyResult, error) {
	bs, err := st.rasterStore(layer)
	if err != nil {
		return nil, err
	}
	if err := s.limiter.Increase(ctx); err != nil {
		return nil, err
	}
	defer s.limiter.Decrease()

	t0 := time.Now()
	counted := &countingStore{BlobStore: bs}
	req := &processor.ClassifyRequest{
		Layer:    layer,
		Stage:    stage,
		Fetch:    st.fetch[layer.Source],
		MaxCells: st.conf.ServiceConfig.MaxMosaicCells,
	}
	res, err := processor.RunClassify(ctx, counted, s.decoder, req)

	info.Duration = time.Since(t0)
	info.Layer = layer.Name
	info.Stage = stage.String()
	info.NumFiles = len(layer.Files)
	info.NumFetched = int(counted.fetched.Load())
	info.BytesRead = counted.bytes.Load()
	if err != nil {
		return nil, err
	}
	if res.Mosaic != nil {
		info.NumCells = res.Mosaic.Width * res.Mosaic.Height
	}
	if res.Mask != nil {
		info.NumPassed = res.Mask.Count()
	}
	return res, nil
}

// tablePoints pages through the table of layer and classifies every row.
func (s *server) tablePoints(ctx context.Context, st *state, layer *processor.Layer, info *metrics.PipelineInfo) (*processor.PointSet, error) {
	if s.table == nil {
		return nil, errors.Wrapf(utils.ErrInvalidConfig, "layer %q needs database_dsn", layer.Name)
	}
	if err := s.limiter.Increase(ctx); err != nil {
		return nil, err
	}
	defer s.limiter.Decrease()

	t0 := time.Now()
	clf := layer.Classifier
	ps := processor.ClassifyRows(nil, layer.Columns, clf)
	q := store.Query{
		Columns: layer.Columns.Select(clf.Inputs()),
		OrderBy: []store.Order{{Column: layer.Columns.Lat}, {Column: layer.Columns.Lng}},
	}
	err := s.table.SelectAll(ctx, layer.Table, q, st.conf.ServiceConfig.PageSize, func(page []store.Row) error {
		info.NumRows += len(page)
		ps.Merge(processor.ClassifyRows(page, layer.Columns, clf))
		return nil
	})
	info.Duration = time.Since(t0)
	info.Layer = layer.Name
	info.Stage = "table"
	if err != nil {
		return nil, errors.Wrap(utils.ErrSourceUnavailable, err.Error())
	}
	if info.NumRows == 0 {
		return nil, errors.Wrapf(utils.ErrNoInputData, "table %s holds no rows", layer.Table)
	}
	return ps, nil
}

func (s *server) points(ctx context.Context, st *state, r *http.Request, info *metrics.PipelineInfo) (*processor.PointSet, error) {
	layer, err := st.layer(r.FormValue("layer"))
	if err != nil {
		return nil, err
	}

	var ps *processor.PointSet
	switch from := r.FormValue("from"); {
	case from == "table" || (len(from) == 0 && layer.IsTable()):
		if !layer.IsTable() {
			return nil, badRequest("layer %q is not a point table", layer.Name)
		}
		if ps, err = s.tablePoints(ctx, st, layer, info); err != nil {
			return nil, err
		}
	case from == "raster" || len(from) == 0:
		res, err := s.classify(ctx, st, layer, processor.StagePoints, info)
		if err != nil {
			return nil, err
		}
		ps = res.Points
	default:
		return nil, badRequest("from must be raster or table, got %q", from)
	}

	info.NumPoints = len(ps.Points)
	info.NumSkipped = ps.Skipped
	info.ClassCounts = map[string]int{}
	for label, n := range ps.Summary {
		if n > 0 {
			info.ClassCounts[label] = n
		}
	}
	return ps, nil
}

func (s *server) serveLocations(ctx context.Context, st *state, r *http.Request, info *metrics.PipelineInfo) (*response, error) {
	ps, err := s.points(ctx, st, r, info)
	if err != nil {
		return nil, err
	}
	return jsonResponse(ps)
}

func (s *server) serveLocationsGeoJSON(ctx context.Context, st *state, r *http.Request, info *metrics.PipelineInfo) (*response, error) {
	ps, err := s.points(ctx, st, r, info)
	if err != nil {
		return nil, err
	}
	fc := geojson.NewFeatureCollection()
	for _, p := range ps.Points {
		f := geojson.NewFeature(orb.Point{p.Lon, p.Lat})
		f.Properties["label"] = p.Label
		f.Properties["color"] = p.Color
		f.Properties["code"] = p.Code
		f.Properties["values"] = p.Values
		fc.Append(f)
	}
	fc.ExtraMembers = geojson.Properties{"summary": ps.Summary}
	body, err := fc.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return &response{ContentType: "application/geo+json", Body: body}, nil
}

// lonLatBounds is the extent of the mosaic in longitude and latitude.
func lonLatBounds(layer *processor.Layer, mosaic *utils.Float64Raster) (orb.Bound, error) {
	ext := mosaic.Transform.Extent(mosaic.Width, mosaic.Height)
	corners := orb.MultiPoint{
		{ext.MinX, ext.MinY}, {ext.MinX, ext.MaxY},
		{ext.MaxX, ext.MinY}, {ext.MaxX, ext.MaxY},
	}
	if layer.ProjectWGS84 && len(mosaic.CRS) > 0 {
		t, err := utils.NewWGS84Transformer(mosaic.CRS)
		if err != nil {
			return orb.Bound{}, err
		}
		defer t.Close()
		xs := make([]float64, len(corners))
		ys := make([]float64, len(corners))
		for i, c := range corners {
			xs[i], ys[i] = c[0], c[1]
		}
		if err := t.Transform(xs, ys); err != nil {
			return orb.Bound{}, err
		}
		for i := range corners {
			if math.IsNaN(xs[i]) || math.IsNaN(ys[i]) {
				return orb.Bound{}, errors.Wrap(utils.ErrInvalidGeometry, "mosaic corner cannot be projected to lon/lat")
			}
			corners[i] = orb.Point{xs[i], ys[i]}
		}
	}
	return corners.Bound(), nil
}

func (s *server) mosaicBounds(ctx context.Context, st *state, r *http.Request, info *metrics.PipelineInfo) (orb.Bound, error) {
	layer, err := st.layer(r.FormValue("layer"))
	if err != nil {
		return orb.Bound{}, err
	}
	res, err := s.classify(ctx, st, layer, processor.StageMosaic, info)
	if err != nil {
		return orb.Bound{}, err
	}
	return lonLatBounds(layer, res.Mosaic)
}

func (s *server) serveBounds(ctx context.Context, st *state, r *http.Request, info *metrics.PipelineInfo) (*response, error) {
	b, err := s.mosaicBounds(ctx, st, r, info)
	if err != nil {
		return nil, err
	}
	return jsonResponse(map[string]float64{
		"min_lon": b.Min.Lon(),
		"min_lat": b.Min.Lat(),
		"max_lon": b.Max.Lon(),
		"max_lat": b.Max.Lat(),
	})
}

func (s *server) serveInfo(ctx context.Context, st *state, r *http.Request, info *metrics.PipelineInfo) (*response, error) {
	b, err := s.mosaicBounds(ctx, st, r, info)
	if err != nil {
		return nil, err
	}
	return jsonResponse(map[string][2]float64{
		"southwest": {b.Min.Lat(), b.Min.Lon()},
		"northeast": {b.Max.Lat(), b.Max.Lon()},
	})
}

func (s *server) serveLatest(ctx context.Context, st *state, r *http.Request, info *metrics.PipelineInfo) (*response, error) {
	layer, err := st.layer(r.FormValue("layer"))
	if err != nil {
		return nil, err
	}
	bs, err := st.rasterStore(layer)
	if err != nil {
		return nil, err
	}
	data, err := bs.Fetch(ctx, source.Latest)
	if err != nil {
		return nil, err
	}
	info.Layer = layer.Name
	info.NumFetched = 1
	info.BytesRead = int64(len(data))
	return &response{ContentType: "image/tiff", Body: data, Filename: "latest_" + layer.Name + ".tif"}, nil
}

func (s *server) serveClassifiedTiff(ctx context.Context, st *state, r *http.Request, info *metrics.PipelineInfo) (*response, error) {
	layer, err := st.layer(r.FormValue("layer"))
	if err != nil {
		return nil, err
	}
	res, err := s.classify(ctx, st, layer, processor.StageRaster, info)
	if err != nil {
		return nil, err
	}
	tiff, err := utils.EncodeGTiff(res.Classes, st.conf.ServiceConfig.TmpDir)
	if err != nil {
		return nil, err
	}
	return &response{ContentType: "image/tiff", Body: tiff, Filename: layer.Name + "_classified.tif"}, nil
}

func (s *server) servePreviewPNG(ctx context.Context, st *state, r *http.Request, info *metrics.PipelineInfo) (*response, error) {
	layer, err := st.layer(r.FormValue("layer"))
	if err != nil {
		return nil, err
	}
	res, err := s.classify(ctx, st, layer, processor.StageIndices, info)
	if err != nil {
		return nil, err
	}
	stack := res.Indices
	index, _ := stack.Layer(layer.Mask.Index)
	br, err := utils.ScaleBand(index, stack.Width, stack.Height, layer.Preview)
	if err != nil {
		return nil, err
	}
	png, err := utils.EncodePNG(br, layer.Ramp)
	if err != nil {
		return nil, err
	}
	return &response{ContentType: "image/png", Body: png}, nil
}

func (s *server) serveClassifiedPNG(ctx context.Context, st *state, r *http.Request, info *metrics.PipelineInfo) (*response, error) {
	layer, err := st.layer(r.FormValue("layer"))
	if err != nil {
		return nil, err
	}
	res, err := s.classify(ctx, st, layer, processor.StageRaster, info)
	if err != nil {
		return nil, err
	}
	png, err := utils.EncodeClassPNG(res.Classes, processor.ClassColours(layer.Classifier))
	if err != nil {
		return nil, err
	}
	return &response{ContentType: "image/png", Body: png}, nil
}

// nullable reports NaN and infinite values as JSON null.
func nullable(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func parseLatLng(r *http.Request) (lat, lng float64, err error) {
	lat, err = strconv.ParseFloat(r.FormValue("lat"), 64)
	if err != nil {
		return 0, 0, errors.Wrapf(utils.ErrInvalidGeometry, "lat %q is not a number", r.FormValue("lat"))
	}
	lng, err = strconv.ParseFloat(r.FormValue("lng"), 64)
	if err != nil {
		return 0, 0, errors.Wrapf(utils.ErrInvalidGeometry, "lng %q is not a number", r.FormValue("lng"))
	}
	if math.IsNaN(lat) || math.IsNaN(lng) || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return 0, 0, errors.Wrapf(utils.ErrInvalidGeometry, "point (%g, %g) is outside the lat/lon domain", lat, lng)
	}
	return lat, lng, nil
}

type checkResult struct {
	Lat            float64             `json:"lat"`
	Lng            float64             `json:"lng"`
	NDVI           *float64            `json:"ndvi"`
	Classification string              `json:"classification"`
	Color          string              `json:"color"`
	Code           uint8               `json:"code"`
	Values         map[string]*float64 `json:"values"`
}

// serveCheck classifies the single cell under a lat/lng point.
func (s *server) serveCheck(ctx context.Context, st *state, r *http.Request, info *metrics.PipelineInfo) (*response, error) {
	lat, lng, err := parseLatLng(r)
	if err != nil {
		return nil, err
	}
	layer, err := st.layer(r.FormValue("layer"))
	if err != nil {
		return nil, err
	}
	res, err := s.classify(ctx, st, layer, processor.StageIndices, info)
	if err != nil {
		return nil, err
	}
	stack := res.Indices

	x, y := lng, lat
	if layer.ProjectWGS84 && len(stack.CRS) > 0 {
		t, err := utils.NewFromWGS84Transformer(stack.CRS)
		if err != nil {
			return nil, err
		}
		xs, ys := []float64{lng}, []float64{lat}
		err = t.Transform(xs, ys)
		t.Close()
		if err != nil {
			return nil, err
		}
		x, y = xs[0], ys[0]
	}
	inv, err := stack.Transform.Invert()
	if err != nil {
		return nil, err
	}
	fcol, frow := inv.Apply(x, y)
	col, row := int(math.Floor(fcol)), int(math.Floor(frow))
	if math.IsNaN(fcol) || math.IsNaN(frow) || col < 0 || row < 0 || col >= stack.Width || row >= stack.Height {
		return nil, errors.Wrapf(utils.ErrNoInputData, "point (%g, %g) is outside the raster", lat, lng)
	}
	i := row*stack.Width + col

	clf := layer.Classifier
	index, _ := stack.Layer(layer.Mask.Index)
	if math.IsNaN(index[i]) {
		return nil, errors.Wrapf(utils.ErrNoInputData, "no data at (%g, %g)", lat, lng)
	}

	out := checkResult{Lat: lat, Lng: lng, NDVI: nullable(index[i]), Values: map[string]*float64{}}
	values := make([]float64, len(clf.Inputs()))
	for k, name := range clf.Inputs() {
		data, _ := stack.Layer(name)
		values[k] = data[i]
		out.Values[name] = nullable(data[i])
	}

	class, ok := clf.Classify(values)
	if !ok || index[i] < layer.Mask.ValidMin || index[i] > layer.Mask.ValidMax {
		class = clf.Background
	}
	out.Classification = class.Label
	out.Color = class.ColourName
	out.Code = class.Code
	return jsonResponse(out)
}

func (s *server) serveMetadata(ctx context.Context, st *state, r *http.Request, info *metrics.PipelineInfo) (*response, error) {
	layer, err := st.layer(r.FormValue("layer"))
	if err != nil {
		return nil, err
	}
	res, err := s.classify(ctx, st, layer, processor.StageMosaic, info)
	if err != nil {
		return nil, err
	}
	m := res.Mosaic
	ext := m.Transform.Extent(m.Width, m.Height)
	return jsonResponse(map[string]interface{}{
		"success": true,
		"layer":   layer.Name,
		"extent":  []float64{ext.MinX, ext.MinY, ext.MaxX, ext.MaxY},
		"crs":     m.CRS,
		"width":   m.Width,
		"height":  m.Height,
		"bands":   len(m.Bands),
	})
}

type legendEntry struct {
	Code       uint8    `json:"code"`
	Label      string   `json:"label"`
	Color      string   `json:"color"`
	RGBA       [4]uint8 `json:"rgba"`
	Background bool     `json:"background,omitempty"`
}

func newLegendEntry(c processor.Class) legendEntry {
	return legendEntry{
		Code:       c.Code,
		Label:      c.Label,
		Color:      c.ColourName,
		RGBA:       [4]uint8{c.Colour.R, c.Colour.G, c.Colour.B, c.Colour.A},
		Background: c.Background,
	}
}

func (s *server) serveLegend(ctx context.Context, st *state, r *http.Request, info *metrics.PipelineInfo) (*response, error) {
	layer, err := st.layer(r.FormValue("layer"))
	if err != nil {
		return nil, err
	}
	clf := layer.Classifier
	classes := []legendEntry{newLegendEntry(clf.Background)}
	for _, c := range clf.Classes() {
		classes = append(classes, newLegendEntry(c))
	}
	info.Layer = layer.Name
	return jsonResponse(map[string]interface{}{
		"layer":      layer.Name,
		"title":      layer.Title,
		"rule_table": clf.Name,
		"classes":    classes,
	})
}
