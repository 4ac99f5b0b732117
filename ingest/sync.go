package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/hrsage/sage/source"
	"github.com/hrsage/sage/store"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
)

// Tracking maps a Drive file id to the modifiedTime it was last synced at.
type Tracking map[string]string

func loadTracking(path string) (Tracking, error) {
	t := Tracking{}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return t, nil
}

func saveTracking(path string, t Tracking) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// csvRow is one line of an export. Earth Engine exports carry the point
// as GeoJSON in .geo instead of lat and lng columns.
type csvRow struct {
	Lat        string `csv:"lat"`
	Lng        string `csv:"lng"`
	NDVI       string `csv:"ndvi"`
	TallMonths string `csv:"n_tallmonths"`
	Geo        string `csv:".geo"`
}

type pointRecord struct {
	Lat, Lng   float64
	NDVI       float64
	TallMonths *float64
}

type latLng struct {
	Lat, Lng float64
}

func (p pointRecord) key() latLng {
	return latLng{p.Lat, p.Lng}
}

func (p pointRecord) row() store.Row {
	r := store.Row{"lat": p.Lat, "lng": p.Lng, "ndvi": p.NDVI}
	if p.TallMonths != nil {
		r["n_tallmonths"] = *p.TallMonths
	}
	return r
}

func parseNumber(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// parseCSV returns the well formed records of an export and the number
// of rows dropped.
func parseCSV(data []byte) ([]pointRecord, int, error) {
	var rows []*csvRow
	if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
		return nil, 0, err
	}
	var (
		out     []pointRecord
		dropped int
	)
	for _, r := range rows {
		rec, ok := parseRow(r)
		if !ok {
			dropped++
			continue
		}
		out = append(out, rec)
	}
	return out, dropped, nil
}

func parseRow(r *csvRow) (pointRecord, bool) {
	var rec pointRecord
	lat, latOK := parseNumber(r.Lat)
	lng, lngOK := parseNumber(r.Lng)
	if (!latOK || !lngOK) && len(strings.TrimSpace(r.Geo)) > 0 {
		g, err := geojson.UnmarshalGeometry([]byte(r.Geo))
		if err != nil {
			return rec, false
		}
		p, ok := g.Geometry().(orb.Point)
		if !ok {
			return rec, false
		}
		lng, lat, latOK, lngOK = p.Lon(), p.Lat(), true, true
	}
	if !latOK || !lngOK || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return rec, false
	}
	ndvi, ok := parseNumber(r.NDVI)
	if !ok {
		return rec, false
	}
	rec = pointRecord{Lat: lat, Lng: lng, NDVI: ndvi}
	if n, ok := parseNumber(r.TallMonths); ok {
		rec.TallMonths = &n
	}
	return rec, true
}

// dedupe keeps the first record of each coordinate.
func dedupe(records []pointRecord) []pointRecord {
	seen := make(map[latLng]bool, len(records))
	out := records[:0]
	for _, r := range records {
		if seen[r.key()] {
			continue
		}
		seen[r.key()] = true
		out = append(out, r)
	}
	return out
}

type table interface {
	SelectAll(ctx context.Context, table string, q store.Query, pageSize int, fn func([]store.Row) error) error
	Insert(ctx context.Context, table string, rows []store.Row) error
	Upsert(ctx context.Context, table string, rows []store.Row, conflict []string) error
}

type files interface {
	source.BlobStore
	source.Lister
}

type Syncer struct {
	Files        files
	Table        table
	TableName    string
	TrackingPath string
	BatchSize    int
	PageSize     int
	Progress     bool
}

type Report struct {
	Files         int
	Skipped       int
	Rows          int
	Dropped       int
	Updated       int
	Inserted      int
	FailedBatches int
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case []byte:
		return parseNumber(string(n))
	case string:
		return parseNumber(n)
	}
	return 0, false
}

func (s *Syncer) existingKeys(ctx context.Context) (map[latLng]bool, error) {
	keys := map[latLng]bool{}
	q := store.Query{Columns: []string{"lat", "lng"}, OrderBy: []store.Order{{Column: "lat"}, {Column: "lng"}}}
	err := s.Table.SelectAll(ctx, s.TableName, q, s.PageSize, func(page []store.Row) error {
		for _, r := range page {
			lat, ok1 := toFloat(r["lat"])
			lng, ok2 := toFloat(r["lng"])
			if ok1 && ok2 {
				keys[latLng{lat, lng}] = true
			}
		}
		return nil
	})
	return keys, err
}

func (s *Syncer) writeBatches(ctx context.Context, rows []store.Row, desc string, write func(context.Context, []store.Row) error) (int, int) {
	var bar *progressbar.ProgressBar
	if s.Progress && len(rows) > 0 {
		bar = progressbar.Default(int64(len(rows)), desc)
	}
	written, failed := 0, 0
	for i := 0; i < len(rows); i += s.BatchSize {
		end := i + s.BatchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := write(ctx, rows[i:end]); err != nil {
			if store.IsMissingConflictTarget(err) {
				// every remaining batch would fail the same way
				remaining := (len(rows) - i + s.BatchSize - 1) / s.BatchSize
				zap.L().Error("table has no unique constraint on (lat, lng), updates need one",
					zap.String("table", s.TableName), zap.String("fix", fmt.Sprintf("alter table %s add unique (lat, lng)", s.TableName)),
					zap.Int("skipped_batches", remaining), zap.Error(err))
				failed += remaining
				break
			}
			zap.L().Error("batch failed", zap.String("op", desc), zap.Int("start", i), zap.Int("rows", end-i), zap.Error(err))
			failed++
		} else {
			written += end - i
		}
		if bar != nil {
			bar.Add(end - i)
		}
	}
	if bar != nil {
		bar.Finish()
	}
	return written, failed
}

// Run syncs every new or modified CSV of the folder into the table.
// The tracking file is only written once all rows have been sent.
func (s *Syncer) Run(ctx context.Context) (*Report, error) {
	if s.BatchSize <= 0 {
		s.BatchSize = 100
	}
	if s.PageSize <= 0 {
		s.PageSize = 1000
	}
	log := zap.L()
	rep := &Report{}

	objects, err := s.Files.List(ctx)
	if err != nil {
		return nil, err
	}
	var csvs []source.Object
	for _, o := range objects {
		if strings.HasSuffix(strings.ToLower(o.Name), ".csv") {
			csvs = append(csvs, o)
		}
	}
	source.Newest(csvs)
	rep.Files = len(csvs)
	log.Info("csv files found", zap.Int("files", len(csvs)))

	tracking, err := loadTracking(s.TrackingPath)
	if err != nil {
		return nil, err
	}
	modified := source.ModifiedTimes(csvs)

	var records []pointRecord
	synced := Tracking{}
	for _, o := range csvs {
		if source.SameModifiedTime(tracking[o.ID], o) {
			log.Debug("skipping already uploaded file", zap.String("name", o.Name))
			rep.Skipped++
			continue
		}
		log.Info("downloading new or updated file", zap.String("name", o.Name))
		data, err := s.Files.Fetch(ctx, o.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "downloading %s", o.Name)
		}
		recs, dropped, err := parseCSV(data)
		if err != nil {
			log.Error("unreadable csv", zap.String("name", o.Name), zap.Error(err))
			continue
		}
		rep.Dropped += dropped
		records = append(records, recs...)
		synced[o.ID] = modified[o.ID]
	}
	if len(synced) == 0 {
		log.Info("no new data to upload")
		return rep, nil
	}

	records = dedupe(records)
	rep.Rows = len(records)
	log.Info("merged rows", zap.Int("rows", len(records)), zap.Int("dropped", rep.Dropped))

	existing, err := s.existingKeys(ctx)
	if err != nil {
		return nil, err
	}
	var updates, inserts []store.Row
	for _, r := range records {
		if existing[r.key()] {
			updates = append(updates, store.Row{"lat": r.Lat, "lng": r.Lng, "ndvi": r.NDVI})
		} else {
			inserts = append(inserts, r.row())
		}
	}

	var failed int
	rep.Updated, failed = s.writeBatches(ctx, updates, "updating", func(ctx context.Context, rows []store.Row) error {
		return s.Table.Upsert(ctx, s.TableName, rows, []string{"lat", "lng"})
	})
	rep.FailedBatches += failed
	rep.Inserted, failed = s.writeBatches(ctx, inserts, "inserting", func(ctx context.Context, rows []store.Row) error {
		return s.Table.Insert(ctx, s.TableName, rows)
	})
	rep.FailedBatches += failed

	for id, mt := range synced {
		tracking[id] = mt
	}
	if err := saveTracking(s.TrackingPath, tracking); err != nil {
		return rep, errors.Wrap(err, "saving tracking file")
	}
	return rep, nil
}
