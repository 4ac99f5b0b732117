package main

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/hrsage/sage/source"
	"github.com/hrsage/sage/store"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

type fakeFiles struct {
	objects []source.Object
	data    map[string]string
	fetches int
}

func (f *fakeFiles) Fetch(ctx context.Context, id string) ([]byte, error) {
	f.fetches++
	d, ok := f.data[id]
	if !ok {
		return nil, source.ErrNotFound
	}
	return []byte(d), nil
}

func (f *fakeFiles) List(ctx context.Context) ([]source.Object, error) {
	return append([]source.Object(nil), f.objects...), nil
}

type fakeTable struct {
	rows      []store.Row
	upserts   []store.Row
	inserts   [][]store.Row
	failNext  bool
	upsertErr error
	upsertRun int
}

func (t *fakeTable) SelectAll(ctx context.Context, table string, q store.Query, pageSize int, fn func([]store.Row) error) error {
	for i := 0; i < len(t.rows); i += pageSize {
		end := i + pageSize
		if end > len(t.rows) {
			end = len(t.rows)
		}
		if err := fn(t.rows[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (t *fakeTable) Insert(ctx context.Context, table string, rows []store.Row) error {
	if t.failNext {
		t.failNext = false
		return fmt.Errorf("duplicate key")
	}
	t.inserts = append(t.inserts, rows)
	return nil
}

func (t *fakeTable) Upsert(ctx context.Context, table string, rows []store.Row, conflict []string) error {
	t.upsertRun++
	if t.upsertErr != nil {
		return t.upsertErr
	}
	t.upserts = append(t.upserts, rows...)
	return nil
}

const newExport = `lat,lng,ndvi,n_tallmonths
-20.1,148.1,0.55,4
-20.2,148.2,0.31,2
-20.2,148.2,0.31,2
-20.3,148.3,x,1
-95,148.3,0.2,1
-20.4,148.4,0.12,
`

const eeExport = `system:index,ndvi,.geo
0,0.42,"{""type"":""Point"",""coordinates"":[148.5,-20.5]}"
1,0.44,"{""type"":""Point"",""coordinates"":[148.1,-20.1]}"
2,0.40,not json
`

func fixture() (*fakeFiles, *fakeTable) {
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	files := &fakeFiles{
		objects: []source.Object{
			{ID: "ee", Name: "ee_export.csv", ModifiedTime: base},
			{ID: "new", Name: "export.CSV", ModifiedTime: base.Add(24 * time.Hour)},
			{ID: "txt", Name: "readme.txt", ModifiedTime: base},
		},
		data: map[string]string{"ee": eeExport, "new": newExport, "txt": "ignored"},
	}
	table := &fakeTable{rows: []store.Row{{"lat": -20.1, "lng": 148.1}, {"lat": []byte("-20.9"), "lng": []byte("148.9")}}}
	return files, table
}

func TestSync(t *testing.T) {
	files, table := fixture()
	tracking := filepath.Join(t.TempDir(), "uploaded_files.json")
	s := &Syncer{Files: files, Table: table, TableName: "sugarcane_data", TrackingPath: tracking, BatchSize: 2, PageSize: 1}

	rep, err := s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Files != 2 || rep.Skipped != 0 {
		t.Errorf("unexpected file counts %+v", rep)
	}
	// -20.1/148.1 from the older export is a duplicate of the newer one
	if rep.Rows != 4 || rep.Dropped != 3 {
		t.Errorf("expected 4 rows and 3 dropped, got %+v", rep)
	}
	if rep.Updated != 1 || len(table.upserts) != 1 || table.upserts[0]["ndvi"] != 0.55 {
		t.Errorf("existing coordinate should be updated from the newest file: %+v %v", rep, table.upserts)
	}
	if rep.Inserted != 3 || len(table.inserts) != 2 || len(table.inserts[0]) != 2 {
		t.Errorf("expected 3 rows inserted in batches of 2: %+v %v", rep, table.inserts)
	}
	if _, ok := table.inserts[0][0]["n_tallmonths"]; !ok {
		t.Errorf("tall month count not carried: %v", table.inserts[0][0])
	}

	saved, err := loadTracking(tracking)
	if err != nil {
		t.Fatal(err)
	}
	if len(saved) != 2 || len(saved["new"]) == 0 {
		t.Errorf("unexpected tracking %v", saved)
	}

	fetches := files.fetches
	rep, err = s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Skipped != 2 || files.fetches != fetches || len(table.inserts) != 2 {
		t.Errorf("second run should skip both files: %+v", rep)
	}

	files.objects[1].ModifiedTime = files.objects[1].ModifiedTime.Add(time.Hour)
	rep, err = s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Skipped != 1 || rep.Rows != 3 {
		t.Errorf("modified file should be synced again: %+v", rep)
	}
}

func TestSyncBatchFailure(t *testing.T) {
	files, table := fixture()
	table.failNext = true
	s := &Syncer{Files: files, Table: table, TableName: "t", TrackingPath: filepath.Join(t.TempDir(), "u.json"), BatchSize: 2}

	rep, err := s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.FailedBatches != 1 || rep.Inserted != 1 {
		t.Errorf("failed batch should not stop the run: %+v", rep)
	}
}

func TestSyncWithoutUniqueConstraint(t *testing.T) {
	files, table := fixture()
	table.rows = append(table.rows, store.Row{"lat": -20.2, "lng": 148.2}, store.Row{"lat": -20.5, "lng": 148.5})
	table.upsertErr = errors.Wrap(&pq.Error{Code: "42P10"}, "writing rows")
	s := &Syncer{Files: files, Table: table, TableName: "t", TrackingPath: filepath.Join(t.TempDir(), "u.json"), BatchSize: 1}

	rep, err := s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if table.upsertRun != 1 {
		t.Errorf("updates should stop at the first missing constraint error, got %d attempts", table.upsertRun)
	}
	if rep.Updated != 0 || rep.FailedBatches != 3 || rep.Inserted != 1 {
		t.Errorf("expected 3 failed update batches and the insert to proceed: %+v", rep)
	}
}

func TestSyncDriveTracking(t *testing.T) {
	files, table := fixture()
	files.objects[0].Stamp = "2024-06-01T09:00:00.000Z"
	files.objects[1].Stamp = "2024-06-02T09:00:00.000Z"
	tracking := filepath.Join(t.TempDir(), "uploaded_files.json")
	// written by an earlier uploader that kept Drive times without millis
	prior := Tracking{"ee": "2024-06-01T09:00:00Z", "new": "2024-06-02T09:00:00.000Z"}
	if err := saveTracking(tracking, prior); err != nil {
		t.Fatal(err)
	}

	s := &Syncer{Files: files, Table: table, TableName: "t", TrackingPath: tracking}
	rep, err := s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Skipped != 2 || files.fetches != 0 {
		t.Errorf("tracked files should be skipped: %+v, %d fetches", rep, files.fetches)
	}

	files.objects[1].ModifiedTime = files.objects[1].ModifiedTime.Add(time.Minute)
	files.objects[1].Stamp = "2024-06-02T09:01:00.000Z"
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	saved, err := loadTracking(tracking)
	if err != nil {
		t.Fatal(err)
	}
	if saved["new"] != "2024-06-02T09:01:00.000Z" || saved["ee"] != "2024-06-01T09:00:00Z" {
		t.Errorf("tracking should hold Drive's own time strings: %v", saved)
	}
}

func TestParseRow(t *testing.T) {
	rec, ok := parseRow(&csvRow{NDVI: "0.3", Geo: `{"type":"Point","coordinates":[148.5,-20.5]}`})
	if !ok || rec.Lat != -20.5 || rec.Lng != 148.5 {
		t.Errorf("geo point not parsed: %+v", rec)
	}
	if _, ok := parseRow(&csvRow{NDVI: "0.3", Geo: `{"type":"LineString","coordinates":[[1,2],[3,4]]}`}); ok {
		t.Errorf("non point geometry accepted")
	}
	if _, ok := parseRow(&csvRow{Lat: "-20", Lng: "148", NDVI: "NaN"}); ok {
		t.Errorf("NaN ndvi accepted")
	}
}

func TestWithPassword(t *testing.T) {
	if got := withPassword("postgres://sage@db:5432/sage?sslmode=disable", "p@ss"); got != "postgres://sage:p%40ss@db:5432/sage?sslmode=disable" {
		t.Errorf("unexpected url dsn %s", got)
	}
	if got := withPassword("host=db user=sage", "it's"); got != `host=db user=sage password='it\'s'` {
		t.Errorf("unexpected key value dsn %s", got)
	}
	t.Setenv("PGPASSWORD", "")
	if !hasPassword("postgres://a:b@db/x") || hasPassword("postgres://a@db/x") || !hasPassword("host=db password=x") {
		t.Errorf("password detection is wrong")
	}
}
