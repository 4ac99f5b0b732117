package store

import (
	"context"
	"os"
	"reflect"
	"testing"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

func TestBuildSelect(t *testing.T) {
	stmt, args, err := buildSelect("points", Query{
		Columns: []string{"lat", "lng", "ndvi"},
		Filters: []Filter{{Column: "ndvi", Op: ">=", Value: 0.1}, {Column: "deleted", Op: "IS NULL"}},
		OrderBy: []Order{{Column: "id"}, {Column: "ndvi", Desc: true}},
		Offset:  2000,
		Limit:   1000,
	})
	if err != nil {
		t.Fatal(err)
	}
	expected := `select "lat", "lng", "ndvi" from "points" where "ndvi" >= $1 and "deleted" is null order by "id", "ndvi" desc limit 1000 offset 2000`
	if stmt != expected {
		t.Errorf("expected\n%s\nactual\n%s", expected, stmt)
	}
	if !reflect.DeepEqual(args, []interface{}{0.1}) {
		t.Errorf("unexpected args %v", args)
	}

	stmt, args, _ = buildSelect(`we"ird`, Query{})
	if stmt != `select * from "we""ird"` || len(args) != 0 {
		t.Errorf("identifier not quoted: %s", stmt)
	}

	if _, _, err := buildSelect("points", Query{Filters: []Filter{{Column: "x", Op: "; drop table"}}}); err == nil {
		t.Errorf("arbitrary operator accepted")
	}
}

func TestBuildInsert(t *testing.T) {
	rows := []Row{
		{"lat": -20.1, "lng": 148.5, "ndvi": 0.4},
		{"lat": -20.2, "lng": 148.6},
	}
	stmt, args := buildInsert("points", rows, nil)
	expected := `insert into "points" ("lat", "lng", "ndvi") values ($1, $2, $3), ($4, $5, $6)`
	if stmt != expected {
		t.Errorf("expected\n%s\nactual\n%s", expected, stmt)
	}
	if len(args) != 6 || args[5] != nil {
		t.Errorf("missing key should insert null, args %v", args)
	}

	stmt, _ = buildInsert("points", rows, []string{"lat", "lng"})
	expected += ` on conflict ("lat", "lng") do update set "ndvi" = excluded."ndvi"`
	if stmt != expected {
		t.Errorf("expected\n%s\nactual\n%s", expected, stmt)
	}

	stmt, _ = buildInsert("points", []Row{{"lat": 1.0}}, []string{"lat"})
	if stmt != `insert into "points" ("lat") values ($1) on conflict ("lat") do nothing` {
		t.Errorf("unexpected statement %s", stmt)
	}
}

func TestIsMissingConflictTarget(t *testing.T) {
	err := errors.Wrap(&pq.Error{Code: "42P10", Message: "there is no unique or exclusion constraint matching the ON CONFLICT specification"}, "writing 2 rows to points")
	if !IsMissingConflictTarget(err) {
		t.Errorf("wrapped 42P10 not recognised")
	}
	if IsMissingConflictTarget(&pq.Error{Code: "23505"}) || IsMissingConflictTarget(errors.New("42P10")) || IsMissingConflictTarget(nil) {
		t.Errorf("unrelated errors recognised")
	}
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("SAGE_TEST_PG_DSN")
	if len(dsn) == 0 {
		t.Skip("SAGE_TEST_PG_DSN not set")
	}
	db, err := Open(dsn, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, `drop table if exists sage_test_points`); err != nil {
		t.Skipf("database unreachable: %v", err)
	}
	if _, err := db.ExecContext(ctx, `create table sage_test_points (lat double precision, lng double precision, ndvi double precision, primary key (lat, lng))`); err != nil {
		t.Fatal(err)
	}
	defer db.Exec(`drop table if exists sage_test_points`)

	pg := NewPostgres(db)
	var rows []Row
	for i := 0; i < 5; i++ {
		rows = append(rows, Row{"lat": -20 - float64(i)/10, "lng": 148.0, "ndvi": 0.1})
	}
	if err := pg.Insert(ctx, "sage_test_points", rows); err != nil {
		t.Fatal(err)
	}
	if err := pg.Upsert(ctx, "sage_test_points", []Row{{"lat": -20.0, "lng": 148.0, "ndvi": 0.9}}, []string{"lat", "lng"}); err != nil {
		t.Fatal(err)
	}

	var pages, total int
	err = pg.SelectAll(ctx, "sage_test_points", Query{OrderBy: []Order{{Column: "lat", Desc: true}}}, 2, func(page []Row) error {
		pages++
		total += len(page)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if pages != 3 || total != 5 {
		t.Errorf("expected 5 rows over 3 pages, got %d over %d", total, pages)
	}

	top, err := pg.Select(ctx, "sage_test_points", Query{Columns: []string{"ndvi"}, Filters: []Filter{{Column: "lat", Op: "=", Value: -20.0}}})
	if err != nil {
		t.Fatal(err)
	}
	if len(top) != 1 || top[0]["ndvi"] != 0.9 {
		t.Errorf("upsert did not update ndvi: %v", top)
	}
}
