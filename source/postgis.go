package source

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// PostGISStore serves the rasters of a PostGIS raster table as GeoTIFF.
// Ids are rid values; Latest is the highest rid.
type PostGISStore struct {
	db     *sql.DB
	Table  string
	Column string
}

func NewPostGISStore(db *sql.DB, table, column string) *PostGISStore {
	return &PostGISStore{db: db, Table: table, Column: column}
}

func (s *PostGISStore) Fetch(ctx context.Context, id string) ([]byte, error) {
	var (
		row  *sql.Row
		tiff []byte
	)
	if id == Latest {
		row = s.db.QueryRowContext(ctx, fmt.Sprintf(
			`select ST_AsGDALRaster(%s, 'GTiff') from %s order by rid desc limit 1`,
			pq.QuoteIdentifier(s.Column), pq.QuoteIdentifier(s.Table)))
	} else {
		rid, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrNotFound, "rid %q is not a number", id)
		}
		row = s.db.QueryRowContext(ctx, fmt.Sprintf(
			`select ST_AsGDALRaster(%s, 'GTiff') from %s where rid = $1`,
			pq.QuoteIdentifier(s.Column), pq.QuoteIdentifier(s.Table)), rid)
	}

	err := row.Scan(&tiff)
	if err == sql.ErrNoRows || (err == nil && len(tiff) == 0) {
		return nil, errors.Wrapf(ErrNotFound, "%s rid %s", s.Table, id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "%s rid %s", s.Table, id)
	}
	return tiff, nil
}

// List returns every rid of the table, newest first.
func (s *PostGISStore) List(ctx context.Context) ([]Object, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`select rid from %s order by rid desc`, pq.QuoteIdentifier(s.Table)))
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", s.Table)
	}
	defer rows.Close()

	var out []Object
	for rows.Next() {
		var rid int64
		if err := rows.Scan(&rid); err != nil {
			return nil, err
		}
		id := strconv.FormatInt(rid, 10)
		out = append(out, Object{ID: id, Name: id + ".tif"})
	}
	return out, rows.Err()
}
