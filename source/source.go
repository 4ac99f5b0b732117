// Package source provides the byte producers rasters are read from:
// local files, S3 objects, Google Drive files and PostGIS raster rows.
package source

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"github.com/hrsage/sage/utils"
	"github.com/nci/gomemcache/memcache"
	"github.com/pkg/errors"
)

// Latest resolves to the most recent object of a store.
const Latest = "latest"

// ErrNotFound is returned, wrapped, for ids a store does not hold.
var ErrNotFound = utils.ErrSourceNotFound

type BlobStore interface {
	Fetch(ctx context.Context, id string) ([]byte, error)
}

type Object struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ModifiedTime time.Time `json:"modifiedTime"`
	// Stamp is the modification time verbatim as the store reported it,
	// when the store reports one as text.
	Stamp string `json:"-"`
}

// Lister is implemented by stores that can enumerate their objects.
type Lister interface {
	List(ctx context.Context) ([]Object, error)
}

// Newest orders objects most recently modified first, breaking ties by
// name so the order is stable.
func Newest(objects []Object) {
	sort.SliceStable(objects, func(i, j int) bool {
		if !objects[i].ModifiedTime.Equal(objects[j].ModifiedTime) {
			return objects[i].ModifiedTime.After(objects[j].ModifiedTime)
		}
		return objects[i].Name > objects[j].Name
	})
}

// latestID returns the id of the newest raster object of l.
func latestID(ctx context.Context, l Lister) (string, error) {
	objects, err := l.List(ctx)
	if err != nil {
		return "", err
	}
	var rasters []Object
	for _, o := range objects {
		if IsRasterName(o.Name) {
			rasters = append(rasters, o)
		}
	}
	if len(rasters) == 0 {
		return "", errors.Wrap(ErrNotFound, "store holds no rasters")
	}
	Newest(rasters)
	return rasters[0].ID, nil
}

func IsRasterName(name string) bool {
	n := strings.ToLower(name)
	return strings.HasSuffix(n, ".tif") || strings.HasSuffix(n, ".tiff")
}

// Open builds the store described by cfg. db is only used by postgis
// sources and mc, when not nil, wraps stores with cache: true.
func Open(ctx context.Context, cfg *utils.SourceConfig, db *sql.DB, mc *memcache.Client, cacheTTL int32) (BlobStore, error) {
	var (
		store BlobStore
		err   error
	)
	switch strings.ToLower(cfg.Type) {
	case "local":
		store = NewLocalStore(cfg.Root)
	case "s3":
		store, err = NewS3Store(cfg)
	case "drive":
		store, err = NewDriveStore(ctx, cfg)
	case "postgis":
		if db == nil {
			return nil, errors.Wrapf(utils.ErrInvalidConfig, "postgis source %q needs database_dsn", cfg.Name)
		}
		store = NewPostGISStore(db, cfg.Table, cfg.Column)
	default:
		return nil, errors.Wrapf(utils.ErrInvalidConfig, "source %q has unknown type %q", cfg.Name, cfg.Type)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening source %q", cfg.Name)
	}
	if cfg.Cache && mc != nil {
		store = NewCachedStore(store, mc, cfg.Name, cacheTTL)
	}
	return store, nil
}
