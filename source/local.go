package source

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// LocalStore reads files below Root. Ids are slash separated paths
// relative to Root and cannot escape it.
type LocalStore struct {
	Root string
}

func NewLocalStore(root string) *LocalStore {
	return &LocalStore{Root: root}
}

func (s *LocalStore) path(id string) string {
	return filepath.Join(s.Root, filepath.FromSlash(filepath.Clean("/"+id)))
}

func (s *LocalStore) Fetch(ctx context.Context, id string) ([]byte, error) {
	if id == Latest {
		var err error
		if id, err = latestID(ctx, s); err != nil {
			return nil, err
		}
	}
	data, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotFound, "%s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", id)
	}
	return data, nil
}

// List returns the regular files directly under Root.
func (s *LocalStore) List(ctx context.Context) ([]Object, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", s.Root)
	}
	var out []Object
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Object{ID: e.Name(), Name: e.Name(), ModifiedTime: info.ModTime().UTC()})
	}
	return out, nil
}
