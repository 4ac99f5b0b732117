package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/hrsage/sage/utils"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	DriveAPI        = "https://www.googleapis.com/drive/v3"
	driveReadScope  = "https://www.googleapis.com/auth/drive.readonly"
	driveListFields = "nextPageToken,files(id,name,modifiedTime)"
)

// DriveStore reads the files of one Google Drive folder through the
// Drive v3 REST API. Ids are Drive file ids.
type DriveStore struct {
	Client   *http.Client
	BaseURL  string
	FolderID string
}

// NewDriveStore authenticates with the service account key in
// cfg.CredentialsFile, or the application default credentials when it
// is empty.
func NewDriveStore(ctx context.Context, cfg *utils.SourceConfig) (*DriveStore, error) {
	var (
		creds *google.Credentials
		err   error
	)
	if len(cfg.CredentialsFile) > 0 {
		key, rerr := os.ReadFile(cfg.CredentialsFile)
		if rerr != nil {
			return nil, errors.Wrap(rerr, "reading drive credentials")
		}
		creds, err = google.CredentialsFromJSON(ctx, key, driveReadScope)
	} else {
		creds, err = google.FindDefaultCredentials(ctx, driveReadScope)
	}
	if err != nil {
		return nil, errors.Wrap(err, "drive credentials")
	}
	return &DriveStore{
		Client:   oauth2.NewClient(ctx, creds.TokenSource),
		BaseURL:  DriveAPI,
		FolderID: cfg.FolderID,
	}, nil
}

func (s *DriveStore) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("drive returned %s: %.200s", resp.Status, body)
	}
	return body, nil
}

func (s *DriveStore) Fetch(ctx context.Context, id string) ([]byte, error) {
	if id == Latest {
		var err error
		if id, err = latestID(ctx, s); err != nil {
			return nil, err
		}
	}
	data, err := s.get(ctx, fmt.Sprintf("%s/files/%s?alt=media", s.BaseURL, url.PathEscape(id)))
	if err != nil {
		return nil, errors.Wrapf(err, "drive file %s", id)
	}
	return data, nil
}

type driveFile struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ModifiedTime string `json:"modifiedTime"`
}

type driveFileList struct {
	NextPageToken string      `json:"nextPageToken"`
	Files         []driveFile `json:"files"`
}

// List returns the untrashed files of the folder, newest first, following
// page tokens.
func (s *DriveStore) List(ctx context.Context) ([]Object, error) {
	q := url.Values{}
	q.Set("q", fmt.Sprintf("'%s' in parents and trashed=false", s.FolderID))
	q.Set("orderBy", "modifiedTime desc")
	q.Set("fields", driveListFields)
	q.Set("pageSize", "1000")

	var out []Object
	for {
		body, err := s.get(ctx, s.BaseURL+"/files?"+q.Encode())
		if err != nil {
			return nil, errors.Wrapf(err, "listing drive folder %s", s.FolderID)
		}
		var page driveFileList
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, errors.Wrap(err, "decoding drive file list")
		}
		for _, f := range page.Files {
			o := Object{ID: f.ID, Name: f.Name, Stamp: f.ModifiedTime}
			if t, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
				o.ModifiedTime = t.UTC()
			}
			out = append(out, o)
		}
		if len(page.NextPageToken) == 0 {
			break
		}
		q.Set("pageToken", page.NextPageToken)
	}
	return out, nil
}

// ModifiedTimes keys the modifiedTime strings of objects by id, the form
// the ingest tracking file stores. Drive's own string is kept as is.
func ModifiedTimes(objects []Object) map[string]string {
	out := make(map[string]string, len(objects))
	for _, o := range objects {
		out[o.ID] = o.Stamp
		if len(o.Stamp) == 0 {
			out[o.ID] = o.ModifiedTime.Format(time.RFC3339Nano)
		}
	}
	return out
}

// SameModifiedTime reports whether stamp, as stored by ModifiedTimes or
// any other RFC 3339 writer, names the modification time of o.
func SameModifiedTime(stamp string, o Object) bool {
	if len(stamp) == 0 {
		return false
	}
	if len(o.Stamp) > 0 && stamp == o.Stamp {
		return true
	}
	t, err := time.Parse(time.RFC3339Nano, stamp)
	return err == nil && t.Equal(o.ModifiedTime)
}
