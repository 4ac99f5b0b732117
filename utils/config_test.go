package utils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
)

const testConfig = `
service_config:
  memcache: ${SAGE_TEST_MC}
sources:
  - name: tiles
    type: local
    root: /srv/ndvi
    fetch:
      max_attempts: 3
      base_delay_ms: 200
layers:
  - name: ndvi
    source: tiles
    files: [north.tif, south.tif]
    indices:
      - name: ndvi
        expr: b1
    rule_table: ndvi
    texture: {}
  - name: points
    table: ndvi_points
    indices:
      - name: ndvi
      - name: n_tallmonths
    rule_table: points-v2
`

func TestLoadConfigFile(t *testing.T) {
	os.Setenv("SAGE_TEST_MC", "127.0.0.1:11211")
	defer os.Unsetenv("SAGE_TEST_MC")

	path := filepath.Join(t.TempDir(), "sage.yaml")
	if err := os.WriteFile(path, []byte(testConfig), 0644); err != nil {
		t.Fatal(err)
	}

	var config Config
	if err := config.LoadConfigFile(path); err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if config.ServiceConfig.Memcache != "127.0.0.1:11211" {
		t.Errorf("environment was not expanded: %q", config.ServiceConfig.Memcache)
	}
	if config.ServiceConfig.DefaultLayer != "ndvi" {
		t.Errorf("default layer should be the first layer, got %q", config.ServiceConfig.DefaultLayer)
	}
	if config.ServiceConfig.PageSize != DefaultPageSize {
		t.Errorf("unexpected page size %d", config.ServiceConfig.PageSize)
	}
	if config.ServiceConfig.CacheTTL != DefaultCacheTTL {
		t.Errorf("cache entries must expire by default, ttl %d", config.ServiceConfig.CacheTTL)
	}
	if config.ServiceConfig.MaxMosaicCells != DefaultMaxMosaicCells || config.ServiceConfig.Hostname != DefaultHostname {
		t.Errorf("unexpected service defaults %+v", config.ServiceConfig)
	}

	src, ok := config.Source("tiles")
	if !ok || src.Fetch.MaxAttempts != 3 || src.Fetch.Workers != DefaultFetchWorkers {
		t.Errorf("unexpected source %+v", src)
	}

	layer, ok := config.Layer("")
	if !ok || layer.Name != "ndvi" {
		t.Fatalf("default layer lookup failed")
	}
	if *layer.ValidMin != -1 || *layer.ValidMax != 1 || layer.MaskIndex != "ndvi" {
		t.Errorf("unexpected layer defaults %+v", layer)
	}
	if layer.Texture.Radius != DefaultTextureRadius || layer.Texture.Threshold != DefaultTextureThreshold {
		t.Errorf("unexpected texture defaults %+v", layer.Texture)
	}
	if layer.Terrain != nil {
		t.Errorf("terrain mask should stay disabled")
	}

	points, _ := config.Layer("points")
	if !points.IsTable() || points.LatColumn != "lat" || points.Indices[1].Column != "n_tallmonths" {
		t.Errorf("unexpected table layer defaults %+v", points)
	}
}

func TestConfigValidate(t *testing.T) {
	cases := map[string]string{
		"unknown source": `
layers:
  - name: ndvi
    source: nowhere
    files: [a.tif]
    indices: [{name: ndvi, expr: b1}]
    rule_table: ndvi
`,
		"bad source type": `
sources:
  - name: x
    type: ftp
`,
		"no indices": `
sources:
  - {name: tiles, type: local, root: /tmp}
layers:
  - name: ndvi
    source: tiles
    files: [a.tif]
    rule_table: ndvi
`,
		"short palette": `
sources:
  - {name: tiles, type: local, root: /tmp}
layers:
  - name: ndvi
    source: tiles
    files: [a.tif]
    indices: [{name: ndvi, expr: b1}]
    rule_table: ndvi
    preview:
      palette:
        colours: [red]
`,
	}
	for name, doc := range cases {
		var config Config
		err := config.Parse([]byte(doc))
		if err == nil {
			t.Errorf("%s: config accepted", name)
			continue
		}
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: unexpected error kind: %v", name, err)
		}
	}

	var config Config
	if err := config.Parse([]byte("layers: [")); err == nil || !strings.Contains(err.Error(), "parsing") {
		t.Errorf("malformed document not reported: %v", err)
	}
}
