package utils

import (
	"image/color"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

const (
	DefaultPageSize          = 1000
	DefaultMaxConcurrentRuns = 4
	DefaultMaxConnections    = 256
	DefaultFetchWorkers      = 4
	DefaultTextureRadius     = 3
	DefaultTextureThreshold  = 2.0
	DefaultTerrainThreshold  = 20.0
	DefaultMaxMosaicCells    = 1 << 26
	DefaultCacheTTL          = 300
	DefaultHostname          = "0.0.0.0"
)

type ServiceConfig struct {
	Hostname          string   `yaml:"hostname"`
	MaxConcurrentRuns int      `yaml:"max_concurrent_runs"`
	MaxConnections    int      `yaml:"max_connections"`
	CORSOrigins       []string `yaml:"cors_origins"`
	Memcache          string   `yaml:"memcache"`
	CacheTTL          int32    `yaml:"cache_ttl"`
	DatabaseDSN       string   `yaml:"database_dsn"`
	PageSize          int      `yaml:"page_size"`
	TmpDir            string   `yaml:"tmp_dir"`
	DefaultLayer      string   `yaml:"default_layer"`
	MaxMosaicCells    int      `yaml:"max_mosaic_cells"`
}

// FetchConfig is the retry and concurrency policy of one raster source.
// Delays are given in milliseconds.
type FetchConfig struct {
	Workers     int `yaml:"workers"`
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMS int `yaml:"base_delay_ms"`
	MaxDelayMS  int `yaml:"max_delay_ms"`
	JitterMS    int `yaml:"jitter_ms"`
}

// SourceConfig describes a byte producer. Type is one of local, s3,
// drive or postgis; only the fields of that type are read.
type SourceConfig struct {
	Name            string      `yaml:"name"`
	Type            string      `yaml:"type"`
	Root            string      `yaml:"root"`
	Bucket          string      `yaml:"bucket"`
	Prefix          string      `yaml:"prefix"`
	Region          string      `yaml:"region"`
	Endpoint        string      `yaml:"endpoint"`
	FolderID        string      `yaml:"folder_id"`
	CredentialsFile string      `yaml:"credentials_file"`
	Table           string      `yaml:"table"`
	Column          string      `yaml:"column"`
	Cache           bool        `yaml:"cache"`
	Fetch           FetchConfig `yaml:"fetch"`
}

// IndexConfig names one classifier input. Raster layers derive it with
// Expr, either a band reference such as b1 or band math over b1..bN.
// Table layers read it from Column.
type IndexConfig struct {
	Name   string `yaml:"name"`
	Expr   string `yaml:"expr"`
	Column string `yaml:"column"`
}

type TextureConfig struct {
	Radius    int     `yaml:"radius"`
	Threshold float64 `yaml:"threshold"`
}

type TerrainConfig struct {
	Threshold float64 `yaml:"threshold"`
}

type Palette struct {
	Interpolate bool     `yaml:"interpolate"`
	Colours     []string `yaml:"colours"`
}

// RGBA resolves the palette colour names.
func (p *Palette) RGBA() ([]color.RGBA, error) {
	out := make([]color.RGBA, len(p.Colours))
	for i, name := range p.Colours {
		c, err := ParseColour(name)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

type PreviewConfig struct {
	Offset  float64  `yaml:"offset"`
	Scale   float64  `yaml:"scale"`
	Clip    float64  `yaml:"clip"`
	Palette *Palette `yaml:"palette"`
}

// Layer binds a source, the indices derived from it, a rule table and
// the masks applied before classification.
type Layer struct {
	Name         string         `yaml:"name"`
	Title        string         `yaml:"title"`
	Source       string         `yaml:"source"`
	Files        []string       `yaml:"files"`
	Table        string         `yaml:"table"`
	LatColumn    string         `yaml:"lat_column"`
	LngColumn    string         `yaml:"lng_column"`
	Indices      []IndexConfig  `yaml:"indices"`
	RuleTable    string         `yaml:"rule_table"`
	MaskIndex    string         `yaml:"mask_index"`
	ValidMin     *float64       `yaml:"valid_min"`
	ValidMax     *float64       `yaml:"valid_max"`
	Texture      *TextureConfig `yaml:"texture"`
	Terrain      *TerrainConfig `yaml:"terrain"`
	ProjectWGS84 bool           `yaml:"project_wgs84"`
	Preview      PreviewConfig  `yaml:"preview"`
}

// IsTable reports whether the layer reads points from the tabular store
// rather than rasters.
func (l *Layer) IsTable() bool {
	return len(l.Table) > 0
}

// Config is the whole server configuration: where rasters and rows come
// from, the rule tables, and the layers served.
type Config struct {
	ServiceConfig ServiceConfig     `yaml:"service_config"`
	Sources       []SourceConfig    `yaml:"sources"`
	RuleTables    []RuleTableConfig `yaml:"rule_tables"`
	Layers        []Layer           `yaml:"layers"`
}

func (config *Config) Layer(name string) (*Layer, bool) {
	if len(name) == 0 {
		name = config.ServiceConfig.DefaultLayer
	}
	for i := range config.Layers {
		if config.Layers[i].Name == name {
			return &config.Layers[i], true
		}
	}
	return nil, false
}

func (config *Config) Source(name string) (*SourceConfig, bool) {
	for i := range config.Sources {
		if config.Sources[i].Name == name {
			return &config.Sources[i], true
		}
	}
	return nil, false
}

// LoadConfigFile reads a YAML (or JSON) document, expanding ${VAR}
// references from the environment, then fills defaults and validates it.
func (config *Config) LoadConfigFile(configFile string) error {
	*config = Config{}
	cfg, err := os.ReadFile(configFile)
	if err != nil {
		return errors.Wrapf(err, "error while reading config file: %s", configFile)
	}
	return config.Parse(cfg)
}

// Parse is LoadConfigFile for an in-memory document.
func (config *Config) Parse(doc []byte) error {
	*config = Config{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(doc))), config); err != nil {
		return errors.Wrap(err, "error parsing config document")
	}
	config.applyDefaults()
	return config.Validate()
}

func (config *Config) applyDefaults() {
	sc := &config.ServiceConfig
	if len(sc.Hostname) == 0 {
		sc.Hostname = DefaultHostname
	}
	// memcache treats 0 as never expire
	if sc.CacheTTL <= 0 {
		sc.CacheTTL = DefaultCacheTTL
	}
	if sc.MaxMosaicCells <= 0 {
		sc.MaxMosaicCells = DefaultMaxMosaicCells
	}
	if sc.MaxConcurrentRuns <= 0 {
		sc.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	if sc.MaxConnections <= 0 {
		sc.MaxConnections = DefaultMaxConnections
	}
	if sc.PageSize <= 0 {
		sc.PageSize = DefaultPageSize
	}
	if len(sc.CORSOrigins) == 0 {
		sc.CORSOrigins = []string{"*"}
	}
	if len(sc.DefaultLayer) == 0 && len(config.Layers) > 0 {
		sc.DefaultLayer = config.Layers[0].Name
	}

	for i := range config.Sources {
		f := &config.Sources[i].Fetch
		if f.Workers <= 0 {
			f.Workers = DefaultFetchWorkers
		}
		if f.MaxAttempts <= 0 {
			f.MaxAttempts = 1
		}
	}

	for i := range config.Layers {
		l := &config.Layers[i]
		if l.ValidMin == nil {
			v := -1.0
			l.ValidMin = &v
		}
		if l.ValidMax == nil {
			v := 1.0
			l.ValidMax = &v
		}
		if len(l.MaskIndex) == 0 && len(l.Indices) > 0 {
			l.MaskIndex = l.Indices[0].Name
		}
		if l.Texture != nil {
			if l.Texture.Radius <= 0 {
				l.Texture.Radius = DefaultTextureRadius
			}
			if l.Texture.Threshold == 0 {
				l.Texture.Threshold = DefaultTextureThreshold
			}
		}
		if l.Terrain != nil && l.Terrain.Threshold == 0 {
			l.Terrain.Threshold = DefaultTerrainThreshold
		}
		if l.IsTable() {
			if len(l.LatColumn) == 0 {
				l.LatColumn = "lat"
			}
			if len(l.LngColumn) == 0 {
				l.LngColumn = "lng"
			}
			for j := range l.Indices {
				if len(l.Indices[j].Column) == 0 {
					l.Indices[j].Column = l.Indices[j].Name
				}
			}
		}
		if l.Preview.Scale == 0 {
			l.Preview.Scale = 127
			l.Preview.Offset = 1
			l.Preview.Clip = 2
		}
	}
}

// Validate checks references between sections. Rule table semantics are
// checked when the tables are compiled.
func (config *Config) Validate() error {
	sources := map[string]bool{}
	for _, s := range config.Sources {
		if len(s.Name) == 0 {
			return errors.Wrap(ErrInvalidConfig, "source without a name")
		}
		if sources[s.Name] {
			return errors.Wrapf(ErrInvalidConfig, "duplicate source %q", s.Name)
		}
		sources[s.Name] = true
		switch strings.ToLower(s.Type) {
		case "local":
			if len(s.Root) == 0 {
				return errors.Wrapf(ErrInvalidConfig, "local source %q needs a root", s.Name)
			}
		case "s3":
			if len(s.Bucket) == 0 {
				return errors.Wrapf(ErrInvalidConfig, "s3 source %q needs a bucket", s.Name)
			}
		case "drive":
			if len(s.FolderID) == 0 {
				return errors.Wrapf(ErrInvalidConfig, "drive source %q needs a folder_id", s.Name)
			}
		case "postgis":
			if len(s.Table) == 0 || len(s.Column) == 0 {
				return errors.Wrapf(ErrInvalidConfig, "postgis source %q needs a table and a column", s.Name)
			}
		default:
			return errors.Wrapf(ErrInvalidConfig, "source %q has unknown type %q", s.Name, s.Type)
		}
	}

	layers := map[string]bool{}
	for _, l := range config.Layers {
		if len(l.Name) == 0 {
			return errors.Wrap(ErrInvalidConfig, "layer without a name")
		}
		if layers[l.Name] {
			return errors.Wrapf(ErrInvalidConfig, "duplicate layer %q", l.Name)
		}
		layers[l.Name] = true
		if len(l.Indices) == 0 {
			return errors.Wrapf(ErrInvalidConfig, "layer %q declares no indices", l.Name)
		}
		if len(l.RuleTable) == 0 {
			return errors.Wrapf(ErrInvalidConfig, "layer %q has no rule_table", l.Name)
		}
		if !l.IsTable() {
			if !sources[l.Source] {
				return errors.Wrapf(ErrInvalidConfig, "layer %q references unknown source %q", l.Name, l.Source)
			}
			if len(l.Files) == 0 {
				return errors.Wrapf(ErrInvalidConfig, "layer %q lists no files", l.Name)
			}
			for _, ix := range l.Indices {
				if len(ix.Expr) == 0 {
					return errors.Wrapf(ErrInvalidConfig, "layer %q index %q has no expr", l.Name, ix.Name)
				}
			}
		}
		if *l.ValidMin > *l.ValidMax {
			return errors.Wrapf(ErrInvalidConfig, "layer %q valid_min is above valid_max", l.Name)
		}
		if l.Preview.Palette != nil {
			if len(l.Preview.Palette.Colours) < 2 {
				return errors.Wrapf(ErrInvalidConfig, "layer %q palette must contain at least 2 colours", l.Name)
			}
			if _, err := l.Preview.Palette.RGBA(); err != nil {
				return errors.Wrapf(ErrInvalidConfig, "layer %q palette: %v", l.Name, err)
			}
		}
	}
	if len(config.Layers) > 0 && !layers[config.ServiceConfig.DefaultLayer] {
		return errors.Wrapf(ErrInvalidConfig, "default_layer %q is not a layer", config.ServiceConfig.DefaultLayer)
	}
	return nil
}

// WatchConfig calls reload each time the process receives SIGHUP.
func WatchConfig(reload func() error) {
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			zap.L().Info("caught SIGHUP, reloading config")
			if err := reload(); err != nil {
				zap.L().Error("config reload failed, keeping previous config", zap.Error(err))
			}
		}
	}()
}
