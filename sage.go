package main

/* sage serves sugarcane growth stage classifications derived from
   NDVI/EVI rasters and point tables. Layers, sources and rule tables
   are declared in a YAML config file which is reloaded on SIGHUP. */

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/hrsage/sage/metrics"
	"github.com/hrsage/sage/processor"
	"github.com/hrsage/sage/source"
	"github.com/hrsage/sage/store"
	"github.com/hrsage/sage/utils"
	"github.com/joho/godotenv"
	reuseport "github.com/kavu/go_reuseport"
	"github.com/nci/gomemcache/memcache"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
)

var (
	port           = flag.Int("p", 8080, "Server listening port.")
	confFile       = flag.String("conf", "conf/sage.yaml", "Server config file.")
	envFile        = flag.String("env", ".env", "Optional file of environment variables.")
	serverLogDir   = flag.String("log_dir", "", "Metrics log directory, - for stdout.")
	validateConfig = flag.Bool("check_conf", false, "Validate the config file and exit.")
	verbose        = flag.Bool("v", false, "Verbose mode for more server outputs.")
)

// state is everything derived from one version of the config file.
type state struct {
	conf        *utils.Config
	layers      map[string]*processor.Layer
	classifiers map[string]*processor.Classifier
	stores      map[string]source.BlobStore
	fetch       map[string]processor.FetchOptions
	gen         uint64
}

func (st *state) layer(name string) (*processor.Layer, error) {
	cfg, ok := st.conf.Layer(name)
	if !ok {
		return nil, &statusError{code: http.StatusNotFound, err: errors.Errorf("unknown layer %q", name)}
	}
	return st.layers[cfg.Name], nil
}

type server struct {
	mu       sync.RWMutex
	st       *state
	confPath string

	db      *sql.DB
	table   *store.Postgres
	mc      *memcache.Client
	limiter *processor.ConcLimiter
	decoder processor.Decoder
	metrics metrics.Logger
}

func loadConfig(path string) (*utils.Config, error) {
	conf := &utils.Config{}
	if err := conf.LoadConfigFile(path); err != nil {
		return nil, err
	}
	return conf, nil
}

// buildState compiles the layers of conf and opens its sources.
func (s *server) buildState(ctx context.Context, conf *utils.Config) (*state, error) {
	layers, classifiers, err := processor.CompileLayers(conf)
	if err != nil {
		return nil, err
	}
	st := &state{
		conf:        conf,
		layers:      layers,
		classifiers: classifiers,
		stores:      map[string]source.BlobStore{},
		fetch:       map[string]processor.FetchOptions{},
	}
	for i := range conf.Sources {
		cfg := &conf.Sources[i]
		bs, err := source.Open(ctx, cfg, s.db, s.mc, conf.ServiceConfig.CacheTTL)
		if err != nil {
			return nil, err
		}
		st.stores[cfg.Name] = bs

		opts := processor.FetchOptionsFromConfig(cfg.Fetch)
		name := cfg.Name
		opts.OnFailure = func(id string, err error) {
			metrics.FetchFailed(name)
			zap.L().Warn("raster fetch failed", zap.String("source", name), zap.String("id", id), zap.Error(err))
		}
		st.fetch[cfg.Name] = opts
	}
	for _, l := range layers {
		if l.IsTable() && s.table == nil {
			return nil, errors.Wrapf(utils.ErrInvalidConfig, "table layer %q needs database_dsn", l.Name)
		}
	}
	return st, nil
}

func (s *server) state() *state {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st
}

// reload swaps in a freshly compiled config. The running config is kept
// when the new one fails to load.
func (s *server) reload() error {
	conf, err := loadConfig(s.confPath)
	if err != nil {
		return err
	}
	st, err := s.buildState(context.Background(), conf)
	if err != nil {
		return err
	}
	if conf.ServiceConfig.DatabaseDSN != s.state().conf.ServiceConfig.DatabaseDSN {
		zap.L().Warn("database_dsn changes take effect on restart")
	}
	s.mu.Lock()
	st.gen = s.st.gen + 1
	s.st = st
	s.mu.Unlock()
	zap.L().Info("config reloaded", zap.String("file", s.confPath), zap.Int("layers", len(st.layers)))
	return nil
}

func newServer(confPath string, conf *utils.Config) (*server, error) {
	sc := conf.ServiceConfig
	s := &server{
		confPath: confPath,
		limiter:  processor.NewConcLimiter(sc.MaxConcurrentRuns),
		decoder:  utils.GTiffDecoder{TmpDir: sc.TmpDir},
	}
	if len(sc.DatabaseDSN) > 0 {
		db, err := store.Open(sc.DatabaseDSN, sc.MaxConcurrentRuns*2)
		if err != nil {
			return nil, errors.Wrap(err, "opening database")
		}
		s.db = db
		s.table = store.NewPostgres(db)
	}
	if len(sc.Memcache) > 0 {
		// lazy connection; errors returned in .Get
		s.mc = memcache.New(sc.Memcache)
	}

	st, err := s.buildState(context.Background(), conf)
	if err != nil {
		return nil, err
	}
	s.st = st
	return s, nil
}

func (s *server) router() http.Handler {
	r := mux.NewRouter()
	r.Handle("/sugarcane-locations", s.handle(s.serveLocations, true)).Methods(http.MethodGet)
	r.Handle("/sugarcane-locations.geojson", s.handle(s.serveLocationsGeoJSON, true)).Methods(http.MethodGet)
	r.Handle("/ndvi-data", s.handle(s.serveBounds, true)).Methods(http.MethodGet)
	r.Handle("/get-ndvi-info", s.handle(s.serveInfo, true)).Methods(http.MethodGet)
	r.Handle("/get-latest-ndvi", s.handle(s.serveLatest, false)).Methods(http.MethodGet)
	r.Handle("/get-ndvi-classified", s.handle(s.serveClassifiedTiff, true)).Methods(http.MethodGet)
	r.Handle("/get-ndvi-preview.png", s.handle(s.servePreviewPNG, true)).Methods(http.MethodGet)
	r.Handle("/get-ndvi-classified.png", s.handle(s.serveClassifiedPNG, true)).Methods(http.MethodGet)
	r.Handle("/check-ndvi-classification", s.handle(s.serveCheck, true)).Methods(http.MethodGet)
	r.Handle("/get-ndvi-metadata", s.handle(s.serveMetadata, true)).Methods(http.MethodGet)
	r.Handle("/legend", s.handle(s.serveLegend, true)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())

	origins := s.state().conf.ServiceConfig.CORSOrigins
	cors := handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
	)
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(*verbose))(cors(r))
}

func newMetricsLogger() metrics.Logger {
	if len(*serverLogDir) == 0 {
		return nil
	}
	if *serverLogDir == "-" {
		return metrics.NewStdoutLogger()
	}

	maxLogFileSize := int64(0)
	if val, ok := os.LookupEnv("SAGE_MAX_LOG_FILE_SIZE"); ok {
		valInt, e := strconv.ParseInt(val, 10, 64)
		if e == nil {
			maxLogFileSize = valInt
		} else {
			zap.L().Error("invalid SAGE_MAX_LOG_FILE_SIZE", zap.Error(e))
		}
	}

	maxLogFiles := -1
	if val, ok := os.LookupEnv("SAGE_MAX_LOG_FILES"); ok {
		valInt, e := strconv.ParseInt(val, 10, 32)
		if e == nil {
			maxLogFiles = int(valInt)
		} else {
			zap.L().Error("invalid SAGE_MAX_LOG_FILES", zap.Error(e))
		}
	}
	return metrics.NewFileLogger(*serverLogDir, maxLogFileSize, maxLogFiles, *verbose)
}

func main() {
	flag.Parse()

	logger, err := utils.NewLogger(*verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		logger.Warn("env file not loaded", zap.String("file", *envFile), zap.Error(err))
	}

	conf, err := loadConfig(*confFile)
	if err != nil {
		logger.Fatal("error loading config", zap.String("file", *confFile), zap.Error(err))
	}
	if *validateConfig {
		if _, _, err := processor.CompileLayers(conf); err != nil {
			logger.Fatal("invalid config", zap.Error(err))
		}
		logger.Info("config is valid", zap.String("file", *confFile))
		os.Exit(0)
	}

	utils.InitGdal()

	s, err := newServer(*confFile, conf)
	if err != nil {
		logger.Fatal("error starting server", zap.Error(err))
	}
	s.metrics = newMetricsLogger()
	utils.WatchConfig(s.reload)

	l, err := reuseport.Listen("tcp", fmt.Sprintf("%s:%d", conf.ServiceConfig.Hostname, *port))
	if err != nil {
		logger.Fatal("listen failed", zap.Int("port", *port), zap.Error(err))
	}
	l = netutil.LimitListener(l, conf.ServiceConfig.MaxConnections)

	srv := &http.Server{
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("sage is ready", zap.String("host", conf.ServiceConfig.Hostname), zap.Int("port", *port), zap.Int("layers", len(s.state().layers)))
	logger.Fatal("server stopped", zap.Error(srv.Serve(l)))
}
