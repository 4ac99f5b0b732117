package metrics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"time"

	"go.uber.org/zap"
)

type URLInfo struct {
	RawURL string            `json:"raw_url"`
	Host   string            `json:"host"`
	Path   string            `json:"path"`
	Query  map[string]string `json:"query"`
}

// PipelineInfo records one classification run.
type PipelineInfo struct {
	Duration    time.Duration  `json:"duration"`
	Layer       string         `json:"layer"`
	Stage       string         `json:"stage"`
	NumFiles    int            `json:"num_files"`
	NumFetched  int            `json:"num_fetched"`
	BytesRead   int64          `json:"bytes_read"`
	NumCells    int            `json:"num_cells"`
	NumPassed   int            `json:"num_passed"`
	NumPoints   int            `json:"num_points"`
	NumSkipped  int            `json:"num_skipped"`
	NumRows     int            `json:"num_rows"`
	ClassCounts map[string]int `json:"class_counts,omitempty"`
}

type MetricsInfo struct {
	ReqID       string        `json:"req_id"`
	ReqTime     string        `json:"req_time"`
	ReqDuration time.Duration `json:"req_duration"`
	URL         URLInfo       `json:"url"`
	RemoteAddr  string        `json:"remote_addr"`
	RemoteHost  string        `json:"remote_host"`
	RemotePort  string        `json:"remote_port"`
	HTTPStatus  int           `json:"http_status"`
	CacheHit    bool          `json:"cache_hit"`
	Pipeline    *PipelineInfo `json:"pipeline"`
}

type MetricsCollector struct {
	Info   *MetricsInfo
	logger Logger
}

func NewMetricsCollector(logger Logger) *MetricsCollector {
	return &MetricsCollector{
		Info: &MetricsInfo{
			Pipeline: &PipelineInfo{},
		},
		logger: logger,
	}
}

// Log hands the collected info to the logger and updates the Prometheus
// counters.
func (m *MetricsCollector) Log() {
	observe(m.Info)
	if m.logger != nil {
		m.logger.Log(m.Info)
	}
}

func (i *MetricsInfo) ToJSON() (string, error) {
	i.normaliseNetworkAddr(i.RemoteAddr)
	if err := i.normaliseURL(&i.URL); err != nil {
		zap.L().Debug("metrics url not parsed", zap.String("url", i.URL.RawURL), zap.Error(err))
	}

	buf := new(bytes.Buffer)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(i); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (i *MetricsInfo) normaliseNetworkAddr(addr string) {
	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		i.RemoteHost = host
		i.RemotePort = port
	} else {
		i.RemoteHost = addr
	}
}

func (i *MetricsInfo) normaliseURL(u *URLInfo) error {
	r, err := url.Parse(u.RawURL)
	if err != nil {
		return err
	}

	u.Host = r.Host
	u.Path = r.Path
	query, err := url.ParseQuery(r.RawQuery)
	if err != nil {
		return err
	}

	if u.Query == nil {
		u.Query = make(map[string]string)
	}
	for k, v := range query {
		if len(v) == 1 {
			u.Query[k] = v[0]
		} else if len(v) > 1 {
			u.Query[k] = fmt.Sprintf("%v", v)
		} else {
			u.Query[k] = ""
		}
	}
	return nil
}
