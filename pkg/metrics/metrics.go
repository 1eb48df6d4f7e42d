// Package metrics keeps in-process request statistics for the admin JSON
// snapshot and exposes the same signals as Prometheus collectors.
package metrics

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ziebelje/cora/pkg/fault"
)

type Registry struct {
	mu         sync.RWMutex
	endpoint   map[string]*EndpointStat
	calls      map[string]*CallStat
	errorCodes map[string]int64
	batches    BatchStat
	gauges     map[string]float64
	Histograms *HistogramRegistry

	prom         *prometheus.Registry
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	callTotal    *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	batchTotal   *prometheus.CounterVec
	batchSize    prometheus.Histogram
	queryTotal   prometheus.Counter
	gaugeVec     *prometheus.GaugeVec
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type CallStat struct {
	Count       int64 `json:"count"`
	Failures    int64 `json:"failures"`
	TotalMillis int64 `json:"total_millis"`
	MaxMillis   int64 `json:"max_millis"`
}

type BatchStat struct {
	Committed  int64 `json:"committed"`
	RolledBack int64 `json:"rolled_back"`
	Calls      int64 `json:"calls"`
	Queries    int64 `json:"queries"`
}

type Snapshot struct {
	GeneratedAt string                  `json:"generated_at"`
	Endpoints   map[string]EndpointStat `json:"endpoints"`
	Calls       map[string]CallStat     `json:"calls"`
	ErrorCodes  map[string]int64        `json:"error_codes"`
	Batches     BatchStat               `json:"batches"`
	Gauges      map[string]float64      `json:"gauges"`
	Histograms  []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	r := &Registry{
		endpoint:   map[string]*EndpointStat{},
		calls:      map[string]*CallStat{},
		errorCodes: map[string]int64{},
		gauges:     map[string]float64{},
		Histograms: NewHistogramRegistry(),
		prom:       prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cora_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cora_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: defaultBuckets,
		}, []string{"route"}),
		callTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cora_calls_total",
			Help: "Dispatched calls by resource.method and fault code (0 on success).",
		}, []string{"call", "code"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cora_call_duration_seconds",
			Help:    "Method invocation latency by resource.method.",
			Buckets: defaultBuckets,
		}, []string{"call"}),
		batchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cora_batch_total",
			Help: "Completed requests by transaction outcome.",
		}, []string{"outcome"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cora_batch_calls",
			Help:    "Number of calls per request.",
			Buckets: prometheus.LinearBuckets(1, 5, 10),
		}),
		queryTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cora_query_total",
			Help: "Statements executed through the data store gateway.",
		}),
		gaugeVec: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cora_gauge",
			Help: "Operational gauges.",
		}, []string{"name"}),
	}
	r.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.httpRequests, r.httpDuration, r.callTotal, r.callDuration,
		r.batchTotal, r.batchSize, r.queryTotal, r.gaugeVec,
	)
	return r
}

// Observe records one HTTP request against route.
func (r *Registry) Observe(route string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(d.Seconds())
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[route]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[route] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// ObserveCall records one method invocation. code is zero on success.
func (r *Registry) ObserveCall(name string, code fault.Code, d time.Duration) {
	codeLabel := strconv.Itoa(int(code))
	r.callTotal.WithLabelValues(name, codeLabel).Inc()
	r.callDuration.WithLabelValues(name).Observe(d.Seconds())
	r.Histograms.ObserveDuration(name, d)
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.calls[name]
	if !ok {
		stat = &CallStat{}
		r.calls[name] = stat
	}
	stat.Count++
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	if code != 0 {
		stat.Failures++
		r.errorCodes[codeLabel]++
	}
}

// ObserveBatch records the outcome of one request.
func (r *Registry) ObserveBatch(committed bool, calls, queries int, d time.Duration) {
	outcome := "rolled_back"
	if committed {
		outcome = "committed"
	}
	r.batchTotal.WithLabelValues(outcome).Inc()
	r.batchSize.Observe(float64(calls))
	r.queryTotal.Add(float64(queries))
	r.Histograms.ObserveDuration("batch", d)
	r.mu.Lock()
	defer r.mu.Unlock()
	if committed {
		r.batches.Committed++
	} else {
		r.batches.RolledBack++
	}
	r.batches.Calls += int64(calls)
	r.batches.Queries += int64(queries)
}

// ObserveFault counts a fault raised outside the engine, such as a transport
// or rate limit failure.
func (r *Registry) ObserveFault(code fault.Code) {
	r.mu.Lock()
	r.errorCodes[strconv.Itoa(int(code))]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.gaugeVec.WithLabelValues(name).Set(value)
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	out := Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Endpoints:   make(map[string]EndpointStat, len(r.endpoint)),
		Calls:       make(map[string]CallStat, len(r.calls)),
		ErrorCodes:  make(map[string]int64, len(r.errorCodes)),
		Batches:     r.batches,
		Gauges:      make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.calls {
		out.Calls[k] = *v
	}
	for k, v := range r.errorCodes {
		out.ErrorCodes[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	r.mu.RUnlock()
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(r.Snapshot())
	}
}

func (r *Registry) PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{Registry: r.prom})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack lets websocket upgrades pass through the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	s.status = http.StatusSwitchingProtocols
	return http.NewResponseController(s.ResponseWriter).Hijack()
}

// Middleware observes every request under its chi route pattern, so path
// parameters do not explode label cardinality.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		route := req.URL.Path
		if rc := chi.RouteContext(req.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		r.Observe(req.Method+" "+route, rec.status, time.Since(start))
	})
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
