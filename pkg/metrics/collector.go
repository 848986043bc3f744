package metrics

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	gometrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-metrics/prometheus"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pzhenzhou/pipekv/pkg/common"
)

type ExposeMetricSink string

const (
	InMemorySink    ExposeMetricSink = "in-memory"
	PrometheusSink  ExposeMetricSink = "prometheus"
	AllMetricsSink  ExposeMetricSink = "all"
	ExposeMetricURL                  = "/metrics"
)

var logger = common.InitLogger().WithName("pipekv-metrics")

var (
	keyCommandLatency = []string{"command", "latency"}
	keyOverallLatency = []string{"overall", "latency"}
	keyConnections    = []string{"connections", "active"}
	keyCommandCount   = []string{"command", "count"}
	keyErrors         = []string{"errors"}
)

// MetricsCollector is shared by the client facade and the example server.
type MetricsCollector interface {
	// RecordCommandLatency records the latency of one command, from submit to reply (client) or
	// from decode to encoded reply (server).
	RecordCommandLatency(command string, duration time.Duration)
	RecordOverallLatency(duration time.Duration)

	IncrementActiveConnections()
	DecrementActiveConnections()

	IncrementCommandCounter(command string)
	// IncrementCounter bumps <label>.count, used for reconnects, give-ups and similar events.
	IncrementCounter(label string)
	IncrementErrorCounter(errorType string)

	// SetGauge sets <name>.value, e.g. the number of requests in flight.
	SetGauge(name string, value float32)

	Shutdown()
	Handler() gin.HandlerFunc
}

type Config struct {
	// ServiceName prefixes every key and is attached as the service label.
	ServiceName string
	// AggregationInterval and RetentionPeriod only apply to the in-memory sink.
	AggregationInterval time.Duration
	RetentionPeriod     time.Duration

	ExposeSink      ExposeMetricSink
	MetricsEndpoint string
}

func DefaultConfig() *Config {
	return &Config{
		ServiceName:         "pipekv",
		AggregationInterval: 5 * time.Second,
		RetentionPeriod:     10 * time.Minute,
		MetricsEndpoint:     ExposeMetricURL,
		ExposeSink:          InMemorySink,
	}
}

func NewConfig(serviceName string, sink ExposeMetricSink) *Config {
	config := DefaultConfig()
	config.ServiceName = serviceName
	config.ExposeSink = sink
	return config
}

// ConfigFromServer maps the kvserver flags onto a collector config.
func ConfigFromServer(serviceName string, cfg *common.MetricsConfig) *Config {
	config := DefaultConfig()
	config.ServiceName = serviceName
	if cfg.MetricsSinkType != "" {
		config.ExposeSink = ExposeMetricSink(cfg.MetricsSinkType)
	}
	if cfg.MetricsPath != "" {
		config.MetricsEndpoint = cfg.MetricsPath
	}
	return config
}

// NewMetricsCollector creates a collector writing to the sinks config selects. Each collector
// owns its prometheus registry, so clients and servers in one process do not collide.
func NewMetricsCollector(config *Config) (MetricsCollector, error) {
	return newSinkCollector(config)
}

func newSinkCollector(config *Config) (*sinkCollector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	c := &sinkCollector{
		exposeSink:   config.ExposeSink,
		serviceLabel: gometrics.Label{Name: "service", Value: config.ServiceName},
	}
	var sinks gometrics.FanoutSink
	if config.ExposeSink == InMemorySink || config.ExposeSink == AllMetricsSink {
		c.inm = gometrics.NewInmemSink(config.AggregationInterval, config.RetentionPeriod)
		sinks = append(sinks, c.inm)
	}
	if config.ExposeSink == PrometheusSink || config.ExposeSink == AllMetricsSink {
		c.registry = promclient.NewRegistry()
		promSink, err := prometheus.NewPrometheusSinkFrom(prometheus.PrometheusOpts{
			Expiration: 60 * time.Second,
			Registerer: c.registry,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, promSink)
	}

	metricsConf := gometrics.DefaultConfig(config.ServiceName)
	metricsConf.EnableHostname = false
	metricsConf.EnableRuntimeMetrics = false
	impl, err := gometrics.New(metricsConf, sinks)
	if err != nil {
		return nil, err
	}
	c.metrics = impl
	logger.Info("Metrics collector initialized", "serviceName", config.ServiceName,
		"sink", config.ExposeSink, "endpoint", config.MetricsEndpoint)
	return c, nil
}

type sinkCollector struct {
	metrics      *gometrics.Metrics
	inm          *gometrics.InmemSink
	registry     *promclient.Registry
	exposeSink   ExposeMetricSink
	serviceLabel gometrics.Label
}

func (c *sinkCollector) labels(extra ...gometrics.Label) []gometrics.Label {
	return append([]gometrics.Label{c.serviceLabel}, extra...)
}

func (c *sinkCollector) RecordCommandLatency(command string, duration time.Duration) {
	c.metrics.AddSampleWithLabels(keyCommandLatency, float32(duration.Microseconds()),
		c.labels(gometrics.Label{Name: "command", Value: command}))
}

func (c *sinkCollector) RecordOverallLatency(duration time.Duration) {
	c.metrics.AddSampleWithLabels(keyOverallLatency, float32(duration.Microseconds()), c.labels())
}

func (c *sinkCollector) IncrementActiveConnections() {
	c.metrics.IncrCounterWithLabels(keyConnections, 1, c.labels())
}

func (c *sinkCollector) DecrementActiveConnections() {
	c.metrics.IncrCounterWithLabels(keyConnections, -1, c.labels())
}

func (c *sinkCollector) IncrementCommandCounter(command string) {
	c.metrics.IncrCounterWithLabels(keyCommandCount, 1, c.labels(gometrics.Label{Name: "command", Value: command}))
}

func (c *sinkCollector) IncrementCounter(label string) {
	c.metrics.IncrCounterWithLabels([]string{label, "count"}, 1, c.labels())
}

func (c *sinkCollector) IncrementErrorCounter(errorType string) {
	c.metrics.IncrCounterWithLabels(keyErrors, 1, c.labels(gometrics.Label{Name: "type", Value: errorType}))
}

func (c *sinkCollector) SetGauge(name string, value float32) {
	c.metrics.SetGaugeWithLabels([]string{name, "value"}, value, c.labels())
}

func (c *sinkCollector) Shutdown() {
	c.metrics.Shutdown()
}

// Handler serves the prometheus registry when one is configured, otherwise the in-memory
// intervals as JSON.
func (c *sinkCollector) Handler() gin.HandlerFunc {
	var handler http.Handler
	switch {
	case c.registry != nil:
		handler = promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
	case c.inm != nil:
		handler = http.HandlerFunc(c.serveInMemory)
	default:
		handler = http.NotFoundHandler()
	}
	return func(ctx *gin.Context) {
		handler.ServeHTTP(ctx.Writer, ctx.Request)
	}
}

func (c *sinkCollector) serveInMemory(w http.ResponseWriter, r *http.Request) {
	summary, err := c.inm.DisplayMetrics(w, r)
	if err != nil {
		logger.Error(err, "Failed to summarize in-memory metrics")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if summary == nil {
		_, _ = w.Write([]byte("{}"))
		return
	}
	if err := json.NewEncoder(w).Encode(summary); err != nil {
		logger.Error(err, "Failed to encode in-memory metrics")
	}
}
