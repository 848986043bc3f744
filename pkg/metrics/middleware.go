package metrics

import (
	"time"

	"github.com/pzhenzhou/pipekv/pkg/respio"
)

// ErrorClassifier maps an error to the value of the "type" label on the errors counter.
type ErrorClassifier func(err error) string

// MetricsMiddleWare wraps client calls and server command handling with metrics.
type MetricsMiddleWare struct {
	collector            MetricsCollector
	recordCommandLatency bool
	classify             ErrorClassifier
}

func NewMetricsMiddleware(collector MetricsCollector) *MetricsMiddleWare {
	return &MetricsMiddleWare{
		collector:            collector,
		recordCommandLatency: true,
		classify: func(error) string {
			return "call_error"
		},
	}
}

func NewMetricsMiddlewareWithOptions(collector MetricsCollector, recordCommandLatency bool,
	classify ErrorClassifier) *MetricsMiddleWare {
	m := NewMetricsMiddleware(collector)
	m.recordCommandLatency = recordCommandLatency
	if classify != nil {
		m.classify = classify
	}
	return m
}

func (m *MetricsMiddleWare) GetCollector() MetricsCollector {
	return m.collector
}

func (m *MetricsMiddleWare) OnConnectionOpen() {
	m.collector.IncrementActiveConnections()
}

func (m *MetricsMiddleWare) OnConnectionClose() {
	m.collector.DecrementActiveConnections()
}

func (m *MetricsMiddleWare) TrackCommand(command string) {
	m.collector.IncrementCommandCounter(command)
}

// TrackLatency records the latency since start for command and in the overall series.
func (m *MetricsMiddleWare) TrackLatency(command string, start time.Time) {
	duration := time.Since(start)
	if m.recordCommandLatency {
		m.collector.RecordCommandLatency(command, duration)
	}
	m.collector.RecordOverallLatency(duration)
}

func (m *MetricsMiddleWare) TrackError(errorType string) {
	m.collector.IncrementErrorCounter(errorType)
}

// TrackEvent counts a named event such as a reconnect.
func (m *MetricsMiddleWare) TrackEvent(event string) {
	m.collector.IncrementCounter(event)
}

func (m *MetricsMiddleWare) TrackInFlight(n int) {
	m.collector.SetGauge("inflight", float32(n))
}

// WrapCall wraps one client call, retries included.
func (m *MetricsMiddleWare) WrapCall(command string, fn func() error) error {
	m.TrackCommand(command)
	start := time.Now()
	err := fn()
	m.TrackLatency(command, start)
	if err != nil {
		m.TrackError(m.classify(err))
	}
	return err
}

// WrapCommand wraps the server side handling of one decoded command.
func (m *MetricsMiddleWare) WrapCommand(packet *respio.RespPacket, fn func() *respio.RespPacket) *respio.RespPacket {
	command := string(packet.GetCommand())
	m.TrackCommand(command)
	start := time.Now()
	reply := fn()
	m.TrackLatency(command, start)
	if reply != nil && reply.Type == respio.RespError {
		m.TrackError("reply_error")
	}
	return reply
}
