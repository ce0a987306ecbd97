package streamrpc

import (
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricEnvelopeOutCount        = []string{"streamrpc", "envelope", "out", "count"}
	MetricEnvelopeOutErrorCount   = []string{"streamrpc", "envelope", "out", "error", "count"}
	MetricEnvelopeInCount         = []string{"streamrpc", "envelope", "in", "count"}
	MetricEnvelopeInErrorCount    = []string{"streamrpc", "envelope", "in", "error", "count"}
	MetricRequestDurationMs       = []string{"streamrpc", "request", "duration", "ms"}
	MetricConnectionOpenCount     = []string{"streamrpc", "connection", "open", "count"}
	MetricConnectionCloseCount    = []string{"streamrpc", "connection", "close", "count"}
	MetricHTTPPullCount           = []string{"streamrpc", "http", "pull", "count"}
	MetricHTTPPullErrorCount      = []string{"streamrpc", "http", "pull", "error", "count"}
	MetricHTTPPushErrorCount      = []string{"streamrpc", "http", "push", "error", "count"}
	MetricHTTPPullDelayMs         = []string{"streamrpc", "http", "pull", "delay", "ms"}
	MetricWebSocketReconnectCount = []string{"streamrpc", "websocket", "reconnect", "count"}
	MetricHandlerRequestCount     = []string{"streamrpc", "handler", "request", "count"}
)

type TelemetryLabel string

var (
	LabelError       TelemetryLabel = "error"
	LabelDeviceID    TelemetryLabel = "device_id"
	LabelPeerID      TelemetryLabel = "peer_id"
	LabelPeerAddr    TelemetryLabel = "peer_addr"
	LabelConnection  TelemetryLabel = "connection"
	LabelTransport   TelemetryLabel = "transport"
	LabelKind        TelemetryLabel = "kind"
	LabelMethod      TelemetryLabel = "method"
	LabelEnvelopeID  TelemetryLabel = "envelope_id"
	LabelStatus      TelemetryLabel = "status"
	LabelRoute       TelemetryLabel = "route"
	LabelDuration    TelemetryLabel = "duration"
	LabelBatchSize   TelemetryLabel = "batch_size"
	LabelCloseReason TelemetryLabel = "close_reason"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// withLabels appends extra labels to the static ones without aliasing the
// static slice.
func withLabels(static []metrics.Label, extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(static)+len(extra))
	labels = append(labels, static...)
	return append(labels, extra...)
}

func sinceMs(start time.Time) float32 {
	return float32(time.Since(start)) / float32(time.Millisecond)
}
