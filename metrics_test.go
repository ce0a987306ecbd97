package streamrpc

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

// counterTotal sums the counters named name across every label set.
func counterTotal(sink *metrics.InmemSink, name []string) int {
	flat := strings.Join(name, ".")
	var total int
	for _, interval := range sink.Data() {
		interval.RLock()
		for _, counter := range interval.Counters {
			if counter.Name == flat {
				total += counter.Count
			}
		}
		interval.RUnlock()
	}
	return total
}

func counterLabels(sink *metrics.InmemSink, name []string) []metrics.Label {
	flat := strings.Join(name, ".")
	var labels []metrics.Label
	for _, interval := range sink.Data() {
		interval.RLock()
		for _, counter := range interval.Counters {
			if counter.Name == flat {
				labels = append(labels, counter.Labels...)
			}
		}
		interval.RUnlock()
	}
	return labels
}

func TestConnectionMetrics(t *testing.T) {
	sink := metrics.NewInmemSink(time.Minute, 5*time.Minute)
	a, b, err := NewLocalPair(
		testMethods(&callLog{}),
		testMethods(&callLog{}),
		WithMetricSink(sink),
		WithMetricLabels([]metrics.Label{{Name: "env", Value: "test"}}),
	)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = Call[int](ctx, a, "add", 1, 2)
	require.NoError(t, err)
	require.NoError(t, a.Notify(ctx, "record", "x"))

	// request + notify from a, response from b.
	require.Equal(t, 3, counterTotal(sink, MetricEnvelopeOutCount))
	require.Equal(t, 3, counterTotal(sink, MetricEnvelopeInCount))
	require.Equal(t, 2, counterTotal(sink, MetricConnectionOpenCount))
	require.Contains(t, counterLabels(sink, MetricEnvelopeOutCount), metrics.Label{Name: "env", Value: "test"})
	require.Contains(t, counterLabels(sink, MetricEnvelopeOutCount), LabelTransport.M("local"))

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	require.Equal(t, 2, counterTotal(sink, MetricConnectionCloseCount))
}

func TestHandlerMetrics(t *testing.T) {
	sink := metrics.NewInmemSink(time.Minute, 5*time.Minute)
	tr := newServerTransport(t, WithMetricSink(sink))
	ctx := context.Background()

	tr.Handle(ctx, HandlerRequest{Method: http.MethodGet, URL: "/for/client"})
	tr.Handle(ctx, HandlerRequest{Method: http.MethodPost, URL: "/from/client", Body: []byte("{")})
	tr.Handle(ctx, HandlerRequest{Method: http.MethodGet, URL: "/elsewhere"})

	require.Equal(t, 3, counterTotal(sink, MetricHandlerRequestCount))
	require.Equal(t, 1, counterTotal(sink, MetricEnvelopeInErrorCount))
}

func TestTelemetryLabel(t *testing.T) {
	require.Equal(t, metrics.Label{Name: "peer_id", Value: "x"}, LabelPeerID.M("x"))

	attr := LabelBatchSize.L(3)
	require.Equal(t, "batch_size", attr.Key)
	require.Equal(t, int64(3), attr.Value.Int64())

	static := make([]metrics.Label, 1, 4)
	static[0] = LabelDeviceID.M("a")
	notify := withLabels(static, LabelKind.M("NOTIFY"))
	request := withLabels(static, LabelKind.M("REQUEST"))
	require.Len(t, static, 1)
	require.Equal(t, "NOTIFY", notify[1].Value)
	require.Equal(t, "REQUEST", request[1].Value)
}
