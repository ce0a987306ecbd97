package ginadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/streamrpc"
	"github.com/stretchr/testify/require"
)

func newRouter(t *testing.T, opts ...streamrpc.Option) (*gin.Engine, *streamrpc.HTTPServerTransport) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	opts = append(opts,
		streamrpc.WithDeviceID("server"),
		streamrpc.WithMetricSink(&metrics.BlackholeSink{}),
		streamrpc.WithMethods(streamrpc.Methods{
			"add": streamrpc.Func2(func(_ context.Context, a, b int) (int, error) {
				return a + b, nil
			}),
		}),
	)
	tr, err := streamrpc.NewHTTPServerTransport(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	r := gin.New()
	Register(r, tr)
	return r, tr
}

func TestRequestThroughGin(t *testing.T) {
	r, tr := newRouter(t, streamrpc.WithBasePath("/rpc"))

	args, err := streamrpc.EncodeArgs(1, 2)
	require.NoError(t, err)
	body, err := streamrpc.EncodeBatch([]*streamrpc.Envelope{{
		Kind:         streamrpc.KindRequest,
		FromDeviceID: "client",
		EnvelopeID:   "req-1",
		Method:       "add",
		Args:         args,
	}})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rpc/from/client", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"ok":true}`, rec.Body.String())
	require.Equal(t, 1, tr.Connections().Len())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rpc/for/client", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	envs, err := streamrpc.DecodeBatch(rec.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, envs, 1)
	require.Equal(t, streamrpc.KindResponse, envs[0].Kind)
	require.Equal(t, "req-1", envs[0].EnvelopeID)

	var sum int
	require.NoError(t, json.Unmarshal(envs[0].Data, &sum))
	require.Equal(t, 3, sum)
}

func TestMalformedPushThroughGin(t *testing.T) {
	r, _ := newRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/from/client", bytes.NewReader([]byte(`{"not":"an array"}`))))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHTTPClientAgainstGin(t *testing.T) {
	r, _ := newRouter(t)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	client, err := streamrpc.NewHTTPClientTransport(
		streamrpc.WithDeviceID("client"),
		streamrpc.WithMetricSink(&metrics.BlackholeSink{}),
		streamrpc.WithPollIntervals(streamrpc.PollIntervals{
			Quick: 5 * time.Millisecond,
			Slow:  20 * time.Millisecond,
			Error: 20 * time.Millisecond,
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	conn, err := client.AddConnection(srv.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sum, err := streamrpc.Call[int](ctx, conn, "add", 20, 22)
	require.NoError(t, err)
	require.Equal(t, 42, sum)
}
