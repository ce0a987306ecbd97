package streamrpc

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
)

// PollIntervals tunes the pull loop of the `HTTPClientTransport`.
type PollIntervals struct {
	// Quick is used after a batch holding at least one envelope.
	Quick time.Duration
	// Slow is used after an empty batch.
	Slow time.Duration
	// Error is used after a failed pull.
	Error time.Duration
	// RequestTimeout bounds every pull and push.
	RequestTimeout time.Duration
}

// DefaultPollIntervals are the intervals used unless `WithPollIntervals`
// is given.
var DefaultPollIntervals = PollIntervals{
	Quick:          10 * time.Millisecond,
	Slow:           1000 * time.Millisecond,
	Error:          3000 * time.Millisecond,
	RequestTimeout: 1000 * time.Millisecond,
}

type config struct {
	deviceID     string
	description  string
	methods      Methods
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label

	// http
	httpClient *http.Client
	poll       PollIntervals
	basePath   string
	staleAfter time.Duration

	// websocket
	connectTimeout time.Duration
	reconnectDelay time.Duration
	gracePeriod    time.Duration

	// quic
	tlsConfig    *tls.Config
	peerResolver PeerIDResolver
	dialTimeout  time.Duration

	versionConstraint *semver.Constraints
}

// Option to pass to any transport constructor.
type Option func(*config) error

func defaultConfig() config {
	return config{
		methods:        Methods{},
		poll:           DefaultPollIntervals,
		basePath:       "/",
		staleAfter:     10 * time.Second,
		connectTimeout: 2 * time.Second,
		reconnectDelay: 2 * time.Second,
		gracePeriod:    1 * time.Second,
		dialTimeout:    30 * time.Second,
		peerResolver:   CommonNameResolver,
	}
}

func newConfig(opts []Option) (config, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return cfg, wrapCfgErr(err)
		}
	}
	if cfg.deviceID == "" {
		cfg.deviceID = "device:" + uuid.NewString()
	}
	if cfg.description == "" {
		cfg.description = cfg.deviceID
	}
	if cfg.msink == nil {
		cfg.msink = metrics.Default()
	}
	return cfg, nil
}

func (c *config) logger() *slog.Logger {
	if c.logHandler != nil {
		return slog.New(c.logHandler)
	}
	return slog.Default()
}

// WithDeviceID sets the id this endpoint announces in every envelope.
// A random id is generated when it is not provided.
func WithDeviceID(id string) Option {
	return func(c *config) error {
		c.deviceID = id
		return nil
	}
}

// WithDescription sets a human label used in logs.
func WithDescription(desc string) Option {
	return func(c *config) error {
		c.description = desc
		return nil
	}
}

// WithMethods sets the method table exposed to every peer of the
// transport.
func WithMethods(methods Methods) Option {
	return func(c *config) error {
		if methods == nil {
			methods = Methods{}
		}
		c.methods = methods
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the transport. A nil sink discards them.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// transport.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithHTTPClient sets the `http.Client` used by the `HTTPClientTransport`.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) error {
		c.httpClient = client
		return nil
	}
}

// WithPollIntervals tunes the HTTP pull loop. Zero fields keep their
// default.
func WithPollIntervals(poll PollIntervals) Option {
	return func(c *config) error {
		if poll.Quick > 0 {
			c.poll.Quick = poll.Quick
		}
		if poll.Slow > 0 {
			c.poll.Slow = poll.Slow
		}
		if poll.Error > 0 {
			c.poll.Error = poll.Error
		}
		if poll.RequestTimeout > 0 {
			c.poll.RequestTimeout = poll.RequestTimeout
		}
		return nil
	}
}

// WithBasePath sets the URL prefix under which the `HTTPServerTransport`
// serves its `for/` and `from/` routes.
func WithBasePath(path string) Option {
	return func(c *config) error {
		c.basePath = ensureEndsWith(ensureStartsWith(path, "/"), "/")
		return nil
	}
}

// WithStaleAfter controls after how long without hearing from a peer the
// `HTTPServerTransport` forgets it.
func WithStaleAfter(d time.Duration) Option {
	return func(c *config) error {
		if err := checkDuration("staleAfter", d); err != nil {
			return err
		}
		if d == 0 {
			d = 10 * time.Second
		}
		c.staleAfter = d
		return nil
	}
}

// WithConnectTimeout bounds how long a WebSocket send waits for the socket
// to open.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *config) error {
		if err := checkDuration("connectTimeout", d); err != nil {
			return err
		}
		if d == 0 {
			d = 2 * time.Second
		}
		c.connectTimeout = d
		return nil
	}
}

// WithReconnectDelay controls how long the WebSocket client waits before
// replacing a failed socket.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *config) error {
		if err := checkDuration("reconnectDelay", d); err != nil {
			return err
		}
		if d == 0 {
			d = 2 * time.Second
		}
		c.reconnectDelay = d
		return nil
	}
}

// WithGracePeriod controls how much time we wait on close for in-flight
// writes to flush.
func WithGracePeriod(period time.Duration) Option {
	return func(c *config) error {
		if err := checkDuration("gracePeriod", period); err != nil {
			return err
		}
		if period == 0 {
			period = 1 * time.Second
		}
		c.gracePeriod = period
		return nil
	}
}

// WithTlsConfig set the `tls.Config` used by the `QUICTransport`.
// You should enable mTLS so listeners can authenticate dialers.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.tlsConfig = tlsConf.Clone()
		return nil
	}
}

// WithPeerIDResolver sets how the `QUICTransport` derives a peer device id
// from its certificates.
func WithPeerIDResolver(resolver PeerIDResolver) Option {
	return func(c *config) error {
		c.peerResolver = resolver
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote QUIC listener to answer.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if err := checkDuration("dialTimeout", timeout); err != nil {
			return err
		}
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		c.dialTimeout = timeout
		return nil
	}
}

// WithVersionConstraint makes server transports reject peers announcing
// a protocol version outside constraint, e.g. "^1".
func WithVersionConstraint(constraint string) Option {
	return func(c *config) error {
		parsed, err := semver.NewConstraint(constraint)
		if err != nil {
			return err
		}
		c.versionConstraint = parsed
		return nil
	}
}

func checkDuration(name string, d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%s must not be negative, got %s", name, d)
	}
	return nil
}

func wrapCfgErr(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidCfg, err)
}

func ensureEndsWith(s, suffix string) string {
	if strings.HasSuffix(s, suffix) {
		return s
	}
	return s + suffix
}

func ensureStartsWith(s, prefix string) string {
	if strings.HasPrefix(s, prefix) {
		return s
	}
	return prefix + s
}
