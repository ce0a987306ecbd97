package streamrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/streamrpc/pkg/watchable"
)

// Status of a `Connection` or a `Transport`.
//
// A Connection moves freely between CONNECTING, OPEN and ERROR, and any
// state can move to CLOSED, which is terminal. Transports are only ever
// OPEN or CLOSED.
type Status string

const (
	StatusConnecting Status = "CONNECTING"
	StatusOpen       Status = "OPEN"
	StatusError      Status = "ERROR"
	StatusClosed     Status = "CLOSED"
)

// SendFunc transmits one envelope on behalf of a `Connection`. It is
// supplied by the transport owning the connection.
type SendFunc func(ctx context.Context, conn *Connection, env *Envelope) error

// ConnectionConfig is used by transports to build a `Connection`.
type ConnectionConfig struct {
	DeviceID      string
	OtherDeviceID string
	Description   string
	Methods       Methods
	Send          SendFunc

	// InitialStatus defaults to CONNECTING.
	InitialStatus Status

	// Transport names the medium in logs and metrics.
	Transport string

	Logger       *slog.Logger
	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
}

type pendingResult struct {
	data json.RawMessage
	err  error
}

type closeCb struct {
	id uint64
	fn func()
}

// Connection is a one-to-one RPC channel with a single peer.
//
// It turns `Notify` and `Request` calls into envelopes handed to the
// transport, and dispatches inbound envelopes to its method table or to
// the request waiting for them.
type Connection struct {
	deviceID    string
	description string
	transport   string
	methods     Methods
	send        SendFunc
	status      *watchable.Value[Status]

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	lk            sync.Mutex
	closed        bool
	closeReason   CloseReason
	done          chan struct{}
	closeCbs      []closeCb
	nextCbID      uint64
	otherDeviceID string
	lastSeen      time.Time
	pending       map[string]chan pendingResult
}

func NewConnection(cfg ConnectionConfig) *Connection {
	if cfg.InitialStatus == "" || cfg.InitialStatus == StatusClosed {
		cfg.InitialStatus = StatusConnecting
	}
	if cfg.Methods == nil {
		cfg.Methods = Methods{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MetricSink == nil {
		cfg.MetricSink = &metrics.BlackholeSink{}
	}
	if cfg.Description == "" {
		cfg.Description = fmt.Sprintf("%s connection of %s", cfg.Transport, cfg.DeviceID)
	}

	labels := withLabels(cfg.MetricLabels, LabelTransport.M(cfg.Transport))
	conn := &Connection{
		deviceID:      cfg.DeviceID,
		description:   cfg.Description,
		transport:     cfg.Transport,
		methods:       cfg.Methods,
		send:          cfg.Send,
		status:        watchable.New(cfg.InitialStatus),
		logger:        cfg.Logger.With(LabelConnection.L(cfg.Description)),
		msink:         cfg.MetricSink,
		labels:        labels,
		done:          make(chan struct{}),
		otherDeviceID: cfg.OtherDeviceID,
		lastSeen:      time.Now(),
		pending:       make(map[string]chan pendingResult),
	}
	conn.msink.IncrCounterWithLabels(MetricConnectionOpenCount, 1.0, labels)
	return conn
}

func (c *Connection) DeviceID() string {
	return c.deviceID
}

// OtherDeviceID is the id of the peer, empty until it is learnt from the
// first inbound envelope unless the transport knew it upfront.
func (c *Connection) OtherDeviceID() string {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.otherDeviceID
}

func (c *Connection) Description() string {
	return c.description
}

func (c *Connection) Status() Status {
	return c.status.Get()
}

// Watch exposes the status cell, to subscribe or wait for a status.
func (c *Connection) Watch() *watchable.Value[Status] {
	return c.status
}

// LastSeen is the last time the peer was heard from.
func (c *Connection) LastSeen() time.Time {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.lastSeen
}

// SetStatus moves the connection to status. It is ignored once the
// connection is closed; use `Close` to close it.
func (c *Connection) SetStatus(status Status) {
	if status == StatusClosed {
		return
	}
	c.status.Update(func(cur Status) (Status, bool) {
		return status, cur != StatusClosed
	})
}

func (c *Connection) IsClosed() bool {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.closed
}

// Done is closed when the connection closes.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// CloseReason tells why the connection closed, `ClosedByUnknown` while it
// is still open.
func (c *Connection) CloseReason() CloseReason {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.closeReason
}

// Notify invokes method on the peer without waiting for any answer. It
// returns once the transport is done sending; failures of the remote
// method are never reported.
func (c *Connection) Notify(ctx context.Context, method string, args ...any) error {
	if c.IsClosed() {
		return ErrUseAfterClose
	}
	encoded, err := EncodeArgs(args...)
	if err != nil {
		return err
	}
	return c.Send(ctx, newNotify(c.deviceID, method, encoded))
}

// Request invokes method on the peer and waits for its result, which is
// returned still JSON encoded. See `Call` for a typed variant.
//
// It fails with a `*RemoteError` when the method is unknown to the peer or
// failed there, with a `*ClosedError` when the connection closes first,
// and with `ErrTimeout` when ctx expires.
func (c *Connection) Request(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	encoded, err := EncodeArgs(args...)
	if err != nil {
		return nil, err
	}
	env := newRequest(c.deviceID, method, encoded)
	resultCh := make(chan pendingResult, 1)

	c.lk.Lock()
	if c.closed {
		c.lk.Unlock()
		return nil, ErrUseAfterClose
	}
	c.pending[env.EnvelopeID] = resultCh
	c.lk.Unlock()
	defer c.forget(env.EnvelopeID)

	start := time.Now()
	if err := c.Send(ctx, env); err != nil {
		return nil, err
	}

	select {
	case res := <-resultCh:
		c.msink.AddSampleWithLabels(
			MetricRequestDurationMs,
			sinceMs(start),
			withLabels(c.labels, LabelMethod.M(method)),
		)
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctxErr(ctx)
	}
}

// Send hands env to the transport.
func (c *Connection) Send(ctx context.Context, env *Envelope) error {
	if c.IsClosed() {
		return ErrUseAfterClose
	}
	labels := withLabels(c.labels, LabelKind.M(string(env.Kind)))
	if err := c.send(ctx, c, env); err != nil {
		c.msink.IncrCounterWithLabels(MetricEnvelopeOutErrorCount, 1.0, labels)
		return err
	}
	c.msink.IncrCounterWithLabels(MetricEnvelopeOutCount, 1.0, labels)
	return nil
}

// HandleIncomingEnvelope processes one envelope received from the peer.
// Transports call it sequentially, in receipt order.
//
// For a REQUEST, it returns once the RESPONSE has been handed to the
// transport.
func (c *Connection) HandleIncomingEnvelope(ctx context.Context, env *Envelope) error {
	if c.IsClosed() {
		return ErrUseAfterClose
	}
	c.seen(env.FromDeviceID)

	labels := withLabels(c.labels, LabelKind.M(string(env.Kind)))
	c.msink.IncrCounterWithLabels(MetricEnvelopeInCount, 1.0, labels)
	logger := c.logger.With(LabelKind.L(env.Kind), LabelEnvelopeID.L(env.EnvelopeID))
	logger.Debug("handling envelope", LabelMethod.L(env.Method))

	switch env.Kind {
	case KindNotify:
		handler, has := c.methods[env.Method]
		if !has {
			logger.Warn("discarding notify for unknown method", LabelMethod.L(env.Method))
			return nil
		}
		if _, err := invoke(ctx, handler, env.Args); err != nil {
			logger.Warn("notified method failed", LabelMethod.L(env.Method), LabelError.L(err))
		}
		return nil

	case KindRequest:
		resp := c.answer(ctx, env)
		if err := c.Send(ctx, resp); err != nil {
			logger.Error("failed to send response", LabelMethod.L(env.Method), LabelError.L(err))
			return err
		}
		return nil

	case KindResponse:
		c.resolve(logger, env)
		return nil

	default:
		c.msink.IncrCounterWithLabels(
			MetricEnvelopeInErrorCount,
			1.0,
			withLabels(labels, LabelError.M("unknown_kind")),
		)
		logger.Warn("discarding envelope of unknown kind")
		return fmt.Errorf("%w: unknown envelope kind %q", ErrProtocolViolation, env.Kind)
	}
}

func (c *Connection) answer(ctx context.Context, env *Envelope) *Envelope {
	handler, has := c.methods[env.Method]
	if !has {
		return newResponseError(
			c.deviceID,
			env.EnvelopeID,
			fmt.Errorf("%w: %s", ErrUnknownMethod, env.Method),
		)
	}

	result, err := invoke(ctx, handler, env.Args)
	if err != nil {
		return newResponseError(
			c.deviceID,
			env.EnvelopeID,
			fmt.Errorf("%w: %s: %w", ErrFromMethod, env.Method, err),
		)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return newResponseError(
			c.deviceID,
			env.EnvelopeID,
			fmt.Errorf("%w: %s: cannot encode result: %w", ErrFromMethod, env.Method, err),
		)
	}
	return newResponseData(c.deviceID, env.EnvelopeID, data)
}

func (c *Connection) resolve(logger *slog.Logger, env *Envelope) {
	c.lk.Lock()
	resultCh, has := c.pending[env.EnvelopeID]
	if has {
		delete(c.pending, env.EnvelopeID)
	}
	c.lk.Unlock()

	if !has {
		logger.Debug("discarding unexpected response")
		return
	}

	var res pendingResult
	switch {
	case env.Error != nil && env.Data != nil:
		res.err = fmt.Errorf("%w: response with both data and error", ErrProtocolViolation)
	case env.Error != nil:
		res.err = &RemoteError{Message: *env.Error}
	case env.Data != nil:
		res.data = env.Data
	default:
		res.err = fmt.Errorf("%w: response with neither data nor error", ErrProtocolViolation)
	}
	resultCh <- res
}

func (c *Connection) forget(envelopeID string) {
	c.lk.Lock()
	delete(c.pending, envelopeID)
	c.lk.Unlock()
}

func (c *Connection) seen(peer string) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.lastSeen = time.Now()
	if c.otherDeviceID == "" && peer != "" {
		c.otherDeviceID = peer
	}
}

// OnClose registers cb to run once when the connection closes. If it is
// already closed, cb runs immediately.
func (c *Connection) OnClose(cb func()) (unsubscribe func()) {
	c.lk.Lock()
	if c.closed {
		c.lk.Unlock()
		cb()
		return func() {}
	}
	c.nextCbID++
	id := c.nextCbID
	c.closeCbs = append(c.closeCbs, closeCb{id: id, fn: cb})
	c.lk.Unlock()

	return func() {
		c.lk.Lock()
		defer c.lk.Unlock()
		for i, registered := range c.closeCbs {
			if registered.id == id {
				c.closeCbs = append(c.closeCbs[:i:i], c.closeCbs[i+1:]...)
				return
			}
		}
	}
}

// Close is idempotent. The first call moves the connection to CLOSED,
// runs the close callbacks and fails the requests still waiting for a
// response.
func (c *Connection) Close() error {
	c.closeWith(ClosedByUser)
	return nil
}

func (c *Connection) closeWith(reason CloseReason) {
	c.lk.Lock()
	if c.closed {
		c.lk.Unlock()
		return
	}
	c.closed = true
	c.closeReason = reason
	cbs := c.closeCbs
	c.closeCbs = nil
	pending := c.pending
	c.pending = make(map[string]chan pendingResult)
	close(c.done)
	c.lk.Unlock()

	c.status.Set(StatusClosed)
	c.msink.IncrCounterWithLabels(
		MetricConnectionCloseCount,
		1.0,
		withLabels(c.labels, LabelCloseReason.M(reason.String())),
	)
	c.logger.Debug("connection closed", LabelCloseReason.L(reason.String()))

	for _, cb := range cbs {
		cb.fn()
	}

	if len(pending) > 0 {
		cerr := &ClosedError{Reason: reason}
		for _, resultCh := range pending {
			resultCh <- pendingResult{err: cerr}
		}
	}
}

func ctxErr(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}
