package streamrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsLink binds one socket to one `Connection`.
type wsLink struct {
	conn   *Connection
	logger *slog.Logger
	grace  time.Duration

	// ctx is cancelled once the socket is torn down.
	ctx    context.Context
	cancel context.CancelFunc

	lk sync.Mutex
	ws *websocket.Conn

	inflight atomic.Int32

	// onFailure is called once when the socket breaks abnormally.
	onFailure func(err error)
}

func newWsLink(logger *slog.Logger, grace time.Duration) *wsLink {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsLink{
		logger: logger,
		grace:  grace,
		ctx:    ctx,
		cancel: cancel,
	}
}

// attach records ws as the socket of the link, unless the connection was
// closed in the meantime.
func (l *wsLink) attach(ws *websocket.Conn) bool {
	l.lk.Lock()
	defer l.lk.Unlock()
	if l.conn.IsClosed() {
		return false
	}
	ws.SetReadLimit(maxBatchBytes)
	l.ws = ws
	return true
}

func (l *wsLink) socket() *websocket.Conn {
	l.lk.Lock()
	defer l.lk.Unlock()
	return l.ws
}

func (l *wsLink) write(ctx context.Context, env *Envelope) error {
	ws := l.socket()
	if ws == nil {
		return fmt.Errorf("%w: socket is not open", ErrNetworkProblem)
	}
	l.inflight.Add(1)
	defer l.inflight.Add(-1)
	if err := wsjson.Write(ctx, ws, env); err != nil {
		return fmt.Errorf("%w: %w", ErrNetworkProblem, err)
	}
	return nil
}

// readLoop hands every message to the connection, in receipt order, until
// the socket or the connection closes.
func (l *wsLink) readLoop(ws *websocket.Conn) {
	for {
		_, buf, err := ws.Read(l.ctx)
		if err != nil {
			if l.conn.IsClosed() {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				l.logger.Debug("socket closed by peer")
				l.conn.closeWith(ClosedByRemote)
			default:
				l.onFailure(err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(buf, &env); err != nil {
			l.conn.msink.IncrCounterWithLabels(
				MetricEnvelopeInErrorCount,
				1.0,
				withLabels(l.conn.labels, LabelError.M("malformed_envelope")),
			)
			l.logger.Warn("discarding malformed message", LabelError.L(err))
			continue
		}

		l.conn.SetStatus(StatusOpen)
		if err := l.conn.HandleIncomingEnvelope(l.ctx, &env); err != nil {
			if errors.Is(err, ErrUseAfterClose) {
				return
			}
			l.logger.Warn("failed to handle envelope", LabelError.L(err))
		}
	}
}

// shutdown gives in-flight writes the grace period to complete, then
// closes the socket.
func (l *wsLink) shutdown() {
	defer l.cancel()
	ws := l.socket()
	if ws == nil {
		return
	}

	deadline := time.Now().Add(l.grace)
	for l.inflight.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := ws.Close(websocket.StatusNormalClosure, "connection closed"); err != nil {
		l.logger.Debug("socket did not close cleanly", LabelError.L(err))
	}
}

// WebSocketClientTransport keeps a socket open to a
// `WebSocketServerTransport`.
//
// When a socket fails, its connection goes to ERROR then CLOSED, and a
// brand new connection is dialed after the reconnect delay. Subscribe to
// `Connections().OnAdd` or use `Connections().Next` to follow them.
type WebSocketClientTransport struct {
	*transportCore
	httpClient *http.Client
}

func NewWebSocketClientTransport(opts ...Option) (*WebSocketClientTransport, error) {
	core, err := newTransportCore("websocket-client", opts)
	if err != nil {
		return nil, err
	}
	return &WebSocketClientTransport{
		transportCore: core,
		httpClient:    core.cfg.httpClient,
	}, nil
}

// AddConnection dials url, a ws:// or wss:// URL. The connection starts
// CONNECTING; sends wait for it to open for at most the connect timeout.
func (t *WebSocketClientTransport) AddConnection(url string) (*Connection, error) {
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") &&
		!strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("%w: unsupported websocket url %q", ErrInvalidCfg, url)
	}

	link := newWsLink(t.logger.With(LabelConnection.L(url)), t.cfg.gracePeriod)
	conn, err := t.newConnection(connParams{
		initial: StatusConnecting,
		desc:    url,
		send: func(ctx context.Context, conn *Connection, env *Envelope) error {
			waitCtx, cancel := context.WithTimeout(ctx, t.cfg.connectTimeout)
			status, err := conn.Watch().WaitFor(waitCtx, func(s Status) bool {
				return s == StatusOpen || s == StatusClosed
			})
			cancel()
			if err != nil {
				return fmt.Errorf("%w: socket did not open: %w", ErrNetworkProblem, err)
			}
			if status == StatusClosed {
				return ErrUseAfterClose
			}
			return link.write(ctx, env)
		},
	})
	if err != nil {
		return nil, err
	}

	link.conn = conn
	link.onFailure = func(err error) {
		t.failed(link, url, err)
	}
	conn.OnClose(func() {
		go link.shutdown()
	})
	if err := t.publish(conn); err != nil {
		return nil, err
	}

	go t.dial(link, url)
	return conn, nil
}

func (t *WebSocketClientTransport) dial(link *wsLink, url string) {
	header := make(http.Header)
	header.Set(VersionHeader, ProtocolVersion)

	dialCtx, cancel := context.WithTimeout(link.ctx, t.cfg.dialTimeout)
	ws, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{
		HTTPClient: t.httpClient,
		HTTPHeader: header,
	})
	cancel()
	if err != nil {
		if link.conn.IsClosed() {
			return
		}
		link.onFailure(err)
		return
	}

	if !link.attach(ws) {
		_ = ws.CloseNow()
		return
	}
	link.conn.SetStatus(StatusOpen)
	link.logger.Debug("socket open")
	link.readLoop(ws)
}

// failed marks the connection as broken, closes it, and schedules its
// replacement.
func (t *WebSocketClientTransport) failed(link *wsLink, url string, err error) {
	link.conn.SetStatus(StatusError)
	link.logger.Warn("socket failed, reconnecting",
		LabelError.L(err),
		slog.Duration("delay", t.cfg.reconnectDelay),
	)

	time.AfterFunc(t.cfg.reconnectDelay, func() {
		if t.isClosing() {
			return
		}
		t.msink.IncrCounterWithLabels(MetricWebSocketReconnectCount, 1.0, t.labels)
		if _, err := t.AddConnection(url); err != nil {
			t.logger.Error("failed to reconnect", LabelConnection.L(url), LabelError.L(err))
		}
	})
	link.conn.closeWith(ClosedByNetwork)
}

// WebSocketServerTransport accepts sockets from `WebSocketClientTransport`
// peers, one connection per socket. Mount it as an `http.Handler`.
type WebSocketServerTransport struct {
	*transportCore
}

func NewWebSocketServerTransport(opts ...Option) (*WebSocketServerTransport, error) {
	core, err := newTransportCore("websocket-server", opts)
	if err != nil {
		return nil, err
	}
	return &WebSocketServerTransport{transportCore: core}, nil
}

func (t *WebSocketServerTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.isClosing() {
		http.Error(w, "transport closed", http.StatusServiceUnavailable)
		return
	}
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		http.Error(w, "expected a websocket upgrade", http.StatusNotImplemented)
		return
	}
	if err := checkVersion(r.Header.Get(VersionHeader), t.cfg.versionConstraint); err != nil {
		t.logger.Warn("rejecting peer", LabelPeerAddr.L(r.RemoteAddr), LabelError.L(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		t.logger.Warn("failed to accept socket", LabelPeerAddr.L(r.RemoteAddr), LabelError.L(err))
		return
	}

	link := newWsLink(
		t.logger.With(LabelPeerAddr.L(r.RemoteAddr)),
		t.cfg.gracePeriod,
	)
	ws.SetReadLimit(maxBatchBytes)
	link.ws = ws

	conn, err := t.newConnection(connParams{
		initial: StatusOpen,
		desc:    "socket from " + r.RemoteAddr,
		send: func(ctx context.Context, _ *Connection, env *Envelope) error {
			return link.write(ctx, env)
		},
	})
	if err != nil {
		_ = ws.Close(websocket.StatusGoingAway, "transport closed")
		return
	}

	link.conn = conn
	link.onFailure = func(err error) {
		conn.SetStatus(StatusError)
		link.logger.Warn("socket failed", LabelError.L(err))
		conn.closeWith(ClosedByNetwork)
	}
	conn.OnClose(func() {
		go link.shutdown()
	})
	if err := t.publish(conn); err != nil {
		return
	}

	link.readLoop(ws)
}
