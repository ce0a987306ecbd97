package streamrpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// HandlerRequest is the framework agnostic view of an HTTP request.
type HandlerRequest struct {
	Method string
	// URL is either a path, optionally with a query, or an absolute URL.
	URL    string
	Header http.Header
	Body   []byte
}

// HandlerResponse is the framework agnostic view of an HTTP response. Body
// is always JSON.
type HandlerResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// HTTPServerTransport is the server side of the HTTP transport.
//
// It keeps one connection per peer device id, created on first contact.
// Envelopes sent to a peer wait in its outbox until the peer drains it by
// polling `GET {base}for/{peer}`; the peer pushes with
// `POST {base}from/{peer}`.
//
// HTTP has no disconnect signal, so peers not heard from for longer than
// the stale delay are forgotten.
type HTTPServerTransport struct {
	*transportCore

	lk    sync.Mutex
	peers map[string]*httpPeer

	stopSweep chan struct{}
	stopOnce  sync.Once
}

type httpPeer struct {
	conn *Connection

	lk     sync.Mutex
	outbox []*Envelope
}

func (p *httpPeer) enqueue(_ context.Context, _ *Connection, env *Envelope) error {
	p.lk.Lock()
	defer p.lk.Unlock()
	p.outbox = append(p.outbox, env)
	return nil
}

func (p *httpPeer) drain() []*Envelope {
	p.lk.Lock()
	defer p.lk.Unlock()
	envs := p.outbox
	p.outbox = nil
	return envs
}

func NewHTTPServerTransport(opts ...Option) (*HTTPServerTransport, error) {
	core, err := newTransportCore("http-server", opts)
	if err != nil {
		return nil, err
	}

	t := &HTTPServerTransport{
		transportCore: core,
		peers:         make(map[string]*httpPeer),
		stopSweep:     make(chan struct{}),
	}
	go t.sweepLoop()
	return t, nil
}

// BasePath under which the routes are served, always ending with "/".
func (t *HTTPServerTransport) BasePath() string {
	return t.cfg.basePath
}

func (t *HTTPServerTransport) Close() error {
	t.stopOnce.Do(func() {
		close(t.stopSweep)
	})
	return t.transportCore.Close()
}

func (t *HTTPServerTransport) sweepLoop() {
	ticker := time.NewTicker(t.cfg.staleAfter + time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopSweep:
			return
		case now := <-ticker.C:
			t.sweepStale(now)
		}
	}
}

// sweepStale closes the connections not seen since the stale delay and
// returns how many it closed.
func (t *HTTPServerTransport) sweepStale(now time.Time) int {
	var closed int
	for _, conn := range t.conns.Snapshot() {
		if now.Sub(conn.LastSeen()) > t.cfg.staleAfter {
			t.logger.Info("forgetting stale peer", LabelPeerID.L(conn.OtherDeviceID()))
			conn.closeWith(ClosedByStale)
			closed++
		}
	}
	return closed
}

// addOrGetPeer returns the peer state of id, creating its connection on
// first contact. Every call refreshes the last time the peer was seen.
func (t *HTTPServerTransport) addOrGetPeer(id string) (*httpPeer, error) {
	t.lk.Lock()
	if peer, has := t.peers[id]; has && !peer.conn.IsClosed() {
		t.lk.Unlock()
		peer.conn.seen(id)
		peer.conn.SetStatus(StatusOpen)
		return peer, nil
	}

	peer := &httpPeer{}
	conn, err := t.newConnection(connParams{
		initial: StatusOpen,
		peer:    id,
		send:    peer.enqueue,
	})
	if err != nil {
		t.lk.Unlock()
		return nil, err
	}
	peer.conn = conn
	t.peers[id] = peer
	t.lk.Unlock()

	conn.OnClose(func() {
		t.lk.Lock()
		if t.peers[id] == peer {
			delete(t.peers, id)
		}
		t.lk.Unlock()
		peer.drain()
	})
	// Announced outside of lk: OnAdd subscribers may send right away.
	if err := t.publish(conn); err != nil {
		return nil, err
	}
	t.logger.Info("new peer", LabelPeerID.L(id))
	return peer, nil
}

const (
	routeFor  = "for"
	routeFrom = "from"
)

// route splits a request URL into one of our routes and a peer id.
func (t *HTTPServerTransport) route(rawURL string) (route, peer string, ok bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", false
	}
	// Peer ids are path escaped by clients and may hold a "/".
	rest, found := strings.CutPrefix(u.EscapedPath(), t.cfg.basePath)
	if !found {
		return "", "", false
	}
	route, escaped, found := strings.Cut(rest, "/")
	if !found || escaped == "" || strings.Contains(escaped, "/") {
		return "", "", false
	}
	if route != routeFor && route != routeFrom {
		return "", "", false
	}
	peer, err = url.PathUnescape(escaped)
	if err != nil || peer == "" {
		return "", "", false
	}
	return route, peer, true
}

// Handle serves one HTTP request. It never depends on a specific HTTP
// framework; see `ServeHTTP` and `pkg/ginadapter` for bindings.
func (t *HTTPServerTransport) Handle(ctx context.Context, req HandlerRequest) HandlerResponse {
	route, peer, ok := t.route(req.URL)
	if !ok || t.isClosing() {
		return t.respond(route, http.StatusNotFound, errorBody("not found"))
	}

	if err := checkVersion(req.Header.Get(VersionHeader), t.cfg.versionConstraint); err != nil {
		t.logger.Warn("rejecting peer", LabelPeerID.L(peer), LabelError.L(err))
		return t.respond(route, http.StatusBadRequest, errorBody(err.Error()))
	}

	switch route {
	case routeFor:
		if req.Method != http.MethodGet {
			res := t.respond(route, http.StatusMethodNotAllowed, errorBody("method not allowed"))
			res.Header.Set("Allow", http.MethodGet)
			return res
		}
		return t.handlePull(peer)

	default:
		if req.Method != http.MethodPost {
			res := t.respond(route, http.StatusMethodNotAllowed, errorBody("method not allowed"))
			res.Header.Set("Allow", http.MethodPost)
			return res
		}
		return t.handlePush(ctx, peer, req.Body)
	}
}

func (t *HTTPServerTransport) handlePull(peer string) HandlerResponse {
	state, err := t.addOrGetPeer(peer)
	if err != nil {
		return t.respond(routeFor, http.StatusNotFound, errorBody(err.Error()))
	}

	envs := state.drain()
	body, err := EncodeBatch(envs)
	if err != nil {
		t.logger.Error("dropping undeliverable envelopes",
			LabelPeerID.L(peer),
			LabelBatchSize.L(len(envs)),
			LabelError.L(err),
		)
		return t.respond(routeFor, http.StatusInternalServerError, errorBody(err.Error()))
	}
	if len(envs) > 0 {
		t.logger.Debug("delivering envelopes", LabelPeerID.L(peer), LabelBatchSize.L(len(envs)))
	}
	return t.respond(routeFor, http.StatusOK, body)
}

func (t *HTTPServerTransport) handlePush(ctx context.Context, peer string, body []byte) HandlerResponse {
	state, err := t.addOrGetPeer(peer)
	if err != nil {
		return t.respond(routeFrom, http.StatusNotFound, errorBody(err.Error()))
	}

	envs, err := DecodeBatch(body)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricEnvelopeInErrorCount,
			1.0,
			withLabels(t.labels, LabelError.M("malformed_batch")),
		)
		t.logger.Warn("malformed push", LabelPeerID.L(peer), LabelError.L(err))
		return t.respond(routeFrom, http.StatusInternalServerError, errorBody(err.Error()))
	}

	var errs []error
	for _, env := range envs {
		if err := state.conn.HandleIncomingEnvelope(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		t.logger.Warn("failed to handle pushed envelopes", LabelPeerID.L(peer), LabelError.L(err))
		return t.respond(routeFrom, http.StatusInternalServerError, errorBody(err.Error()))
	}
	return t.respond(routeFrom, http.StatusOK, []byte(`{"ok":true}`))
}

func (t *HTTPServerTransport) respond(route string, status int, body []byte) HandlerResponse {
	if route == "" {
		route = "unknown"
	}
	t.msink.IncrCounterWithLabels(
		MetricHandlerRequestCount,
		1.0,
		withLabels(t.labels, LabelRoute.M(route), LabelStatus.M(strconv.Itoa(status))),
	)
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	return HandlerResponse{
		Status: status,
		Header: header,
		Body:   body,
	}
}

func errorBody(msg string) []byte {
	body, _ := json.Marshal(struct {
		Error string `json:"error"`
	}{Error: msg})
	return body
}

// ServeHTTP adapts `Handle` to net/http.
func (t *HTTPServerTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBatchBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res := t.Handle(r.Context(), HandlerRequest{
		Method: r.Method,
		URL:    r.URL.String(),
		Header: r.Header,
		Body:   body,
	})
	for key, values := range res.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(res.Status)
	_, _ = w.Write(res.Body)
}
