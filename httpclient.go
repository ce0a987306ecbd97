package streamrpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// maxBatchBytes bounds the body of a pull or push.
const maxBatchBytes = 16 << 20

// HTTPClientTransport talks to an `HTTPServerTransport` over plain HTTP.
//
// Outbound envelopes are pushed one by one with `POST {base}from/{self}`,
// inbound envelopes are pulled in batches by polling
// `GET {base}for/{self}`, faster while the peer has things to say.
type HTTPClientTransport struct {
	*transportCore
	client *http.Client

	// onSchedule is called with every delay chosen by a pull loop.
	onSchedule func(conn *Connection, delay time.Duration)
}

func NewHTTPClientTransport(opts ...Option) (*HTTPClientTransport, error) {
	core, err := newTransportCore("http-client", opts)
	if err != nil {
		return nil, err
	}

	client := core.cfg.httpClient
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPClientTransport{
		transportCore: core,
		client:        client,
	}, nil
}

// AddConnection connects to the server transport served under baseURL.
// The connection starts CONNECTING and immediately starts pulling.
func (t *HTTPClientTransport) AddConnection(baseURL string) (*Connection, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	base := ensureEndsWith(baseURL, "/")
	self := url.PathEscape(t.cfg.deviceID)

	var p *puller
	conn, err := t.newConnection(connParams{
		initial: StatusConnecting,
		desc:    base,
		send: func(ctx context.Context, conn *Connection, env *Envelope) error {
			return t.push(ctx, conn, p, base+"from/"+self, env)
		},
	})
	if err != nil {
		return nil, err
	}

	p = newPuller(t, conn, base+"for/"+self)
	conn.OnClose(p.close)
	if err := t.publish(conn); err != nil {
		return nil, err
	}
	go p.run()
	return conn, nil
}

func (t *HTTPClientTransport) push(
	ctx context.Context,
	conn *Connection,
	p *puller,
	target string,
	env *Envelope,
) error {
	body, err := EncodeBatch([]*Envelope{env})
	if err != nil {
		return err
	}

	conn.SetStatus(StatusConnecting)
	reqCtx, cancel := context.WithTimeout(ctx, t.cfg.poll.RequestTimeout)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return t.pushFailed(conn, fmt.Errorf("%w: %w", ErrNetworkProblem, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(VersionHeader, ProtocolVersion)

	res, err := t.client.Do(req)
	if err != nil {
		return t.pushFailed(conn, fmt.Errorf("%w: %w", ErrNetworkProblem, err))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxBatchBytes))
	res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return t.pushFailed(conn, fmt.Errorf(
			"%w: POST %s answered %s", ErrNetworkProblem, target, res.Status))
	}

	conn.SetStatus(StatusOpen)
	p.poke()
	return nil
}

func (t *HTTPClientTransport) pushFailed(conn *Connection, err error) error {
	conn.SetStatus(StatusError)
	t.msink.IncrCounterWithLabels(MetricHTTPPushErrorCount, 1.0, t.labels)
	t.logger.Warn("push failed", LabelConnection.L(conn.Description()), LabelError.L(err))
	return err
}

// nextPullDelay picks how long to wait before the next pull: quickly when
// the last batch held envelopes, slowly when it was empty, and even
// slower after a failure.
func nextPullDelay(poll PollIntervals, batchLen int, err error) time.Duration {
	switch {
	case err != nil:
		return poll.Error
	case batchLen > 0:
		return poll.Quick
	default:
		return poll.Slow
	}
}

type pullState uint8

const (
	pullScheduled pullState = iota
	pullInFlight
	pullClosed
)

func (s pullState) String() string {
	switch s {
	case pullScheduled:
		return "scheduled"
	case pullInFlight:
		return "in-flight"
	default:
		return "closed"
	}
}

// puller runs the pull loop of a single connection.
//
// The loop is in exactly one of three states: a timer is armed
// (scheduled), a GET is running (in-flight) or it is done (closed).
// Transitions happen under lk so a close racing with a pull never
// schedules another one.
type puller struct {
	t      *HTTPClientTransport
	conn   *Connection
	url    string
	logger *slog.Logger

	// ctx is cancelled on close, aborting the in-flight GET and pushes.
	ctx    context.Context
	cancel context.CancelFunc

	lk    sync.Mutex
	state pullState
	timer *time.Timer
	done  chan struct{}
}

func newPuller(t *HTTPClientTransport, conn *Connection, target string) *puller {
	ctx, cancel := context.WithCancel(context.Background())
	return &puller{
		t:      t,
		conn:   conn,
		url:    target,
		logger: t.logger.With(LabelConnection.L(conn.Description())),
		ctx:    ctx,
		cancel: cancel,
		state:  pullScheduled,
		timer:  time.NewTimer(0),
		done:   make(chan struct{}),
	}
}

func (p *puller) run() {
	for {
		select {
		case <-p.done:
			return
		case <-p.timer.C:
		}

		if !p.begin() {
			return
		}

		n, err := p.pullOnce()
		if err != nil && p.ctx.Err() == nil {
			p.conn.SetStatus(StatusError)
			p.t.msink.IncrCounterWithLabels(MetricHTTPPullErrorCount, 1.0, p.t.labels)
			p.logger.Warn("pull failed", LabelError.L(err))
		}

		if !p.schedule(nextPullDelay(p.t.cfg.poll, n, err)) {
			return
		}
	}
}

func (p *puller) begin() bool {
	p.lk.Lock()
	defer p.lk.Unlock()
	if p.state != pullScheduled {
		return false
	}
	p.state = pullInFlight
	return true
}

func (p *puller) schedule(delay time.Duration) bool {
	p.lk.Lock()
	if p.state == pullClosed {
		p.lk.Unlock()
		return false
	}
	p.state = pullScheduled
	p.timer.Reset(delay)
	p.lk.Unlock()

	p.t.msink.AddSampleWithLabels(
		MetricHTTPPullDelayMs,
		float32(delay)/float32(time.Millisecond),
		p.t.labels,
	)
	if p.t.onSchedule != nil {
		p.t.onSchedule(p.conn, delay)
	}
	return true
}

// poke moves a scheduled pull to right now. It does nothing while a pull
// is in flight.
func (p *puller) poke() {
	p.lk.Lock()
	defer p.lk.Unlock()
	if p.state == pullScheduled {
		p.timer.Reset(0)
	}
}

func (p *puller) close() {
	p.lk.Lock()
	defer p.lk.Unlock()
	if p.state == pullClosed {
		return
	}
	p.state = pullClosed
	p.timer.Stop()
	p.cancel()
	close(p.done)
}

func (p *puller) pullOnce() (int, error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.t.cfg.poll.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNetworkProblem, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(VersionHeader, ProtocolVersion)

	p.t.msink.IncrCounterWithLabels(MetricHTTPPullCount, 1.0, p.t.labels)
	res, err := p.t.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNetworkProblem, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return 0, fmt.Errorf("%w: GET %s answered %s", ErrNetworkProblem, p.url, res.Status)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBatchBytes))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNetworkProblem, err)
	}
	envs, err := DecodeBatch(body)
	if err != nil {
		return 0, err
	}

	p.conn.SetStatus(StatusOpen)
	for _, env := range envs {
		if err := p.conn.HandleIncomingEnvelope(p.ctx, env); err != nil {
			if errors.Is(err, ErrUseAfterClose) {
				return 0, err
			}
			p.logger.Warn("failed to handle pulled envelope", LabelError.L(err))
		}
	}
	return len(envs), nil
}
