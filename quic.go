package streamrpc

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/raskyld/streamrpc/pkg/frame"
)

// QUICALPN is the ALPN protocol negotiated by the `QUICTransport`.
const QUICALPN = "streamrpc/1"

type quicHello struct {
	DeviceID string `json:"deviceId"`
}

// quicFrame is exactly one of a hello, sent once by each side when the
// stream opens, or an envelope.
type quicFrame struct {
	Hello    *quicHello `json:"hello,omitempty"`
	Envelope *Envelope  `json:"envelope,omitempty"`
}

// QUICTransport carries connections over QUIC, one bidirectional stream
// per connection, each frame being a varint length-prefixed JSON document.
//
// Both sides start by announcing their device id in a hello frame, which
// is checked against the certificates of the peer: you should enable mTLS.
type QUICTransport struct {
	*transportCore
	tlsConf *tls.Config

	lk        sync.Mutex
	listeners []*quic.Listener

	// teardowns tracks connections still saying goodbye to their peer.
	teardowns sync.WaitGroup
}

func NewQUICTransport(opts ...Option) (*QUICTransport, error) {
	core, err := newTransportCore("quic", opts)
	if err != nil {
		return nil, err
	}
	if core.cfg.tlsConfig == nil {
		return nil, wrapCfgErr(ErrNoTLSConfig)
	}

	tlsConf := core.cfg.tlsConfig.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{QUICALPN}
	}
	return &QUICTransport{
		transportCore: core,
		tlsConf:       tlsConf,
	}, nil
}

func (t *QUICTransport) quicConfig() *quic.Config {
	return &quic.Config{
		Versions:        []quic.Version{quic.Version2, quic.Version1},
		Allow0RTT:       false,
		MaxIdleTimeout:  1 * time.Minute,
		KeepAlivePeriod: 15 * time.Second,
	}
}

// Listen accepts connections on addr, a UDP "host:port", until the
// transport is closed. It returns the address actually bound.
func (t *QUICTransport) Listen(addr string) (net.Addr, error) {
	ln, err := quic.ListenAddr(addr, t.tlsConf, t.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to allocate QUIC listener: %w", ErrNetworkProblem, err)
	}

	t.lk.Lock()
	if t.isClosing() {
		t.lk.Unlock()
		ln.Close()
		return nil, ErrUseAfterClose
	}
	t.listeners = append(t.listeners, ln)
	t.lk.Unlock()

	t.logger.Info("listening", LabelPeerAddr.L(ln.Addr().String()))
	go t.acceptLoop(ln)
	return ln.Addr(), nil
}

func (t *QUICTransport) acceptLoop(ln *quic.Listener) {
	for {
		qc, err := ln.Accept(context.Background())
		if err != nil {
			if !t.isClosing() {
				t.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}
		go func() {
			if _, err := t.establish(context.Background(), qc, false); err != nil {
				t.logger.Warn("rejected incoming connection",
					LabelPeerAddr.L(qc.RemoteAddr().String()),
					LabelError.L(err),
				)
			}
		}()
	}
}

// Dial opens a connection to the listener at addr.
func (t *QUICTransport) Dial(ctx context.Context, addr string) (*Connection, error) {
	if t.isClosing() {
		return nil, ErrUseAfterClose
	}
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.dialTimeout)
	defer cancel()

	qc, err := quic.DialAddr(dialCtx, addr, t.tlsConf, t.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetworkProblem, err)
	}
	return t.establish(dialCtx, qc, true)
}

// establish runs the hello exchange on a fresh QUIC connection and wraps
// it in a `Connection`. The dialer opens the stream and speaks first.
func (t *QUICTransport) establish(ctx context.Context, qc quic.Connection, dialer bool) (*Connection, error) {
	peer := Peer{Addr: qc.RemoteAddr()}
	mLabels := withLabels(t.labels, LabelPeerAddr.M(peer.Addr.String()))

	expected := ""
	if t.cfg.peerResolver != nil {
		resolved, err, uerr := t.cfg.peerResolver(qc.ConnectionState().TLS.PeerCertificates)
		if err != nil {
			t.msink.IncrCounterWithLabels(
				MetricEnvelopeInErrorCount,
				1.0,
				withLabels(mLabels, LabelError.M("peer_resolution")),
			)
			if uerr == "" {
				_ = QErrInternal.Close(qc, "unexpected error during peer resolution")
			} else {
				_ = QErrInternal.Close(qc, fmt.Sprintf("error during resolution: %s", uerr))
			}
			return nil, err
		}
		expected = resolved
	}

	hsCtx, cancel := context.WithTimeout(ctx, t.cfg.dialTimeout)
	defer cancel()

	var stream quic.Stream
	var err error
	if dialer {
		stream, err = qc.OpenStreamSync(hsCtx)
	} else {
		stream, err = qc.AcceptStream(hsCtx)
	}
	if err != nil {
		_ = QErrInternal.Close(qc, "no stream")
		return nil, fmt.Errorf("%w: %w", ErrNetworkProblem, err)
	}
	if deadline, ok := hsCtx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	codec := frame.NewJSONCodec[quicFrame](stream, maxBatchBytes)
	hello := &quicFrame{Hello: &quicHello{DeviceID: t.cfg.deviceID}}
	if dialer {
		if err := codec.Encode(hello); err != nil {
			_ = QErrInternal.Close(qc, "cannot send hello")
			return nil, fmt.Errorf("%w: %w", ErrNetworkProblem, err)
		}
	}

	theirs, err := codec.Decode()
	if err != nil {
		_ = QErrProtocolViolation.Close(qc, "expected a hello frame")
		return nil, fmt.Errorf("%w: no hello: %w", ErrProtocolViolation, err)
	}
	if theirs.Hello == nil || theirs.Hello.DeviceID == "" {
		_ = QErrProtocolViolation.Close(qc, "first frame must be a hello")
		return nil, fmt.Errorf("%w: first frame is not a hello", ErrProtocolViolation)
	}
	peer.DeviceID = theirs.Hello.DeviceID
	if expected != "" && peer.DeviceID != expected {
		t.msink.IncrCounterWithLabels(
			MetricEnvelopeInErrorCount,
			1.0,
			withLabels(mLabels, LabelError.M("peer_mismatch")),
		)
		_ = QErrPeerMismatch.Close(qc, fmt.Sprintf("you announced %q but your certificate is for %q", peer.DeviceID, expected))
		return nil, fmt.Errorf("%w: %q announced %q", ErrPeerMismatch, expected, peer.DeviceID)
	}

	if !dialer {
		if err := codec.Encode(hello); err != nil {
			_ = QErrInternal.Close(qc, "cannot send hello")
			return nil, fmt.Errorf("%w: %w", ErrNetworkProblem, err)
		}
	}
	_ = stream.SetDeadline(time.Time{})

	return t.wrap(qc, stream, codec, peer)
}

func (t *QUICTransport) wrap(
	qc quic.Connection,
	stream quic.Stream,
	codec *frame.JSONCodec[quicFrame],
	peer Peer,
) (*Connection, error) {
	logger := t.logger.With(slog.Any("peer", peer))

	var writeLk sync.Mutex
	conn, err := t.newConnection(connParams{
		initial: StatusOpen,
		peer:    peer.DeviceID,
		desc:    peer.DeviceID + "@" + peer.Addr.String(),
		send: func(ctx context.Context, _ *Connection, env *Envelope) error {
			writeLk.Lock()
			defer writeLk.Unlock()
			if deadline, ok := ctx.Deadline(); ok {
				_ = stream.SetWriteDeadline(deadline)
				defer stream.SetWriteDeadline(time.Time{})
			}
			if err := codec.Encode(&quicFrame{Envelope: env}); err != nil {
				return fmt.Errorf("%w: %w", ErrNetworkProblem, err)
			}
			return nil
		},
	})
	if err != nil {
		_ = QErrClosed.Close(qc, "transport closed")
		return nil, err
	}

	conn.OnClose(func() {
		reason := conn.CloseReason()
		t.teardowns.Add(1)
		go func() {
			defer t.teardowns.Done()
			// Closing our side of the stream lets the peer read what is
			// still buffered, and tear down on its own.
			_ = stream.Close()
			select {
			case <-qc.Context().Done():
			case <-time.After(t.cfg.gracePeriod):
			}
			_ = QErrClosed.Close(qc, reason.String())
		}()
	})

	if err := t.publish(conn); err != nil {
		return nil, err
	}
	logger.Info("connection established")
	go t.readLoop(qc, codec, conn, logger)
	return conn, nil
}

func (t *QUICTransport) readLoop(
	qc quic.Connection,
	codec *frame.JSONCodec[quicFrame],
	conn *Connection,
	logger *slog.Logger,
) {
	ctx := qc.Context()
	for {
		msg, err := codec.Decode()
		if err != nil {
			if conn.IsClosed() {
				return
			}
			var appErr *quic.ApplicationError
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			switch {
			case errors.Is(err, io.EOF), errors.As(err, &appErr):
				logger.Debug("peer closed the connection")
				conn.closeWith(ClosedByRemote)
			case errors.As(err, &syntaxErr), errors.As(err, &typeErr),
				errors.Is(err, frame.ErrTooLarge), errors.Is(err, frame.ErrBadSize):
				logger.Warn("protocol violation", LabelError.L(err))
				_ = QErrProtocolViolation.Close(qc, err.Error())
				conn.closeWith(ClosedByRemote)
			default:
				conn.SetStatus(StatusError)
				logger.Warn("connection broken", LabelError.L(err))
				conn.closeWith(ClosedByNetwork)
			}
			return
		}

		if msg.Envelope == nil {
			logger.Warn("discarding frame without envelope")
			continue
		}
		if err := conn.HandleIncomingEnvelope(ctx, msg.Envelope); err != nil {
			if errors.Is(err, ErrUseAfterClose) {
				return
			}
			logger.Warn("failed to handle envelope", LabelError.L(err))
		}
	}
}

// Close closes every connection, then stops every listener. Listeners
// own the UDP sockets, so they go last.
func (t *QUICTransport) Close() error {
	err := t.transportCore.Close()
	t.teardowns.Wait()

	t.lk.Lock()
	listeners := t.listeners
	t.listeners = nil
	t.lk.Unlock()

	for _, ln := range listeners {
		ln.Close()
	}
	return err
}
