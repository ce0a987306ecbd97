package streamrpc

import (
	"context"
	"fmt"
)

// LocalTransport pairs connections living in the same process. Envelopes
// are handed over as is, without being encoded.
type LocalTransport struct {
	*transportCore
}

func NewLocalTransport(opts ...Option) (*LocalTransport, error) {
	core, err := newTransportCore("local", opts)
	if err != nil {
		return nil, err
	}
	return &LocalTransport{transportCore: core}, nil
}

// AddConnection builds a pair of OPEN connections: thisConn owned by t and
// otherConn owned by other. Closing either one closes its counterpart,
// but never the counterpart transport.
func (t *LocalTransport) AddConnection(other *LocalTransport) (thisConn, otherConn *Connection, err error) {
	if other == nil {
		return nil, nil, fmt.Errorf("%w: no counterpart transport", ErrInvalidCfg)
	}
	if other.isClosing() {
		return nil, nil, ErrUseAfterClose
	}

	thisConn, err = t.newConnection(connParams{
		initial: StatusOpen,
		peer:    other.DeviceID(),
		send: func(ctx context.Context, _ *Connection, env *Envelope) error {
			return otherConn.HandleIncomingEnvelope(ctx, env)
		},
	})
	if err != nil {
		return nil, nil, err
	}

	otherConn, err = other.newConnection(connParams{
		initial: StatusOpen,
		peer:    t.DeviceID(),
		send: func(ctx context.Context, _ *Connection, env *Envelope) error {
			return thisConn.HandleIncomingEnvelope(ctx, env)
		},
	})
	if err != nil {
		return nil, nil, err
	}

	thisConn.OnClose(func() {
		otherConn.closeWith(ClosedByCounterpart)
	})
	otherConn.OnClose(func() {
		thisConn.closeWith(ClosedByCounterpart)
	})

	// Both ends are wired before either is announced.
	if err := t.publish(thisConn); err != nil {
		return nil, nil, err
	}
	if err := other.publish(otherConn); err != nil {
		thisConn.closeWith(ClosedByCounterpart)
		return nil, nil, err
	}

	t.logger.Debug("local pair created", LabelPeerID.L(other.DeviceID()))
	return thisConn, otherConn, nil
}

// NewLocalPair is a shortcut building two local transports, exposing
// respectively aMethods and bMethods, and connecting them. The options
// are applied to both transports, before their method table.
func NewLocalPair(aMethods, bMethods Methods, opts ...Option) (a, b *Connection, err error) {
	ta, err := NewLocalTransport(append(opts[:len(opts):len(opts)], WithMethods(aMethods))...)
	if err != nil {
		return nil, nil, err
	}
	tb, err := NewLocalTransport(append(opts[:len(opts):len(opts)], WithMethods(bMethods))...)
	if err != nil {
		return nil, nil, err
	}
	return ta.AddConnection(tb)
}
