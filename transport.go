package streamrpc

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/streamrpc/pkg/watchable"
)

// Transport creates and owns connections over one medium.
//
// Every connection of a transport shares its device id and method table.
// Closing a transport closes each of its connections exactly once.
type Transport interface {
	DeviceID() string
	Methods() Methods

	// Status is OPEN until the transport is closed.
	Status() Status
	Watch() *watchable.Value[Status]

	Connections() *ConnectionSet

	OnClose(cb func()) (unsubscribe func())
	Close() error
}

var (
	_ Transport = (*LocalTransport)(nil)
	_ Transport = (*HTTPClientTransport)(nil)
	_ Transport = (*HTTPServerTransport)(nil)
	_ Transport = (*WebSocketClientTransport)(nil)
	_ Transport = (*WebSocketServerTransport)(nil)
	_ Transport = (*QUICTransport)(nil)
)

type connSub struct {
	id uint64
	fn func(*Connection)
}

// ConnectionSet is the observable set of live connections of a
// `Transport`. Iteration order is insertion order.
type ConnectionSet struct {
	lk       sync.Mutex
	conns    []*Connection
	nextID   uint64
	onAdd    []connSub
	onDelete []connSub
}

func newConnectionSet() *ConnectionSet {
	return &ConnectionSet{}
}

// Add inserts conn and notifies `OnAdd` subscribers. It returns false if
// conn was already a member.
func (s *ConnectionSet) Add(conn *Connection) bool {
	s.lk.Lock()
	for _, member := range s.conns {
		if member == conn {
			s.lk.Unlock()
			return false
		}
	}
	s.conns = append(s.conns, conn)
	subs := append([]connSub(nil), s.onAdd...)
	s.lk.Unlock()

	for _, sub := range subs {
		sub.fn(conn)
	}
	return true
}

// Delete removes conn and notifies `OnDelete` subscribers. It returns false
// if conn was not a member.
func (s *ConnectionSet) Delete(conn *Connection) bool {
	s.lk.Lock()
	idx := -1
	for i, member := range s.conns {
		if member == conn {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.lk.Unlock()
		return false
	}
	s.conns = append(s.conns[:idx:idx], s.conns[idx+1:]...)
	subs := append([]connSub(nil), s.onDelete...)
	s.lk.Unlock()

	for _, sub := range subs {
		sub.fn(conn)
	}
	return true
}

func (s *ConnectionSet) Has(conn *Connection) bool {
	s.lk.Lock()
	defer s.lk.Unlock()
	for _, member := range s.conns {
		if member == conn {
			return true
		}
	}
	return false
}

func (s *ConnectionSet) Len() int {
	s.lk.Lock()
	defer s.lk.Unlock()
	return len(s.conns)
}

// Snapshot returns a copy of the members.
func (s *ConnectionSet) Snapshot() []*Connection {
	s.lk.Lock()
	defer s.lk.Unlock()
	return append([]*Connection(nil), s.conns...)
}

// FindByPeer returns the first member talking to peer.
func (s *ConnectionSet) FindByPeer(peer string) (*Connection, bool) {
	for _, conn := range s.Snapshot() {
		if conn.OtherDeviceID() == peer {
			return conn, true
		}
	}
	return nil, false
}

func (s *ConnectionSet) OnAdd(cb func(*Connection)) (unsubscribe func()) {
	return s.subscribe(&s.onAdd, cb)
}

func (s *ConnectionSet) OnDelete(cb func(*Connection)) (unsubscribe func()) {
	return s.subscribe(&s.onDelete, cb)
}

func (s *ConnectionSet) subscribe(subs *[]connSub, cb func(*Connection)) func() {
	s.lk.Lock()
	s.nextID++
	id := s.nextID
	*subs = append(*subs, connSub{id: id, fn: cb})
	s.lk.Unlock()

	return func() {
		s.lk.Lock()
		defer s.lk.Unlock()
		for i, sub := range *subs {
			if sub.id == id {
				*subs = append((*subs)[:i:i], (*subs)[i+1:]...)
				return
			}
		}
	}
}

// Next waits for the next connection added to the set.
func (s *ConnectionSet) Next(ctx context.Context) (*Connection, error) {
	added := make(chan *Connection, 1)
	unsubscribe := s.OnAdd(func(conn *Connection) {
		select {
		case added <- conn:
		default:
		}
	})
	defer unsubscribe()

	select {
	case conn := <-added:
		return conn, nil
	case <-ctx.Done():
		return nil, ctxErr(ctx)
	}
}

// transportCore holds what every `Transport` implementation shares.
type transportCore struct {
	cfg       config
	transport string
	logger    *slog.Logger
	msink     metrics.MetricSink
	labels    []metrics.Label

	status *watchable.Value[Status]
	conns  *ConnectionSet

	// closing is set as soon as Close starts, so connections created
	// concurrently are closed instead of leaking.
	closing atomic.Bool
}

func newTransportCore(transport string, opts []Option) (*transportCore, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	labels := withLabels(cfg.metricLabels, LabelDeviceID.M(cfg.deviceID), LabelTransport.M(transport))
	return &transportCore{
		cfg:       cfg,
		transport: transport,
		logger: cfg.logger().With(
			LabelTransport.L(transport),
			LabelDeviceID.L(cfg.deviceID),
		),
		msink:  cfg.msink,
		labels: labels,
		status: watchable.New(StatusOpen),
		conns:  newConnectionSet(),
	}, nil
}

func (t *transportCore) DeviceID() string {
	return t.cfg.deviceID
}

func (t *transportCore) Methods() Methods {
	return t.cfg.methods
}

func (t *transportCore) Status() Status {
	return t.status.Get()
}

func (t *transportCore) Watch() *watchable.Value[Status] {
	return t.status
}

func (t *transportCore) Connections() *ConnectionSet {
	return t.conns
}

// OnClose registers cb to run once the transport is closed. If it is
// already closed, cb runs immediately.
func (t *transportCore) OnClose(cb func()) (unsubscribe func()) {
	var once sync.Once
	unsubscribe = t.status.OnChangeTo(StatusClosed, func(_, _ Status) {
		once.Do(cb)
	})
	if t.status.Get() == StatusClosed {
		unsubscribe()
		once.Do(cb)
		return func() {}
	}
	return unsubscribe
}

func (t *transportCore) isClosing() bool {
	return t.closing.Load()
}

type connParams struct {
	send    SendFunc
	initial Status
	peer    string
	desc    string
}

// newConnection builds a connection owned by the transport. It is not a
// member of the transport set until `publish` is called, so callers can
// finish wiring what its send function relies on first.
func (t *transportCore) newConnection(params connParams) (*Connection, error) {
	if t.isClosing() {
		return nil, ErrUseAfterClose
	}

	desc := params.desc
	if desc == "" {
		desc = t.cfg.description
		if params.peer != "" {
			desc = desc + " <-> " + params.peer
		}
	}

	return NewConnection(ConnectionConfig{
		DeviceID:      t.cfg.deviceID,
		OtherDeviceID: params.peer,
		Description:   desc,
		Methods:       t.cfg.methods,
		Send:          params.send,
		InitialStatus: params.initial,
		Transport:     t.transport,
		Logger:        t.logger,
		MetricSink:    t.msink,
		MetricLabels:  withLabels(t.cfg.metricLabels, LabelDeviceID.M(t.cfg.deviceID)),
	}), nil
}

// publish adds a fully wired connection to the transport set, which
// notifies `OnAdd` subscribers. It is removed from the set once closed.
// If the transport closed meanwhile, conn is closed too.
func (t *transportCore) publish(conn *Connection) error {
	t.conns.Add(conn)
	conn.OnClose(func() {
		t.conns.Delete(conn)
	})

	if t.isClosing() {
		conn.closeWith(ClosedByTransport)
		return ErrUseAfterClose
	}
	return nil
}

// Close is idempotent: it closes every connection, then marks the
// transport CLOSED.
func (t *transportCore) Close() error {
	if !t.closing.CompareAndSwap(false, true) {
		return nil
	}
	for _, conn := range t.conns.Snapshot() {
		conn.closeWith(ClosedByTransport)
	}
	t.status.Set(StatusClosed)
	t.logger.Info("transport closed")
	return nil
}
