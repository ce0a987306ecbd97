package streamrpc

import (
	"crypto/x509"
	"log/slog"
	"net"
)

// PeerIDResolver resolves the device id a peer is allowed to announce
// from the `x509.Certificate`s it presented.
//
// The contract of this function is:
//
// *Implementations* MUST NOT be blocking, since they are invoked on
// the connection establishment critical path.
//
// If the resolution is successful, *Implementations* MUST return a device
// id and a nil error.
//
// Otherwise, *Implementations* MUST return a human-friendly error string
// as a third argument, which will be sent to the remote peer, so they can
// debug the error.
//
// If they return a non-nil error but an empty third string,
// a `QErrInternal` is returned to the peer instead.
type PeerIDResolver func(certs []*x509.Certificate) (string, error, string)

// CommonNameResolver is the default resolver: the device id is the x509
// Subject Common Name of the peer certificate.
func CommonNameResolver(certs []*x509.Certificate) (string, error, string) {
	if len(certs) == 0 {
		return "", ErrPeerIDResolve, "it seems like you haven't provided a certificate"
	}
	if certs[0].Subject.CommonName == "" {
		return "", ErrPeerIDResolve, "your certificate has no common name"
	}
	return certs[0].Subject.CommonName, nil, ""
}

// Peer identifies the remote end of a QUIC connection.
type Peer struct {
	DeviceID string
	Addr     net.Addr
}

func (peer Peer) LogValue() slog.Value {
	addr := ""
	if peer.Addr != nil {
		addr = peer.Addr.String()
	}
	return slog.GroupValue(
		slog.String("device_id", peer.DeviceID),
		slog.String("addr", addr),
	)
}
