package streamrpc

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %s", err)
		return nil
	}
	return key
}

func generateCa(t *testing.T, pkey *ecdsa.PrivateKey) *x509.Certificate {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: "streamrpc test ca",
		},
		SerialNumber:          serialNumber,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(1 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &pkey.PublicKey, pkey)
	if err != nil {
		t.Fatalf("failed to generate CA: %s", err)
	}
	ca, err := x509.ParseCertificate(certDER)
	if err != nil {
		t.Fatalf("failed to parse CA: %s", err)
	}
	return ca
}

// generateTLSConfig returns a mTLS configuration for a device whose
// certificate, signed by ca, carries cn as Common Name.
func generateTLSConfig(t *testing.T, ca *x509.Certificate, caKP *ecdsa.PrivateKey, cn string) *tls.Config {
	t.Helper()
	leafKP := generateKeyPair(t)
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber: serialNumber,
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(1 * time.Hour),
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	leafDER, err := x509.CreateCertificate(rand.Reader, &tmpl, ca, &leafKP.PublicKey, caKP)
	if err != nil {
		t.Fatalf("failed to generate leaf %s: %s", cn, err)
	}
	leaf, err := x509.ParseCertificate(leafDER)
	if err != nil {
		t.Fatalf("failed to parse leaf %s: %s", cn, err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(ca)
	return &tls.Config{
		Certificates: []tls.Certificate{
			{
				Certificate: [][]byte{leafDER},
				Leaf:        leaf,
				PrivateKey:  leafKP,
			},
		},
		ClientAuth: tls.RequireAndVerifyClientCert,
		ClientCAs:  pool,
		RootCAs:    pool,
	}
}

type quicFixture struct {
	ca   *x509.Certificate
	caKP *ecdsa.PrivateKey
}

func newQuicFixture(t *testing.T) *quicFixture {
	caKP := generateKeyPair(t)
	return &quicFixture{ca: generateCa(t, caKP), caKP: caKP}
}

// node starts a QUIC transport whose certificate is issued for cn.
func (f *quicFixture) node(t *testing.T, cn string, opts ...Option) *QUICTransport {
	t.Helper()
	opts = append([]Option{
		WithDeviceID(cn),
		WithMethods(testMethods(&callLog{})),
		WithTlsConfig(generateTLSConfig(t, f.ca, f.caKP, cn)),
		WithDialTimeout(5 * time.Second),
		WithGracePeriod(100 * time.Millisecond),
	}, opts...)
	tr, err := NewQUICTransport(quietOpts(opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestQUICRequest(t *testing.T) {
	f := newQuicFixture(t)
	node1 := f.node(t, "node1")
	node2 := f.node(t, "node2")

	addr, err := node1.Listen("127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := node2.Dial(ctx, addr.String())
	require.NoError(t, err)
	require.Equal(t, StatusOpen, conn.Status())
	require.Equal(t, "node1", conn.OtherDeviceID())

	sum, err := Call[int](ctx, conn, "add", 2, 40)
	require.NoError(t, err)
	require.Equal(t, 42, sum)

	accepted := onlyConnection(t, node1.Connections())
	require.Equal(t, "node2", accepted.OtherDeviceID())
	shouted, err := Call[string](ctx, accepted, "shout", "quic")
	require.NoError(t, err)
	require.Equal(t, "QUIC!", shouted)

	t.Run("close propagates", func(t *testing.T) {
		require.NoError(t, conn.Close())
		require.Eventually(t, func() bool {
			return accepted.IsClosed()
		}, 5*time.Second, 10*time.Millisecond)
		require.Equal(t, ClosedByRemote, accepted.CloseReason())
		require.Zero(t, node1.Connections().Len())
		require.Zero(t, node2.Connections().Len())
	})
}

func TestQUICPeerMismatch(t *testing.T) {
	f := newQuicFixture(t)
	node1 := f.node(t, "node1")
	impostor := f.node(t, "node2", WithDeviceID("node3"))

	addr, err := node1.Listen("127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = impostor.Dial(ctx, addr.String())
	require.Error(t, err)
	require.Zero(t, impostor.Connections().Len())

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, node1.Connections().Len())
}

func TestQUICCustomResolver(t *testing.T) {
	f := newQuicFixture(t)
	resolver := func(certs []*x509.Certificate) (string, error, string) {
		id, err, uerr := CommonNameResolver(certs)
		return "device-" + id, err, uerr
	}
	node1 := f.node(t, "node1", WithDeviceID("device-node1"), WithPeerIDResolver(resolver))
	node2 := f.node(t, "node2", WithDeviceID("device-node2"), WithPeerIDResolver(resolver))

	addr, err := node1.Listen("127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := node2.Dial(ctx, addr.String())
	require.NoError(t, err)
	require.Equal(t, "device-node1", conn.OtherDeviceID())
}

func TestQUICTransportClose(t *testing.T) {
	f := newQuicFixture(t)
	node1 := f.node(t, "node1")
	node2 := f.node(t, "node2")

	addr, err := node1.Listen("127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := node2.Dial(ctx, addr.String())
	require.NoError(t, err)

	require.NoError(t, node1.Close())
	require.Eventually(t, func() bool {
		return conn.IsClosed()
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, ClosedByRemote, conn.CloseReason())

	_, err = node1.Listen("127.0.0.1:0")
	require.ErrorIs(t, err, ErrUseAfterClose)
	_, err = node1.Dial(ctx, addr.String())
	require.ErrorIs(t, err, ErrUseAfterClose)
}

func TestQUICConfig(t *testing.T) {
	_, err := NewQUICTransport(quietOpts()...)
	require.ErrorIs(t, err, ErrInvalidCfg)
	require.ErrorIs(t, err, ErrNoTLSConfig)

	_, err = NewQUICTransport(quietOpts(WithTlsConfig(nil))...)
	require.ErrorIs(t, err, ErrNoTLSConfig)

	f := newQuicFixture(t)
	tr := f.node(t, "node1")
	require.Equal(t, []string{QUICALPN}, tr.tlsConf.NextProtos)
}

func TestCommonNameResolver(t *testing.T) {
	_, err, uerr := CommonNameResolver(nil)
	require.ErrorIs(t, err, ErrPeerIDResolve)
	require.NotEmpty(t, uerr)

	_, err, _ = CommonNameResolver([]*x509.Certificate{{}})
	require.ErrorIs(t, err, ErrPeerIDResolve)

	id, err, _ := CommonNameResolver([]*x509.Certificate{{Subject: pkix.Name{CommonName: "node1"}}})
	require.NoError(t, err)
	require.Equal(t, "node1", id)
}
