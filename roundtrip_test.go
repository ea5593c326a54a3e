package cryptosocket_test

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/brickingsoft/cryptosocket"
)

// queueSocket is a non-blocking duplex Socket double backed by two byte
// queues shared with its peer, letting a client and a server CryptoSocket
// exchange real bytes without a network. It always accepts a full write
// (an infinite send buffer), so the interesting failure mode this module
// guards against is not a blocked write but a driver that issues more
// than one syscall per Handshake call.
type queueSocket struct {
	incoming *[]byte
	outgoing *[]byte
	reads    int
	writes   int
}

func newSocketPair() (*queueSocket, *queueSocket) {
	a := make([]byte, 0, 4096)
	b := make([]byte, 0, 4096)
	return &queueSocket{incoming: &a, outgoing: &b}, &queueSocket{incoming: &b, outgoing: &a}
}

func (s *queueSocket) Read(p []byte) (int, error) {
	s.reads++
	if len(*s.incoming) == 0 {
		return 0, nil
	}
	n := copy(p, *s.incoming)
	*s.incoming = (*s.incoming)[n:]
	return n, nil
}

func (s *queueSocket) Write(p []byte) (int, error) {
	s.writes++
	*s.outgoing = append(*s.outgoing, p...)
	return len(p), nil
}

func selfSignedCertForRoundTrip(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "cryptosocket-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// driveOneStep calls Handshake exactly once (running any delegated work
// it uncovers through DoHandshakeWork, which performs no socket I/O of
// its own) and asserts the socket saw at most one syscall for it,
// enforcing the "one non-blocking syscall per call" contract end to end
// against the real tlsengine implementation.
func driveOneStep(t *testing.T, name string, cs *cryptosocket.CryptoSocket, sock *queueSocket) cryptosocket.HandshakeResult {
	t.Helper()
	reads, writes := sock.reads, sock.writes

	result, err := cs.Handshake()
	if err != nil {
		t.Fatalf("%s Handshake: %v", name, err)
	}
	if got := (sock.reads - reads) + (sock.writes - writes); got > 1 {
		t.Fatalf("%s Handshake performed %d socket syscalls in one call, want at most 1", name, got)
	}

	if result == cryptosocket.NeedWork {
		result, err = cs.DoHandshakeWork()
		if err != nil {
			t.Fatalf("%s DoHandshakeWork: %v", name, err)
		}
		if got := (sock.reads - reads) + (sock.writes - writes); got > 1 {
			t.Fatalf("%s DoHandshakeWork's own Handshake call performed %d socket syscalls, want at most 1", name, got)
		}
	}
	return result
}

func TestCryptoSocket_ClientServerRoundTrip(t *testing.T) {
	cert := selfSignedCertForRoundTrip(t)
	clientSock, serverSock := newSocketPair()

	client, err := cryptosocket.NewClient(clientSock, cryptosocket.Config{
		TLSConfig: &tls.Config{InsecureSkipVerify: true},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	server, err := cryptosocket.NewServer(serverSock, cryptosocket.Config{
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	clientDone, serverDone := false, false
	for round := 0; round < 128 && !(clientDone && serverDone); round++ {
		if !clientDone {
			if r := driveOneStep(t, "client", client, clientSock); r == cryptosocket.Done {
				clientDone = true
			}
		}
		if !serverDone {
			if r := driveOneStep(t, "server", server, serverSock); r == cryptosocket.Done {
				serverDone = true
			}
		}
	}
	if !clientDone || !serverDone {
		t.Fatalf("handshake did not converge within the round budget: client=%v server=%v", clientDone, serverDone)
	}

	if _, ok := client.SecurityContext(); !ok {
		t.Fatal("expected a client security context once the handshake completes")
	}
	if client.Metrics().ClientTLSConnectionsEstablished() == 0 {
		t.Fatal("expected the client-established counter to have incremented")
	}

	n, err := client.Write([]byte("ping"))
	if err != nil {
		t.Fatalf("client Write: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 bytes consumed by Write, got %d", n)
	}
	if _, err := client.Flush(); err != nil {
		t.Fatalf("client Flush: %v", err)
	}

	dst := make([]byte, server.MinReadBuffer())
	var got int
	for round := 0; round < 16 && got == 0; round++ {
		n, err := server.Read(dst)
		if err != nil {
			t.Fatalf("server Read: %v", err)
		}
		got = n
	}
	if !bytes.Equal(dst[:got], []byte("ping")) {
		t.Fatalf("expected the server to read back the client's plaintext, got %q", dst[:got])
	}
}
