// Package cryptosocket bridges a non-blocking, byte-oriented full-duplex
// socket to an event-loop-style consumer that reads and writes cleartext
// application bytes, driving an underlying TLS engine's handshake and
// record protection without ever blocking on I/O.
//
// The design (and the split into HandshakeDriver-shaped and
// DataPath-shaped methods on a single CryptoSocket) is grounded in
// TlsCryptoSocket, the JVM NIO equivalent this package's contract was
// distilled from, adapted to the buffer-pump style
// github.com/brickingsoft/rio uses for its own connection types.
package cryptosocket

import (
	"crypto/tls"
	"log/slog"
	"net"

	"github.com/brickingsoft/cryptosocket/internal/buffer"
	"github.com/brickingsoft/cryptosocket/internal/tlsengine"
)

// Socket is the non-blocking full-duplex byte channel a CryptoSocket is
// built on top of. It is borrowed, never owned: CryptoSocket never
// closes it.
//
// Read returns (0, nil) on would-block, (n, nil) with n > 0 for
// progress, and io.EOF on orderly peer close. Write returns (n, nil)
// with n possibly 0 on would-block.
type Socket interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
}

// AddressedSocket is an optional capability a Socket may implement (a
// net.Conn always does) to let construction-time logging report local
// and remote addresses the way the original implementation's debug line
// did.
type AddressedSocket interface {
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// handshakeState is the five-value automaton state from spec.md §3. It
// is not exported: callers only ever see the four-value HandshakeResult
// spec.md §4.3 returns from Handshake.
type handshakeState int

const (
	stateNotStarted handshakeState = iota
	stateNeedRead
	stateNeedWrite
	stateNeedWork
	stateCompleted
)

func (s handshakeState) String() string {
	switch s {
	case stateNotStarted:
		return "NOT_STARTED"
	case stateNeedRead:
		return "NEED_READ"
	case stateNeedWrite:
		return "NEED_WRITE"
	case stateNeedWork:
		return "NEED_WORK"
	case stateCompleted:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// HandshakeResult is returned by Handshake, telling the reactor what to
// wait for before calling again.
type HandshakeResult int

const (
	NeedRead HandshakeResult = iota
	NeedWrite
	NeedWork
	Done
)

func (r HandshakeResult) String() string {
	switch r {
	case NeedRead:
		return "NEED_READ"
	case NeedWrite:
		return "NEED_WRITE"
	case NeedWork:
		return "NEED_WORK"
	case Done:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// FlushResult is returned by Flush.
type FlushResult int

const (
	FlushDone FlushResult = iota
	FlushNeedWrite
)

func (r FlushResult) String() string {
	if r == FlushDone {
		return "DONE"
	}
	return "NEED_WRITE"
}

// Config configures a CryptoSocket. TLSConfig carries everything
// spec.md §1 treats as "construction of the underlying TLS engine" and
// therefore out of scope for this package: certificate loading, trust
// stores, cipher selection.
type Config struct {
	TLSConfig *tls.Config

	// EnabledProtocols lists the TLS versions (tls.VersionTLS12,
	// tls.VersionTLS13, ...) this socket may negotiate, mirroring the
	// SSLEngine.setEnabledProtocols array the original implementation
	// filters in server mode. Defaults to {TLS 1.2, TLS 1.3} if nil.
	EnabledProtocols []uint16

	// Engine overrides the built-in engine construction, used by tests
	// to inject a scriptable fake. Most callers leave this nil.
	Engine TlsEngine

	Logger  *slog.Logger
	Metrics *Metrics
}

var defaultEnabledProtocols = []uint16{tls.VersionTLS12, tls.VersionTLS13}

// CryptoSocket is the public façade spec.md §4.5 describes: it routes
// calls to the handshake driver or the data path, enforces state
// preconditions, and exposes the security context.
type CryptoSocket struct {
	id      uint64
	log     *instanceLogger
	metrics *Metrics

	socket Socket
	engine TlsEngine

	wrapBuf   *buffer.Buffer
	unwrapBuf *buffer.Buffer
	scratch   *buffer.Buffer // handshake-only; released at completion

	state    handshakeState
	session  SessionParameters
	verdict  *AuthorizationVerdict
	isClient bool
}

// NewClient builds a CryptoSocket in client mode. TLS 1.3 is never
// filtered in client mode (spec.md §6: "Client mode is unrestricted").
func NewClient(socket Socket, cfg Config) (*CryptoSocket, error) {
	return newCryptoSocket(socket, cfg, true)
}

// NewServer builds a CryptoSocket in server mode. TLS 1.3 is removed
// from EnabledProtocols before the handshake begins; if that empties the
// list, construction fails with ErrNoTLS13Protocols.
func NewServer(socket Socket, cfg Config) (*CryptoSocket, error) {
	return newCryptoSocket(socket, cfg, false)
}

func newCryptoSocket(socket Socket, cfg Config, isClient bool) (*CryptoSocket, error) {
	protocols := cfg.EnabledProtocols
	if protocols == nil {
		protocols = defaultEnabledProtocols
	}
	if !isClient {
		filtered := make([]uint16, 0, len(protocols))
		for _, v := range protocols {
			if v != tls.VersionTLS13 {
				filtered = append(filtered, v)
			}
		}
		if len(filtered) == 0 {
			return nil, ErrNoTLS13Protocols
		}
		protocols = filtered
	}

	engine := cfg.Engine
	if engine == nil {
		tlsCfg := cfg.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{}
		}
		built, err := tlsengine.New(tlsCfg, protocols, isClient)
		if err != nil {
			return nil, err
		}
		engine = built
	}

	id := newEngineID()
	bufSize := max(buffer.MinCapacity, initialPacketBufferSize(engine))

	cs := &CryptoSocket{
		id:        id,
		log:       newInstanceLogger(cfg.Logger, id),
		metrics:   cfg.Metrics,
		socket:    socket,
		engine:    engine,
		wrapBuf:   buffer.New(bufSize),
		unwrapBuf: buffer.New(bufSize),
		scratch:   buffer.New(bufSize),
		state:     stateNotStarted,
		isClient:  isClient,
	}
	if cs.metrics == nil {
		cs.metrics = defaultMetrics
	}

	cs.log.event("init", initDetail(socket, isClient, bufSize))
	return cs, nil
}

func initialPacketBufferSize(engine TlsEngine) int {
	if s := engine.Session(); s.PacketBufferSize > 0 {
		return s.PacketBufferSize
	}
	return buffer.MinCapacity
}

func initDetail(socket Socket, isClient bool, bufSize int) string {
	local, remote := "[unknown]", "[unknown]"
	if addressed, ok := socket.(AddressedSocket); ok {
		if a := addressed.LocalAddr(); a != nil {
			local = a.String()
		}
		if a := addressed.RemoteAddr(); a != nil {
			remote = a.String()
		}
	}
	mode := "server"
	if isClient {
		mode = "client"
	}
	return "mode=" + mode + " local=" + local + " remote=" + remote + " bufferSize=" + itoa(uint64(bufSize))
}

// Channel returns the borrowed socket, for the reactor to register with
// its poller.
func (cs *CryptoSocket) Channel() Socket { return cs.socket }

// InjectReadData appends externally pre-read bytes into the unwrap
// buffer, for use by a preceding protocol-detection wrapper. Must be
// called before the first call to Handshake.
func (cs *CryptoSocket) InjectReadData(p []byte) {
	cs.unwrapBuf.Inject(p)
}

// MinReadBuffer returns the minimum cleartext buffer size the caller
// must pass to Read: TLS records can expand to this size once
// decrypted. Only meaningful after the handshake has completed.
func (cs *CryptoSocket) MinReadBuffer() int {
	return cs.session.ApplicationBufferSize
}

// SecurityContext returns the peer's certificate chain. It returns
// (SecurityContext{}, false) before COMPLETED; once completed, ok is
// always true, even if PeerCertificates is empty (an unverified peer on
// an otherwise valid session).
func (cs *CryptoSocket) SecurityContext() (SecurityContext, bool) {
	if cs.state != stateCompleted {
		return SecurityContext{}, false
	}
	return SecurityContext{PeerCertificates: cs.session.PeerCertificates}, true
}

// Metrics returns the Metrics instance this socket increments.
func (cs *CryptoSocket) Metrics() *Metrics { return cs.metrics }

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
