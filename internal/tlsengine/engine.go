// Package tlsengine is the concrete, self-contained TlsEngine
// implementation cryptosocket.NewClient/NewServer build by default. It
// performs a genuine X25519 key exchange (golang.org/x/crypto/curve25519),
// derives traffic secrets with HKDF-SHA256
// (golang.org/x/crypto/hkdf), and protects the data path with
// ChaCha20-Poly1305 (golang.org/x/crypto/chacha20poly1305).
//
// It intentionally does not speak the wire format of RFC 5246/8446: the
// handshake message layout is a minimal, purpose-built framing carrying
// the same shape (hello with a key share, a certificate, a MAC-based
// Finished confirmation) rather than byte-compatible TLS. Interop with a
// real TLS peer is out of scope; what this engine has to get right is
// the wrap/unwrap contract engineapi.TlsEngine describes, using real
// cryptographic primitives from the same ecosystem the rest of this
// module draws on.
package tlsengine

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"io"

	"github.com/brickingsoft/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/brickingsoft/cryptosocket/internal/engineapi"
)

const (
	handshakeRecordType   = byte(22)
	applicationRecordType = byte(23)

	packetBufferSize      = 16 * 1024
	applicationBufferSize = packetBufferSize - 256

	cipherSuiteName = "TLS_ECDHE_X25519_WITH_CHACHA20_POLY1305_SHA256"
)

type phase int

const (
	phaseClientHello phase = iota
	phaseAwaitServerHello
	phaseVerifyCert
	phaseClientFinished
	phaseAwaitServerFinished

	phaseServerAwaitClientHello
	phaseServerHello
	phaseServerFinished
	phaseAwaitClientFinished

	phaseEstablished
)

// New builds a TlsEngine. protocols is the (already server-mode-filtered,
// if applicable) list of acceptable TLS versions; the highest value
// present is used only as a cosmetic label reported through Session().
func New(cfg *tls.Config, protocols []uint16, isClient bool) (engineapi.TlsEngine, error) {
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if !isClient && len(cfg.Certificates) == 0 {
		return nil, ErrNoCertificate
	}
	version := uint16(tls.VersionTLS12)
	for _, v := range protocols {
		if v > version {
			version = v
		}
	}
	return &Engine{isClient: isClient, cfg: cfg, version: version}, nil
}

// Engine implements engineapi.TlsEngine.
type Engine struct {
	isClient bool
	cfg      *tls.Config
	version  uint16

	ph phase

	priv, pub, peerPub []byte
	clientRandom       []byte
	serverRandom       []byte
	transcript         []byte
	pendingCertDER     []byte

	finishedKey []byte
	writeKey    []byte
	writeIV     []byte
	readKey     []byte
	readIV      []byte
	writeSeq    uint64
	readSeq     uint64

	sessionCreationDisabled bool
	peerCerts               []engineapi.Certificate
	verdict                 *engineapi.AuthorizationVerdict
	verdictConsumed         bool
}

func (e *Engine) BeginHandshake() error {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return err
	}
	e.priv, e.pub = priv, pub

	if e.isClient {
		e.clientRandom = make([]byte, 32)
		if _, err := rand.Read(e.clientRandom); err != nil {
			return err
		}
		e.ph = phaseClientHello
	} else {
		e.ph = phaseServerAwaitClientHello
	}
	return nil
}

func (e *Engine) HandshakeState() engineapi.HandshakeStatus {
	switch e.ph {
	case phaseClientHello, phaseClientFinished, phaseServerHello, phaseServerFinished:
		return engineapi.NeedWrap
	case phaseAwaitServerHello, phaseAwaitServerFinished, phaseServerAwaitClientHello, phaseAwaitClientFinished:
		return engineapi.NeedUnwrap
	case phaseVerifyCert:
		return engineapi.NeedTask
	default:
		return engineapi.NotHandshaking
	}
}

func (e *Engine) Wrap(src, dst []byte) (engineapi.OpResult, error) {
	switch e.ph {
	case phaseClientHello:
		payload := concatBytes(e.clientRandom, e.pub)
		return e.emitHandshake(dst, payload, phaseAwaitServerHello)

	case phaseServerHello:
		cert := e.cfg.Certificates[0].Certificate[0]
		payload := concatBytes(e.serverRandom, e.pub, uint16Bytes(len(cert)), cert)
		return e.emitHandshake(dst, payload, phaseServerFinished)

	case phaseServerFinished:
		return e.emitFinished(dst, "server", phaseAwaitClientFinished)

	case phaseClientFinished:
		return e.emitFinished(dst, "client", phaseAwaitServerFinished)

	case phaseEstablished:
		return e.encryptApplication(src, dst)

	default:
		return engineapi.OpResult{}, ErrUnexpectedMessage
	}
}

func (e *Engine) Unwrap(src, dst []byte) (engineapi.OpResult, error) {
	switch e.ph {
	case phaseServerAwaitClientHello:
		return e.consumeClientHello(src)
	case phaseAwaitServerHello:
		return e.consumeServerHello(src)
	case phaseAwaitClientFinished:
		return e.consumeFinished(src, "client", phaseEstablished)
	case phaseAwaitServerFinished:
		return e.consumeFinished(src, "server", phaseEstablished)
	case phaseEstablished:
		return e.decryptApplication(src, dst)
	default:
		return engineapi.OpResult{}, ErrUnexpectedMessage
	}
}

func (e *Engine) emitHandshake(dst, payload []byte, next phase) (engineapi.OpResult, error) {
	total := 5 + len(payload)
	if len(dst) < total {
		return engineapi.OpResult{Status: engineapi.StatusBufferOverflow, HandshakeStatus: e.HandshakeState()}, nil
	}
	writeRecordHeader(dst, handshakeRecordType, len(payload))
	copy(dst[5:], payload)
	e.transcript = append(e.transcript, payload...)
	e.ph = next
	return engineapi.OpResult{Status: engineapi.StatusOK, BytesProduced: total, HandshakeStatus: e.HandshakeState()}, nil
}

func (e *Engine) emitFinished(dst []byte, who string, next phase) (engineapi.OpResult, error) {
	mac := e.computeFinished(who)
	total := 5 + len(mac)
	if len(dst) < total {
		return engineapi.OpResult{Status: engineapi.StatusBufferOverflow, HandshakeStatus: e.HandshakeState()}, nil
	}
	writeRecordHeader(dst, handshakeRecordType, len(mac))
	copy(dst[5:], mac)
	e.ph = next
	return engineapi.OpResult{Status: engineapi.StatusOK, BytesProduced: total, HandshakeStatus: e.HandshakeState()}, nil
}

func (e *Engine) consumeClientHello(src []byte) (engineapi.OpResult, error) {
	payload, consumed, ok, err := readRecord(src, handshakeRecordType)
	if err != nil || !ok {
		return underflowOr(err, e.HandshakeState())
	}
	if len(payload) < 64 {
		return engineapi.OpResult{}, ErrUnexpectedMessage
	}
	e.clientRandom = append([]byte{}, payload[:32]...)
	e.peerPub = append([]byte{}, payload[32:64]...)
	e.transcript = append(e.transcript, payload...)
	e.serverRandom = make([]byte, 32)
	if _, err := rand.Read(e.serverRandom); err != nil {
		return engineapi.OpResult{}, err
	}
	if err := e.deriveKeys(); err != nil {
		return engineapi.OpResult{}, err
	}
	e.ph = phaseServerHello
	return engineapi.OpResult{Status: engineapi.StatusOK, BytesConsumed: consumed, HandshakeStatus: e.HandshakeState()}, nil
}

func (e *Engine) consumeServerHello(src []byte) (engineapi.OpResult, error) {
	payload, consumed, ok, err := readRecord(src, handshakeRecordType)
	if err != nil || !ok {
		return underflowOr(err, e.HandshakeState())
	}
	if len(payload) < 66 {
		return engineapi.OpResult{}, ErrUnexpectedMessage
	}
	e.serverRandom = append([]byte{}, payload[:32]...)
	e.peerPub = append([]byte{}, payload[32:64]...)
	certLen := int(payload[64])<<8 | int(payload[65])
	if len(payload) < 66+certLen {
		return engineapi.OpResult{}, ErrUnexpectedMessage
	}
	e.pendingCertDER = append([]byte{}, payload[66:66+certLen]...)
	e.transcript = append(e.transcript, payload...)
	if err := e.deriveKeys(); err != nil {
		return engineapi.OpResult{}, err
	}
	e.ph = phaseVerifyCert
	return engineapi.OpResult{Status: engineapi.StatusOK, BytesConsumed: consumed, HandshakeStatus: e.HandshakeState()}, nil
}

func (e *Engine) consumeFinished(src []byte, who string, next phase) (engineapi.OpResult, error) {
	payload, consumed, ok, err := readRecord(src, handshakeRecordType)
	if err != nil || !ok {
		return underflowOr(err, e.HandshakeState())
	}
	want := e.computeFinished(who)
	if !hmac.Equal(payload, want) {
		return engineapi.OpResult{}, ErrFinishedMismatch
	}
	e.ph = next
	return engineapi.OpResult{Status: engineapi.StatusOK, BytesConsumed: consumed, HandshakeStatus: e.HandshakeState()}, nil
}

func underflowOr(err error, hs engineapi.HandshakeStatus) (engineapi.OpResult, error) {
	if err != nil {
		return engineapi.OpResult{}, err
	}
	return engineapi.OpResult{Status: engineapi.StatusBufferUnderflow, HandshakeStatus: hs}, nil
}

func (e *Engine) computeFinished(who string) []byte {
	h := hmac.New(sha256.New, e.finishedKey)
	sum := sha256.Sum256(e.transcript)
	h.Write(sum[:])
	h.Write([]byte(who))
	return h.Sum(nil)
}

// deriveKeys computes the X25519 shared secret and expands it with
// HKDF-SHA256 into a Finished MAC key and per-direction AEAD key/IV
// pairs, keyed on both parties' randoms so a replayed handshake never
// reuses a key.
func (e *Engine) deriveKeys() error {
	shared, err := curve25519.X25519(e.priv, e.peerPub)
	if err != nil {
		return err
	}
	salt := concatBytes(e.clientRandom, e.serverRandom)
	kdf := hkdf.New(sha256.New, shared, salt, []byte("cryptosocket handshake"))

	read := func(n int) ([]byte, error) {
		b := make([]byte, n)
		if _, err := io.ReadFull(kdf, b); err != nil {
			return nil, err
		}
		return b, nil
	}

	finishedKey, err := read(32)
	if err != nil {
		return err
	}
	clientKey, err := read(chacha20poly1305.KeySize)
	if err != nil {
		return err
	}
	serverKey, err := read(chacha20poly1305.KeySize)
	if err != nil {
		return err
	}
	clientIV, err := read(chacha20poly1305.NonceSize)
	if err != nil {
		return err
	}
	serverIV, err := read(chacha20poly1305.NonceSize)
	if err != nil {
		return err
	}

	e.finishedKey = finishedKey
	if e.isClient {
		e.writeKey, e.writeIV = clientKey, clientIV
		e.readKey, e.readIV = serverKey, serverIV
	} else {
		e.writeKey, e.writeIV = serverKey, serverIV
		e.readKey, e.readIV = clientKey, clientIV
	}
	return nil
}

func (e *Engine) encryptApplication(src, dst []byte) (engineapi.OpResult, error) {
	aead, err := chacha20poly1305.New(e.writeKey)
	if err != nil {
		return engineapi.OpResult{}, err
	}
	overhead := 5 + aead.Overhead()
	if len(dst) < overhead {
		return engineapi.OpResult{Status: engineapi.StatusBufferOverflow}, nil
	}
	maxPlain := len(dst) - overhead
	if maxPlain > applicationBufferSize {
		maxPlain = applicationBufferSize
	}
	n := len(src)
	if n > maxPlain {
		n = maxPlain
	}
	nonce := e.nonce(e.writeIV, e.writeSeq)
	e.writeSeq++
	sealed := aead.Seal(dst[5:5], nonce, src[:n], nil)
	writeRecordHeader(dst, applicationRecordType, len(sealed))
	return engineapi.OpResult{Status: engineapi.StatusOK, BytesConsumed: n, BytesProduced: 5 + len(sealed)}, nil
}

func (e *Engine) decryptApplication(src, dst []byte) (engineapi.OpResult, error) {
	payload, consumed, ok, err := readRecord(src, applicationRecordType)
	if err != nil {
		return engineapi.OpResult{}, err
	}
	if !ok {
		return engineapi.OpResult{Status: engineapi.StatusBufferUnderflow}, nil
	}
	aead, err := chacha20poly1305.New(e.readKey)
	if err != nil {
		return engineapi.OpResult{}, err
	}
	if len(payload) < aead.Overhead() {
		return engineapi.OpResult{}, ErrUnexpectedMessage
	}
	if len(dst) < len(payload)-aead.Overhead() {
		return engineapi.OpResult{Status: engineapi.StatusBufferOverflow}, nil
	}
	nonce := e.nonce(e.readIV, e.readSeq)
	plain, err := aead.Open(dst[:0], nonce, payload, nil)
	if err != nil {
		return engineapi.OpResult{}, errors.From(ErrUnexpectedMessage, errors.WithWrap(err))
	}
	e.readSeq++
	return engineapi.OpResult{Status: engineapi.StatusOK, BytesConsumed: consumed, BytesProduced: len(plain)}, nil
}

func (e *Engine) nonce(iv []byte, seq uint64) []byte {
	n := append([]byte{}, iv...)
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	for i := 0; i < 8; i++ {
		n[len(n)-8+i] ^= seqBytes[i]
	}
	return n
}

// DelegatedTask returns the peer-certificate verification step once a
// certificate has been received; it runs x509 chain validation, which
// this package's caller is expected to keep off its I/O thread.
func (e *Engine) DelegatedTask() engineapi.Task {
	if e.ph != phaseVerifyCert {
		return nil
	}
	certDER := e.pendingCertDER
	cfg := e.cfg
	return taskFunc(func() error {
		cert, err := x509.ParseCertificate(certDER)
		if err != nil {
			e.verdict = &engineapi.AuthorizationVerdict{Succeeded: false, Details: err.Error()}
			e.ph = phaseClientFinished
			return errors.From(ErrCertificateInvalid, errors.WithWrap(err))
		}
		e.peerCerts = []engineapi.Certificate{certificateAdapter{cert}}

		if cfg.InsecureSkipVerify {
			e.verdict = &engineapi.AuthorizationVerdict{Succeeded: true, Details: cert.Subject.String()}
			e.ph = phaseClientFinished
			return nil
		}

		opts := x509.VerifyOptions{Roots: cfg.RootCAs, DNSName: cfg.ServerName}
		if _, err := cert.Verify(opts); err != nil {
			e.verdict = &engineapi.AuthorizationVerdict{Succeeded: false, Details: err.Error()}
			e.ph = phaseClientFinished
			return errors.From(ErrCertificateInvalid, errors.WithWrap(err))
		}
		e.verdict = &engineapi.AuthorizationVerdict{Succeeded: true, Details: cert.Subject.String()}
		e.ph = phaseClientFinished
		return nil
	})
}

type taskFunc func() error

func (f taskFunc) Run() error { return f() }

type certificateAdapter struct{ cert *x509.Certificate }

func (c certificateAdapter) Subject() string { return c.cert.Subject.String() }

func (e *Engine) Session() engineapi.SessionParameters {
	return engineapi.SessionParameters{
		ApplicationBufferSize: applicationBufferSize,
		PacketBufferSize:      packetBufferSize,
		Protocol:              tls.VersionName(e.version),
		CipherSuite:           cipherSuiteName,
		PeerCertificates:      e.peerCerts,
	}
}

func (e *Engine) DisableSessionCreation() { e.sessionCreationDisabled = true }

func (e *Engine) IsClient() bool { return e.isClient }

func (e *Engine) AuthorizationVerdict() (engineapi.AuthorizationVerdict, bool) {
	if e.verdict == nil || e.verdictConsumed {
		return engineapi.AuthorizationVerdict{}, false
	}
	e.verdictConsumed = true
	return *e.verdict, true
}

func writeRecordHeader(dst []byte, contentType byte, length int) {
	dst[0] = contentType
	dst[1] = 3
	dst[2] = 3
	dst[3] = byte(length >> 8)
	dst[4] = byte(length)
}

func readRecord(src []byte, wantType byte) (payload []byte, consumed int, ok bool, err error) {
	if len(src) < 5 {
		return nil, 0, false, nil
	}
	if src[0] != wantType {
		return nil, 0, false, ErrUnexpectedMessage
	}
	length := int(src[3])<<8 | int(src[4])
	total := 5 + length
	if len(src) < total {
		return nil, 0, false, nil
	}
	return src[5:total], total, true, nil
}

func concatBytes(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func uint16Bytes(v int) []byte {
	return []byte{byte(v >> 8), byte(v)}
}
