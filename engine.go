package cryptosocket

import "github.com/brickingsoft/cryptosocket/internal/engineapi"

// Status is the outcome of a single Wrap or Unwrap call.
type Status = engineapi.Status

const (
	// StatusOK means the operation completed normally; bytesConsumed and
	// bytesProduced describe exactly what happened.
	StatusOK = engineapi.StatusOK
	// StatusBufferOverflow means dst had insufficient room; the engine
	// consumed nothing and produced nothing.
	StatusBufferOverflow = engineapi.StatusBufferOverflow
	// StatusBufferUnderflow means src did not contain a complete unit of
	// work (a full TLS record); only Unwrap produces this.
	StatusBufferUnderflow = engineapi.StatusBufferUnderflow
	// StatusClosed means the engine has shut down and will not process
	// any further wrap/unwrap calls.
	StatusClosed = engineapi.StatusClosed
)

// HandshakeStatus reports what the engine needs next during a handshake.
type HandshakeStatus = engineapi.HandshakeStatus

const (
	NotHandshaking = engineapi.NotHandshaking
	NeedTask       = engineapi.NeedTask
	NeedWrap       = engineapi.NeedWrap
	NeedUnwrap     = engineapi.NeedUnwrap
	Finished       = engineapi.Finished
)

// OpResult is the outcome of a Wrap or Unwrap call, as specified in
// spec.md §4.2.
type OpResult = engineapi.OpResult

// SessionParameters are captured once at handshake completion (and
// re-queried on BUFFER_OVERFLOW during handshake).
type SessionParameters = engineapi.SessionParameters

// Certificate is an opaque handle to a peer certificate; the concrete
// engine populates it with whatever *x509.Certificate it parsed.
type Certificate = engineapi.Certificate

// AuthorizationVerdict is the outcome of peer-identity policy evaluation,
// captured at most once during a handshake.
type AuthorizationVerdict = engineapi.AuthorizationVerdict

// Task is a CPU-bound unit of work the engine wants run off the reactor
// thread (e.g. certificate chain validation).
type Task = engineapi.Task

// TlsEngine is the thin façade spec.md §4.2 requires: wrap/unwrap
// against caller-owned buffers, no I/O of its own. internal/tlsengine
// provides the concrete implementation used by NewClient/NewServer;
// internal/mockengine provides a scriptable fake used by this package's
// own tests.
type TlsEngine = engineapi.TlsEngine
