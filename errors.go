package cryptosocket

import (
	"strconv"

	"github.com/brickingsoft/errors"
)

// Error kinds. Every failure a CryptoSocket surfaces is one of these,
// wrapped with errors.WithWrap around the original diagnostic where one
// exists (the underlying engine's own error, or a socket I/O error).
var (
	// ErrClosedChannel is returned when the peer closes the connection
	// (EOF on read) or the engine reports CLOSED from wrap/unwrap.
	ErrClosedChannel = errors.Define("cryptosocket: closed channel")

	// ErrHandshakeFailed wraps any error raised by begin_handshake, wrap,
	// unwrap, or delegated-task execution while handshaking.
	ErrHandshakeFailed = errors.Define("cryptosocket: handshake failed")

	// ErrUnexpectedProtocolData is returned when a handshake unwrap
	// produces application data, which the engine must never do.
	ErrUnexpectedProtocolData = errors.Define("cryptosocket: unexpected protocol data during handshake")

	// ErrDataPathFailed wraps any error raised by wrap or unwrap on the
	// post-handshake data path (e.g. an AEAD authentication failure on a
	// tampered record). Distinct from ErrUnexpectedProtocolData, which is
	// specifically a handshake-time protocol violation.
	ErrDataPathFailed = errors.Define("cryptosocket: data path operation failed")

	// ErrHandshakeIncomplete is returned by any data-path operation
	// invoked before the handshake has reached COMPLETED.
	ErrHandshakeIncomplete = errors.Define("cryptosocket: handshake not completed")

	// ErrInvariantViolation marks an engine status this adapter's
	// automaton has no transition for; seeing it means a bug, either in
	// the engine or in this package.
	ErrInvariantViolation = errors.Define("cryptosocket: invariant violation")

	// ErrNoTLS13Protocols is returned by NewServer when disabling TLS 1.3
	// for server mode would leave no enabled protocol versions.
	ErrNoTLS13Protocols = errors.Define("cryptosocket: server mode requires a protocol other than TLS 1.3")
)

const (
	errMetaEngineID = "engine_id"
	errMetaOp       = "op"
)

const (
	opBeginHandshake = "begin_handshake"
	opWrap           = "wrap"
	opUnwrap         = "unwrap"
	opChannelRead    = "channel_read"
	opChannelWrite   = "channel_write"
	opDelegatedTask  = "delegated_task"
)

// wrapErr attaches the instance id and failing operation to base as
// metadata and, when cause is non-nil, wraps it so errors.Is/As still
// see the original diagnostic.
func wrapErr(base error, engineID uint64, op string, cause error) error {
	id := strconv.FormatUint(engineID, 10)
	if cause == nil {
		return errors.From(base, errors.WithMeta(errMetaEngineID, id), errors.WithMeta(errMetaOp, op))
	}
	return errors.From(base,
		errors.WithMeta(errMetaEngineID, id),
		errors.WithMeta(errMetaOp, op),
		errors.WithWrap(cause),
	)
}
