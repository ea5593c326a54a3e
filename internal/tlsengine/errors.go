package tlsengine

import "github.com/brickingsoft/errors"

var (
	// ErrNoCertificate is returned by New when constructing a server-mode
	// engine without at least one configured certificate.
	ErrNoCertificate = errors.Define("tlsengine: server requires at least one certificate")

	// ErrUnexpectedMessage marks a handshake message that doesn't match
	// what the state machine expected next, or a data-path record seen
	// before the handshake completed.
	ErrUnexpectedMessage = errors.Define("tlsengine: unexpected handshake message")

	// ErrFinishedMismatch means the peer's Finished MAC didn't match the
	// locally recomputed value: the two sides disagree on the handshake
	// transcript or the derived key.
	ErrFinishedMismatch = errors.Define("tlsengine: finished verification failed")

	// ErrCertificateInvalid means the peer certificate failed to parse or
	// failed chain validation against the configured roots.
	ErrCertificateInvalid = errors.Define("tlsengine: peer certificate chain invalid")
)
