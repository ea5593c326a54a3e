package cryptosocket

// SecurityContext exposes the peer's certificate chain once the
// handshake has completed. A valid SecurityContext with an empty
// PeerCertificates list means the session is secure but the peer either
// used a non-certificate cipher or was not required to present a
// certificate.
type SecurityContext struct {
	PeerCertificates []Certificate
}
