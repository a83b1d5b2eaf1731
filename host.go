package relay

import (
	"crypto/x509"
)

// Hostname is the name a peer authenticated with.
type Hostname string

// HostnameResolver names the peer of a QUIC connection from the
// certificate chain it presented.
//
// It runs during connection establishment and must not block. On
// failure it returns a non-nil error and, optionally, a message for the
// remote peer: the connection is then closed with `QErrHostname`, or
// `QErrInternal` when the message is empty.
type HostnameResolver func(certs []*x509.Certificate) (Hostname, error, string)

// CommonNameResolver uses the subject common name of the leaf
// certificate.
func CommonNameResolver(certs []*x509.Certificate) (Hostname, error, string) {
	if len(certs) == 0 {
		return "", ErrHostnameResolve, "no client certificate was presented"
	}

	return Hostname(certs[0].Subject.CommonName), nil, ""
}

// peerNamer is implemented by connections which authenticated their
// peer, the name ends up in `PeerNameKey`.
type peerNamer interface {
	PeerName() Hostname
}
