// Package handshake implements C4: proving that a connecting peer
// controls the private key behind one or more of the certificates in
// this gateway's key store, before the parcel collection server
// streams the parcels addressed to them. Signatures are checked
// directly against those certificates; no certificate chain is walked.
package handshake

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/relaynet/gateway-core/keystore"
)

// NonceSize is the length in bytes of the server's random challenge
// nonce.
const NonceSize = 16

// Challenge is the single frame the server writes first.
type Challenge struct {
	Nonce []byte `json:"nonce"`
}

// NewChallenge mints a fresh cryptographically random nonce.
func NewChallenge() (Challenge, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Challenge{}, fmt.Errorf("generate nonce: %w", err)
	}
	return Challenge{Nonce: nonce}, nil
}

// Response is the single frame the server expects back: one detached
// signature per endpoint certificate the peer is proving control of.
type Response struct {
	NonceSignatures [][]byte `json:"nonceSignatures"`
}

// Result is what a successful handshake yields: the private
// addresses of every endpoint certificate the peer proved control
// over.
type Result struct {
	EndpointPrivateAddresses []string
}

// ErrMalformedResponse, ErrNoSignatures, and ErrInvalidSignature are
// the three distinct causes that all map to the same
// CANNOT_ACCEPT close.
var (
	ErrMalformedResponse = fmt.Errorf("malformed handshake response")
	ErrNoSignatures       = fmt.Errorf("handshake response carries no signatures")
	ErrInvalidSignature   = fmt.Errorf("handshake signature does not verify against any local certificate")
)

// Verify checks resp against the gateway's own certificates (fetched
// via Store.FetchNodeCertificates): each signature must be a detached
// Ed25519 signature over challenge.Nonce made by the subject key of
// one of localCerts, and the private address of the matching
// certificate is returned. A signature by a key that is merely issued
// by one of localCerts is not accepted.
//
// A response is accepted only if every signature verifies; any
// invalid signature fails the whole handshake (no partial credit),
// matching "any signature invalid -> close CANNOT_ACCEPT".
func Verify(challenge Challenge, resp Response, localCerts []keystore.Certificate) (Result, error) {
	if len(resp.NonceSignatures) == 0 {
		return Result{}, ErrNoSignatures
	}

	var result Result
	for _, sig := range resp.NonceSignatures {
		cert, ok := matchSignature(challenge.Nonce, sig, localCerts)
		if !ok {
			return Result{}, ErrInvalidSignature
		}
		result.EndpointPrivateAddresses = append(result.EndpointPrivateAddresses, cert.PrivateAddress())
	}
	return result, nil
}

func matchSignature(nonce, sig []byte, certs []keystore.Certificate) (keystore.Certificate, bool) {
	for _, cert := range certs {
		if len(cert.SubjectPublicKey) == ed25519.PublicKeySize && ed25519.Verify(cert.SubjectPublicKey, nonce, sig) {
			return cert, true
		}
	}
	return keystore.Certificate{}, false
}
