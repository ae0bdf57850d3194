// Package keystore implements C2, the key & certificate store:
// persistence for the node's own keypair and identity certificate
// and for the CCA-issuer keypair and certificate. The public
// gateway's identity certificate is kept in the config store
// (gwconfig), not here.
package keystore

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Certificate is a deliberately minimal X.509-like structure: only
// the fields this module's invariants (private-address derivation,
// issuer/subject chaining, validity windows) actually depend on.
// Full certificate algebra is out of scope here.
type Certificate struct {
	SubjectPublicKey    ed25519.PublicKey
	IssuerPrivateAddr   string
	NotBefore           time.Time
	NotAfter            time.Time
	// Signature is a detached Ed25519 signature over the certificate's
	// canonical bytes (see Certificate.SigningBytes), produced by the
	// issuer's private key.
	Signature []byte
	// SerialNumber is an opaque identifier for this certificate. The
	// Postgres key store does not persist it, and no config entry
	// refers to it.
	SerialNumber string
	// EncryptionPublicKey is this certificate's companion HPKE (X25519
	// KEM) public key, raw-marshaled via the envelope package. It is
	// the key peers seal sessionless enveloped data to; it is distinct
	// from SubjectPublicKey, which is only ever used to verify
	// signatures.
	EncryptionPublicKey []byte
}

// PrivateAddress derives this certificate's own private address: the
// deterministic identifier hashed from the subject's public key.
func (c Certificate) PrivateAddress() string {
	return PrivateAddressFromPublicKey(c.SubjectPublicKey)
}

// SelfIssued reports whether this certificate's issuer and subject
// are the same key. C8.4.b relies on exactly this check, preserved
// per the "self-issued certificate filter" design note: it exists to
// route around a pathological behaviour in the underlying crypto
// library when a trust anchor and end-entity share a Subject Key
// Identifier.
func (c Certificate) SelfIssued() bool {
	return c.IssuerPrivateAddr == c.PrivateAddress()
}

// Valid reports whether now falls within [NotBefore, NotAfter].
func (c Certificate) Valid(now time.Time) bool {
	return !now.Before(c.NotBefore) && !now.After(c.NotAfter)
}

// SigningBytes is the canonical byte representation signed/verified
// for this certificate.
func (c Certificate) SigningBytes() []byte {
	h := sha256.New()
	h.Write(c.SubjectPublicKey)
	h.Write(c.EncryptionPublicKey)
	h.Write([]byte(c.IssuerPrivateAddr))
	h.Write([]byte(c.NotBefore.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(c.NotAfter.UTC().Format(time.RFC3339Nano)))
	return h.Sum(nil)
}

// PrivateAddressFromPublicKey derives the private-address identifier
// from a raw Ed25519 public key.
func PrivateAddressFromPublicKey(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:20])
}

// KeyPair is the node's own identity: a private key plus the
// certificate naming its public counterpart.
type KeyPair struct {
	PrivateKey  ed25519.PrivateKey
	Certificate Certificate
	// EncryptionPrivateKey pairs with Certificate.EncryptionPublicKey,
	// raw-marshaled via the envelope package.
	EncryptionPrivateKey []byte
}

// Store is C2's consumed interface: getCurrentKey,
// fetchNodeCertificates, getOrCreateCCAIssuer, saveNodeKey.
type Store interface {
	// GetCurrentKey returns the node's current identity keypair. At
	// most one identity certificate is ever "current".
	GetCurrentKey(ctx context.Context) (*KeyPair, error)

	// FetchNodeCertificates returns every certificate this gateway
	// has issued for itself (identity, current and historical), used
	// by the handshake protocol (C4), which checks each nonce
	// signature directly against these certificates' subject keys.
	FetchNodeCertificates(ctx context.Context) ([]Certificate, error)

	// GetOrCreateCCAIssuer returns the gateway's CCA-issuer
	// certificate, minting a fresh short-lived one if none exists or
	// the stored one has expired.
	GetOrCreateCCAIssuer(ctx context.Context) (*KeyPair, error)

	// SaveNodeKey persists a new current identity keypair, replacing
	// whichever one was previously current.
	SaveNodeKey(ctx context.Context, kp KeyPair) error

	Close() error
}
