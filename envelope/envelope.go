// Package envelope implements the supplemental sessionless
// enveloped-data encryption the courier sync driver (C8) uses to wrap
// a CCA for the public gateway and to unwrap inbound cargo payloads.
// Shaped around a KEM-derived shared secret feeding an AEAD seal/open,
// built directly on cloudflare/circl's HPKE implementation rather than
// any message-bus-coupled framing, since this module has no message
// bus transport of its own to piggyback on.
package envelope

import (
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/hpke"
	"github.com/cloudflare/circl/kem"
)

// suite is base-mode X25519-HKDF-SHA256 with a ChaCha20-Poly1305
// AEAD: sessionless, single-shot sealing with no exporter secret or
// transcript beyond the recipient's public key and the info string.
var suite = hpke.NewSuite(hpke.KEM_X25519_HKDF_SHA256, hpke.KDF_HKDF_SHA256, hpke.AEAD_ChaCha20Poly1305)

// GenerateKeyPair mints a fresh X25519 KEM keypair for use as an
// envelope recipient identity.
func GenerateKeyPair() (kem.PrivateKey, kem.PublicKey, error) {
	scheme := hpke.KEM_X25519_HKDF_SHA256.Scheme()
	pub, priv, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("envelope: generate KEM keypair: %w", err)
	}
	return priv, pub, nil
}

// Seal encrypts plaintext to recipientPub in sessionless mode: a
// fresh ephemeral sender keypair is generated per call, so the same
// plaintext sealed twice produces unlinkable ciphertexts. info binds
// the ciphertext to its purpose (e.g. "gateway-core/cca/v1") and must
// match on Open.
//
// The returned envelope is self-contained: KEM encapsulation || AEAD
// ciphertext. Nothing beyond recipientPub is needed to open it.
func Seal(recipientPub kem.PublicKey, info, plaintext []byte) ([]byte, error) {
	sender, err := suite.NewSender(recipientPub, info)
	if err != nil {
		return nil, fmt.Errorf("envelope: init sender: %w", err)
	}
	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("envelope: sender setup: %w", err)
	}
	ciphertext, err := sealer.Seal(plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("envelope: seal: %w", err)
	}

	kemSize := suite.KEM.Scheme().CiphertextSize()
	out := make([]byte, 0, kemSize+len(ciphertext))
	out = append(out, enc...)
	out = append(out, ciphertext...)
	return out, nil
}

// MarshalPublicKey serializes a KEM public key to raw bytes, for
// storage alongside an identity certificate.
func MarshalPublicKey(pub kem.PublicKey) ([]byte, error) {
	b, err := pub.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal public key: %w", err)
	}
	return b, nil
}

// MarshalPrivateKey serializes a KEM private key to raw bytes.
func MarshalPrivateKey(priv kem.PrivateKey) ([]byte, error) {
	b, err := priv.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal private key: %w", err)
	}
	return b, nil
}

// UnmarshalPublicKey parses raw bytes produced by MarshalPublicKey.
func UnmarshalPublicKey(b []byte) (kem.PublicKey, error) {
	pub, err := suite.KEM.Scheme().UnmarshalBinaryPublicKey(b)
	if err != nil {
		return nil, fmt.Errorf("envelope: unmarshal public key: %w", err)
	}
	return pub, nil
}

// UnmarshalPrivateKey parses raw bytes produced by MarshalPrivateKey.
func UnmarshalPrivateKey(b []byte) (kem.PrivateKey, error) {
	priv, err := suite.KEM.Scheme().UnmarshalBinaryPrivateKey(b)
	if err != nil {
		return nil, fmt.Errorf("envelope: unmarshal private key: %w", err)
	}
	return priv, nil
}

// Open decrypts an envelope produced by Seal against recipientPriv.
// info must equal the value passed to Seal.
func Open(recipientPriv kem.PrivateKey, info, sealedEnvelope []byte) ([]byte, error) {
	kemSize := suite.KEM.Scheme().CiphertextSize()
	if len(sealedEnvelope) < kemSize {
		return nil, fmt.Errorf("envelope: sealed envelope too short (%d bytes)", len(sealedEnvelope))
	}
	enc, ciphertext := sealedEnvelope[:kemSize], sealedEnvelope[kemSize:]

	receiver, err := suite.NewReceiver(recipientPriv, info)
	if err != nil {
		return nil, fmt.Errorf("envelope: init receiver: %w", err)
	}
	opener, err := receiver.Setup(enc)
	if err != nil {
		return nil, fmt.Errorf("envelope: receiver setup: %w", err)
	}
	plaintext, err := opener.Open(ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("envelope: open (bad key or tampered ciphertext): %w", err)
	}
	return plaintext, nil
}
