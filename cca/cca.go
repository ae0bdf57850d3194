// Package cca implements the Cargo Collection Authorization the
// courier sync driver (C8) signs and encrypts each sync, and the
// Cargo/CargoMessageSet types a CCA's collected response is unpacked
// into, using the same credential-as-signed-claims pattern as a
// JWT-based session token, adapted to the CCA's own validity-window
// rule instead of a generic session TTL.
package cca

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// The CCA validity window is [now-ClockDriftTolerance, now+CargoTTL].
const (
	ClockDriftTolerance = 90 * time.Minute
	CargoTTL            = 14 * 24 * time.Hour
)

// Claims is the CCA's JWT payload: the standard exp/nbf claims encode
// the validity window directly, plus the two fields the public
// gateway needs to hand our cargo to the presenting courier.
type Claims struct {
	jwt.RegisteredClaims

	// CargoDeliveryAuthorizationCert is the freshly issued
	// cargo-delivery-authorization certificate (subject = public
	// gateway's identity key, issuer = our CCA issuer), serialized.
	CargoDeliveryAuthorizationCert []byte `json:"cargoDeliveryAuthorizationCert"`

	// SealedPayload is envelope.Seal'd to the public gateway's
	// identity certificate; opaque to this package.
	SealedPayload []byte `json:"sealedPayload"`
}

// Encode signs a CCA as a JWT using issuerKey (the CCA issuer's
// Ed25519 private key), setting the validity window to
// [now-ClockDriftTolerance, now+CargoTTL].
func Encode(issuerKey ed25519.PrivateKey, recipientAddress string, authzCert, sealedPayload []byte, now time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{recipientAddress},
			NotBefore: jwt.NewNumericDate(now.Add(-ClockDriftTolerance)),
			ExpiresAt: jwt.NewNumericDate(now.Add(CargoTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		CargoDeliveryAuthorizationCert: authzCert,
		SealedPayload:                  sealedPayload,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(issuerKey)
	if err != nil {
		return "", fmt.Errorf("cca: sign: %w", err)
	}
	return signed, nil
}

// ErrWrongSigningMethod is returned when a CCA token was signed with
// anything other than EdDSA; the gateway only ever issues Ed25519 CCA
// issuer keys, so anything else indicates tampering or a bug.
var ErrWrongSigningMethod = errors.New("cca: token not signed with EdDSA")

// Decode verifies and parses a CCA token against issuerPub. The
// standard exp/nbf checks (performed by jwt.ParseWithClaims) enforce
// the validity window; the caller does not need to re-check it.
func Decode(tokenString string, issuerPub ed25519.PublicKey) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, ErrWrongSigningMethod
		}
		return issuerPub, nil
	})
	if err != nil {
		return nil, fmt.Errorf("cca: verify: %w", err)
	}
	return &claims, nil
}

// MessageKind tags an entry in a CargoMessageSet as carrying either a
// Parcel or a PCA.
type MessageKind string

const (
	MessageParcel MessageKind = "PARCEL"
	MessagePCA    MessageKind = "PCA"
)

// Message is one entry of a Cargo Message Set: an opaque payload
// tagged with its kind and the expiry date of the parcel it carries
// or refers to. The gateway deserializes Payload differently
// depending on Kind; Payload itself is never interpreted by the
// envelope or transport layers.
type Message struct {
	Kind      MessageKind `json:"kind"`
	Payload   []byte      `json:"payload"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

// Cargo is a time-bounded bundle of messages shipped across the
// courier channel in either direction. It carries no signature of its
// own; the HPKE envelope it is sealed in is its only protection.
type Cargo struct {
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}
