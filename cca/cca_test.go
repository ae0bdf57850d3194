package cca

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	now := time.Now()
	token, err := Encode(priv, "https://public.example", []byte("authz-cert"), []byte("sealed"), now)
	require.NoError(t, err)

	claims, err := Decode(token, pub)
	require.NoError(t, err)
	assert.Equal(t, []byte("authz-cert"), claims.CargoDeliveryAuthorizationCert)
	assert.Equal(t, []byte("sealed"), claims.SealedPayload)

	gotExpiry := claims.ExpiresAt.Time
	gotNotBefore := claims.NotBefore.Time
	assert.WithinDuration(t, now.Add(CargoTTL), gotExpiry, time.Second)
	assert.WithinDuration(t, now.Add(-ClockDriftTolerance), gotNotBefore, time.Second)
	assert.Equal(t, CargoTTL+ClockDriftTolerance, gotExpiry.Sub(gotNotBefore))
}

func TestDecodeRejectsWrongIssuerKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	wrongPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	token, err := Encode(priv, "https://public.example", nil, nil, time.Now())
	require.NoError(t, err)

	_, err = Decode(token, wrongPub)
	assert.Error(t, err)
}

func TestDecodeRejectsExpiredToken(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	longAgo := time.Now().Add(-30 * 24 * time.Hour)
	token, err := Encode(priv, "https://public.example", nil, nil, longAgo)
	require.NoError(t, err)

	_, err = Decode(token, pub)
	assert.Error(t, err)
}
