package keystore

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndGetCurrentKey(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	kp, err := generateSelfIssued(time.Hour)
	require.NoError(t, err)

	require.NoError(t, m.SaveNodeKey(ctx, *kp))

	got, err := m.GetCurrentKey(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, kp.Certificate.SubjectPublicKey, got.Certificate.SubjectPublicKey)
}

func TestSaveNodeKeyReplacesCurrentAndKeepsHistory(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first, err := generateSelfIssued(time.Hour)
	require.NoError(t, err)
	require.NoError(t, m.SaveNodeKey(ctx, *first))

	second, err := generateSelfIssued(time.Hour)
	require.NoError(t, err)
	require.NoError(t, m.SaveNodeKey(ctx, *second))

	current, err := m.GetCurrentKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.Certificate.SubjectPublicKey, current.Certificate.SubjectPublicKey)

	certs, err := m.FetchNodeCertificates(ctx)
	require.NoError(t, err)
	assert.Len(t, certs, 2) // history (first) + current (second)
}

func TestGetOrCreateCCAIssuerReusesUnexpired(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first, err := m.GetOrCreateCCAIssuer(ctx)
	require.NoError(t, err)

	second, err := m.GetOrCreateCCAIssuer(ctx)
	require.NoError(t, err)

	assert.Equal(t, first.Certificate.SubjectPublicKey, second.Certificate.SubjectPublicKey)
}

func TestCertificateSelfIssued(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cert := Certificate{SubjectPublicKey: pub, NotBefore: time.Now(), NotAfter: time.Now().Add(time.Hour)}
	cert.IssuerPrivateAddr = cert.PrivateAddress()
	cert.Signature = ed25519.Sign(priv, cert.SigningBytes())

	assert.True(t, cert.SelfIssued())

	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	chained := Certificate{SubjectPublicKey: otherPub, IssuerPrivateAddr: cert.PrivateAddress()}
	assert.False(t, chained.SelfIssued())
}

func TestCertificateValid(t *testing.T) {
	cert := Certificate{NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(time.Hour)}
	assert.True(t, cert.Valid(time.Now()))
	assert.False(t, cert.Valid(time.Now().Add(-2*time.Hour)))
	assert.False(t, cert.Valid(time.Now().Add(2*time.Hour)))
}
