package registrar

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaynet/gateway-core/gwconfig"
	"github.com/relaynet/gateway-core/keystore"
)

type fakePoWebClient struct {
	preRegisterErr error
	registerErr    error
	authorization  []byte
	issued         *PrivateNodeRegistration
	closed         bool
}

func (f *fakePoWebClient) PreRegisterNode(ctx context.Context, publicKey ed25519.PublicKey) ([]byte, error) {
	if f.preRegisterErr != nil {
		return nil, f.preRegisterErr
	}
	return f.authorization, nil
}

func (f *fakePoWebClient) RegisterNode(ctx context.Context, req PrivateNodeRegistrationRequest) (*PrivateNodeRegistration, error) {
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	return f.issued, nil
}

func (f *fakePoWebClient) Close() error {
	f.closed = true
	return nil
}

func newTestIdentity(t *testing.T) keystore.KeyPair {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	cert := keystore.Certificate{
		SubjectPublicKey: pub,
		NotBefore:        time.Now().Add(-time.Hour),
		NotAfter:         time.Now().Add(time.Hour),
	}
	cert.IssuerPrivateAddr = cert.PrivateAddress()
	cert.Signature = ed25519.Sign(priv, cert.SigningBytes())
	return keystore.KeyPair{PrivateKey: priv, Certificate: cert}
}

func TestRegisterPersistsCertificateAndAddressOnSuccess(t *testing.T) {
	ctx := context.Background()
	keyStore := keystore.NewMemory()
	identity := newTestIdentity(t)
	require.NoError(t, keyStore.SaveNodeKey(ctx, identity))

	configStore := gwconfig.NewMemory()
	issued := &PrivateNodeRegistration{
		PrivateNodeCertificate:           newTestIdentity(t).Certificate,
		PublicGatewayIdentityCertificate: newTestIdentity(t).Certificate,
	}
	fake := &fakePoWebClient{authorization: []byte("auth"), issued: issued}

	r := New(keyStore, configStore, func(ctx context.Context, addr string) (PoWebClient, error) {
		return fake, nil
	}, nil)

	err := r.Register(ctx, "https://public.example")
	require.NoError(t, err)
	assert.True(t, fake.closed)

	addr, ok, err := configStore.Get(ctx, gwconfig.KeyPublicGatewayAddress)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "https://public.example", addr)

	current, err := keyStore.GetCurrentKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, issued.PrivateNodeCertificate, current.Certificate)
}

func TestRegisterIsIdempotentForSameAddress(t *testing.T) {
	ctx := context.Background()
	keyStore := keystore.NewMemory()
	configStore := gwconfig.NewMemory()
	require.NoError(t, configStore.Set(ctx, gwconfig.KeyPublicGatewayAddress, "https://public.example"))

	calls := 0
	r := New(keyStore, configStore, func(ctx context.Context, addr string) (PoWebClient, error) {
		calls++
		return nil, errors.New("should not be called")
	}, nil)

	err := r.Register(ctx, "https://public.example")
	require.NoError(t, err)
	assert.Zero(t, calls, "idempotent registration must not resolve a client")
}

func TestRegisterFailsAtomicallyOnRegisterRPCError(t *testing.T) {
	ctx := context.Background()
	keyStore := keystore.NewMemory()
	identity := newTestIdentity(t)
	require.NoError(t, keyStore.SaveNodeKey(ctx, identity))

	configStore := gwconfig.NewMemory()
	fake := &fakePoWebClient{authorization: []byte("auth"), registerErr: errors.New("network down")}

	r := New(keyStore, configStore, func(ctx context.Context, addr string) (PoWebClient, error) {
		return fake, nil
	}, nil)

	err := r.Register(ctx, "https://public.example")
	require.Error(t, err)

	_, ok, err := configStore.Get(ctx, gwconfig.KeyPublicGatewayAddress)
	require.NoError(t, err)
	assert.False(t, ok, "no partial persistence on failure")

	current, err := keyStore.GetCurrentKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, identity.Certificate, current.Certificate, "original certificate must be untouched")
}

func TestRegisterIfUnregisteredUsesDefaultWhenNoAddressStored(t *testing.T) {
	ctx := context.Background()
	keyStore := keystore.NewMemory()
	identity := newTestIdentity(t)
	require.NoError(t, keyStore.SaveNodeKey(ctx, identity))

	configStore := gwconfig.NewMemory()
	issued := &PrivateNodeRegistration{
		PrivateNodeCertificate:           newTestIdentity(t).Certificate,
		PublicGatewayIdentityCertificate: newTestIdentity(t).Certificate,
	}
	var seenAddr string
	fake := &fakePoWebClient{authorization: []byte("auth"), issued: issued}
	r := New(keyStore, configStore, func(ctx context.Context, addr string) (PoWebClient, error) {
		seenAddr = addr
		return fake, nil
	}, nil)

	require.NoError(t, r.RegisterIfUnregistered(ctx, "https://default.example"))
	assert.Equal(t, "https://default.example", seenAddr)
}
