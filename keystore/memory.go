package keystore

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/relaynet/gateway-core/envelope"
)

// Memory is an in-process Store for tests and in-process wiring.
type Memory struct {
	mu         sync.RWMutex
	current    *KeyPair
	history    []Certificate
	ccaIssuer  *KeyPair
	ccaIssueAt time.Time
}

// NewMemory returns an empty in-memory key store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) GetCurrentKey(ctx context.Context) (*KeyPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, nil
}

func (m *Memory) FetchNodeCertificates(ctx context.Context) ([]Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	certs := make([]Certificate, len(m.history))
	copy(certs, m.history)
	if m.current != nil {
		certs = append(certs, m.current.Certificate)
	}
	return certs, nil
}

func (m *Memory) GetOrCreateCCAIssuer(ctx context.Context) (*KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ccaIssuer != nil && m.ccaIssuer.Certificate.Valid(time.Now()) {
		return m.ccaIssuer, nil
	}

	kp, err := generateSelfIssued(30 * 24 * time.Hour)
	if err != nil {
		return nil, err
	}
	m.ccaIssuer = kp
	m.ccaIssueAt = time.Now()
	return kp, nil
}

func (m *Memory) SaveNodeKey(ctx context.Context, kp KeyPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		m.history = append(m.history, m.current.Certificate)
	}
	stored := kp
	m.current = &stored
	return nil
}

func (m *Memory) Close() error { return nil }

// generateSelfIssued mints a fresh Ed25519 keypair and a
// self-signed, self-issued certificate (issuer == subject) valid for
// validity starting now.
func generateSelfIssued(validity time.Duration) (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	encPriv, encPub, err := envelope.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate encryption keypair: %w", err)
	}
	encPubBytes, err := envelope.MarshalPublicKey(encPub)
	if err != nil {
		return nil, err
	}
	encPrivBytes, err := envelope.MarshalPrivateKey(encPriv)
	if err != nil {
		return nil, err
	}

	cert := Certificate{
		SubjectPublicKey:    pub,
		NotBefore:           time.Now(),
		NotAfter:            time.Now().Add(validity),
		EncryptionPublicKey: encPubBytes,
	}
	cert.IssuerPrivateAddr = cert.PrivateAddress()
	cert.Signature = ed25519.Sign(priv, cert.SigningBytes())

	return &KeyPair{PrivateKey: priv, Certificate: cert, EncryptionPrivateKey: encPrivBytes}, nil
}
