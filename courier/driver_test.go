package courier

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaynet/gateway-core/cca"
	"github.com/relaynet/gateway-core/envelope"
	"github.com/relaynet/gateway-core/gwconfig"
	"github.com/relaynet/gateway-core/keystore"
	"github.com/relaynet/gateway-core/parcelstore"
)

// testIdentity mints a self-issued identity, matching keystore's own
// generateSelfIssued shape but built here since that helper is
// unexported.
func testIdentity(t *testing.T) keystore.KeyPair {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	encPriv, encPub, err := envelope.GenerateKeyPair()
	require.NoError(t, err)
	encPubBytes, err := envelope.MarshalPublicKey(encPub)
	require.NoError(t, err)
	encPrivBytes, err := envelope.MarshalPrivateKey(encPriv)
	require.NoError(t, err)

	cert := keystore.Certificate{
		SubjectPublicKey:    pub,
		NotBefore:           time.Now().Add(-time.Hour),
		NotAfter:            time.Now().Add(time.Hour),
		EncryptionPublicKey: encPubBytes,
	}
	cert.IssuerPrivateAddr = cert.PrivateAddress()
	cert.Signature = ed25519.Sign(priv, cert.SigningBytes())

	return keystore.KeyPair{PrivateKey: priv, Certificate: cert, EncryptionPrivateKey: encPrivBytes}
}

func storePublicGatewayCertificate(t *testing.T, configStore gwconfig.Store, cert keystore.Certificate) {
	t.Helper()
	raw, err := json.Marshal(cert)
	require.NoError(t, err)
	err = configStore.Set(context.Background(), gwconfig.KeyPublicGatewayIdentityCertificate, base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
}

type fakeCargoStream struct {
	items [][]byte
	idx   int
}

func (s *fakeCargoStream) Next(ctx context.Context) ([]byte, bool, error) {
	if s.idx >= len(s.items) {
		return nil, false, nil
	}
	item := s.items[s.idx]
	s.idx++
	return item, true, nil
}

type fakeCargoSink struct {
	sent []struct {
		cargo   []byte
		localID string
	}
	closed bool
	acks   []string
	ackIdx int
}

func (s *fakeCargoSink) Send(ctx context.Context, cargo []byte, localID string) error {
	s.sent = append(s.sent, struct {
		cargo   []byte
		localID string
	}{cargo, localID})
	return nil
}

func (s *fakeCargoSink) CloseSend() error {
	s.closed = true
	return nil
}

func (s *fakeCargoSink) NextAck(ctx context.Context) (string, bool, error) {
	if s.ackIdx >= len(s.acks) {
		return "", false, nil
	}
	id := s.acks[s.ackIdx]
	s.ackIdx++
	return id, true, nil
}

type fakeCogRPCClient struct {
	collectStream *fakeCargoStream
	deliverSink   *fakeCargoSink
	closed        bool
}

func (c *fakeCogRPCClient) CollectCargo(ctx context.Context, ccaSerialized []byte) (CargoStream, error) {
	return c.collectStream, nil
}

func (c *fakeCogRPCClient) DeliverCargo(ctx context.Context) (CargoSink, error) {
	return c.deliverSink, nil
}

func (c *fakeCogRPCClient) Close() error {
	c.closed = true
	return nil
}

func TestRunExitsUnregisteredWhenNoPublicGatewayAddress(t *testing.T) {
	ctx := context.Background()
	parcelStore := parcelstore.NewMemory()
	keyStore := keystore.NewMemory()
	configStore := gwconfig.NewMemory()

	dialed := false
	d := New(parcelStore, keyStore, configStore, func(ctx context.Context, addr string) (CogRPCClient, error) {
		dialed = true
		return nil, errors.New("must not be called")
	}, NewStageNotifier(newDiscardWriter()), nil)

	code := d.Run(ctx)
	assert.Equal(t, ExitUnregisteredGateway, code)
	assert.False(t, dialed, "must not attempt to dial a courier when unregistered")
}

func TestCollectPhaseIngestsParcelAndPCAMessages(t *testing.T) {
	ctx := context.Background()
	parcelStore := parcelstore.NewMemory()
	keyStore := keystore.NewMemory()
	configStore := gwconfig.NewMemory()

	identity := testIdentity(t)
	require.NoError(t, keyStore.SaveNodeKey(ctx, identity))

	publicGateway := testIdentity(t)
	storePublicGatewayCertificate(t, configStore, publicGateway.Certificate)

	// Seed one outbound parcel so its PCA can reference a real key.
	outboundKey, err := parcelStore.StoreEndpointBound(ctx, []byte("outbound-parcel"), "0xendpoint", time.Hour)
	require.NoError(t, err)

	parcelMsg := cca.Message{Kind: cca.MessageParcel, Payload: mustMarshal(t, parcelstore.Parcel{
		Serialized:       []byte("inbound-parcel-bytes"),
		RecipientAddress: "0xendpoint",
		TTL:               time.Hour,
	})}
	pcaMsg := cca.Message{Kind: cca.MessagePCA, Payload: mustMarshal(t, parcelstore.PCA{
		SenderPrivateAddress: "0xsender",
		RecipientAddress:     "0xendpoint",
		ParcelID:             outboundKey,
	})}

	cargo := cca.Cargo{Messages: []cca.Message{parcelMsg, pcaMsg}, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
	cargoBytes, err := json.Marshal(cargo)
	require.NoError(t, err)

	encPub, err := envelope.UnmarshalPublicKey(identity.Certificate.EncryptionPublicKey)
	require.NoError(t, err)
	sealed, err := envelope.Seal(encPub, []byte(cargoEnvelopeInfo), cargoBytes)
	require.NoError(t, err)

	client := &fakeCogRPCClient{collectStream: &fakeCargoStream{items: [][]byte{sealed}}}

	d := New(parcelStore, keyStore, configStore, nil, NewStageNotifier(newDiscardWriter()), nil)
	err = d.collectPhase(ctx, client, "https://public.example")
	require.NoError(t, err)

	// The inbound parcel must now be retrievable as FromInternetToEndpoint.
	stream, err := parcelStore.StreamActiveBoundForEndpoints(ctx, []string{"0xendpoint"}, false)
	require.NoError(t, err)
	var keys []string
	for {
		k, ok, err := stream.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		keys = append(keys, k)
	}
	require.Len(t, keys, 1)
	got, err := parcelStore.Retrieve(ctx, keys[0], parcelstore.FromInternetToEndpoint)
	require.NoError(t, err)
	assert.Equal(t, []byte("inbound-parcel-bytes"), got)

	// The PCA must have deleted the outbound parcel it referenced.
	deleted, err := parcelStore.Retrieve(ctx, outboundKey, parcelstore.TowardsInternet)
	require.NoError(t, err)
	assert.Nil(t, deleted)
}

func TestDeliverPhaseSendsInternetBoundParcelsAndPendingACKs(t *testing.T) {
	ctx := context.Background()
	parcelStore := parcelstore.NewMemory()
	keyStore := keystore.NewMemory()
	configStore := gwconfig.NewMemory()

	identity := testIdentity(t)
	require.NoError(t, keyStore.SaveNodeKey(ctx, identity))

	publicGateway := testIdentity(t)
	storePublicGatewayCertificate(t, configStore, publicGateway.Certificate)

	_, err := parcelStore.StoreEndpointBound(ctx, []byte("bound-for-internet"), "0xrecipient", time.Hour)
	require.NoError(t, err)
	require.NoError(t, parcelStore.SavePendingACK(ctx, parcelstore.PCA{
		SenderPrivateAddress: "0xsender",
		RecipientAddress:     "0xrecipient",
		ParcelID:             "some-collected-parcel",
	}))

	sink := &fakeCargoSink{acks: []string{"ack-1"}}
	client := &fakeCogRPCClient{deliverSink: sink}

	d := New(parcelStore, keyStore, configStore, nil, NewStageNotifier(newDiscardWriter()), nil)
	err = d.deliverPhase(ctx, client)
	require.NoError(t, err)

	assert.True(t, sink.closed)
	assert.Len(t, sink.sent, 2, "one PCA message and one Internet-bound parcel")

	pendingAcks, err := parcelStore.PendingACKs(ctx)
	require.NoError(t, err)
	assert.Empty(t, pendingAcks, "shipped PCA must be removed from the pending table")

	publicGwPriv, err := envelope.UnmarshalPrivateKey(publicGateway.EncryptionPrivateKey)
	require.NoError(t, err)
	var sawParcel, sawPCA bool
	for _, s := range sink.sent {
		plaintext, err := envelope.Open(publicGwPriv, []byte(cargoEnvelopeInfo), s.cargo)
		require.NoError(t, err)
		var c cca.Cargo
		require.NoError(t, json.Unmarshal(plaintext, &c))
		require.Len(t, c.Messages, 1)
		switch c.Messages[0].Kind {
		case cca.MessageParcel:
			sawParcel = true
		case cca.MessagePCA:
			sawPCA = true
		}
	}
	assert.True(t, sawParcel)
	assert.True(t, sawPCA)
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newDiscardWriter() *discardWriter { return &discardWriter{} }
