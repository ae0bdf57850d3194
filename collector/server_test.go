package collector

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaynet/gateway-core/handshake"
	"github.com/relaynet/gateway-core/internal/logger"
	"github.com/relaynet/gateway-core/keystore"
	"github.com/relaynet/gateway-core/parcelstore"
)

// testEndpoint mints a self-issued endpoint keypair and registers it
// with a key store, mirroring how a connecting endpoint would already
// be known to the gateway at handshake time.
func testEndpoint(t *testing.T, ks *keystore.Memory) (ed25519.PrivateKey, keystore.Certificate) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	cert := keystore.Certificate{
		SubjectPublicKey: pub,
		NotBefore:        time.Now().Add(-time.Hour),
		NotAfter:         time.Now().Add(time.Hour),
	}
	cert.IssuerPrivateAddr = cert.PrivateAddress()
	cert.Signature = ed25519.Sign(priv, cert.SigningBytes())

	require.NoError(t, ks.SaveNodeKey(context.Background(), keystore.KeyPair{PrivateKey: priv, Certificate: cert}))
	return priv, cert
}

func dialAndHandshake(t *testing.T, wsURL string, header map[string][]string, priv ed25519.PrivateKey) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)

	_, challengeBytes, err := conn.ReadMessage()
	require.NoError(t, err)

	var challenge handshake.Challenge
	require.NoError(t, json.Unmarshal(challengeBytes, &challenge))

	sig := ed25519.Sign(priv, challenge.Nonce)
	respBytes, err := json.Marshal(handshake.Response{NonceSignatures: [][]byte{sig}})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, respBytes))

	return conn
}

func TestSessionCloseUponCompletionAfterSingleParcelAck(t *testing.T) {
	store := parcelstore.NewMemory()
	ks := keystore.NewMemory()
	priv, cert := testEndpoint(t, ks)

	key, err := store.StoreReceivedParcel(context.Background(), []byte("ramf bytes"), cert.PrivateAddress(), time.Hour)
	require.NoError(t, err)

	srv := NewServer(store, ks, logger.GetDefaultLogger())
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/"
	header := map[string][]string{StreamingModeHeader: {StreamingModeCloseUponCompletion}}
	conn := dialAndHandshake(t, wsURL, header, priv)
	defer conn.Close()

	_, deliveryBytes, err := conn.ReadMessage()
	require.NoError(t, err)
	var delivery ParcelDelivery
	require.NoError(t, json.Unmarshal(deliveryBytes, &delivery))
	assert.Equal(t, []byte("ramf bytes"), delivery.Parcel)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(delivery.DeliveryID)))

	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close frame, got %v", err)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)

	serialized, err := store.Retrieve(context.Background(), key, parcelstore.FromInternetToEndpoint)
	require.NoError(t, err)
	assert.Nil(t, serialized, "acked parcel must have been deleted")
}

func TestSessionClosesOnUnknownDeliveryID(t *testing.T) {
	store := parcelstore.NewMemory()
	ks := keystore.NewMemory()
	priv, cert := testEndpoint(t, ks)

	_, err := store.StoreReceivedParcel(context.Background(), []byte("ramf bytes"), cert.PrivateAddress(), time.Hour)
	require.NoError(t, err)

	srv := NewServer(store, ks, logger.GetDefaultLogger())
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/"
	header := map[string][]string{StreamingModeHeader: {StreamingModeCloseUponCompletion}}
	conn := dialAndHandshake(t, wsURL, header, priv)
	defer conn.Close()

	_, _, err = conn.ReadMessage() // drain the one ParcelDelivery frame
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not-a-real-delivery-id")))

	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close frame, got %v", err)
	assert.Equal(t, 1008, closeErr.Code)
	assert.Contains(t, closeErr.Text, "Unknown delivery id")
}

func TestSessionRejectsHandshakeWithNoCertificates(t *testing.T) {
	store := parcelstore.NewMemory()
	ks := keystore.NewMemory() // no node key saved: FetchNodeCertificates returns empty

	srv := NewServer(store, ks, logger.GetDefaultLogger())
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, challengeBytes, err := conn.ReadMessage()
	require.NoError(t, err)
	var challenge handshake.Challenge
	require.NoError(t, json.Unmarshal(challengeBytes, &challenge))

	// Sign with a key the store knows nothing about.
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	sig := ed25519.Sign(priv, challenge.Nonce)
	respBytes, err := json.Marshal(handshake.Response{NonceSignatures: [][]byte{sig}})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, respBytes))

	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close frame, got %v", err)
	assert.Equal(t, 1008, closeErr.Code)
}
