package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInfo = "gateway-core/envelope-test/v1"

func TestSealOpenRoundTrip(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	require.NoError(t, err)

	plaintext := []byte("a freshly issued cargo-delivery-authorization certificate")
	sealed, err := Seal(pub, []byte(testInfo), plaintext)
	require.NoError(t, err)

	opened, err := Open(priv, []byte(testInfo), sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestSealProducesUnlinkableCiphertexts(t *testing.T) {
	_, pub, err := GenerateKeyPair()
	require.NoError(t, err)

	plaintext := []byte("same message, sealed twice")
	sealedA, err := Seal(pub, []byte(testInfo), plaintext)
	require.NoError(t, err)
	sealedB, err := Seal(pub, []byte(testInfo), plaintext)
	require.NoError(t, err)

	assert.NotEqual(t, sealedA, sealedB, "sessionless sealing must use a fresh ephemeral key per call")
}

func TestOpenFailsWithWrongKey(t *testing.T) {
	_, pub, err := GenerateKeyPair()
	require.NoError(t, err)
	wrongPriv, _, err := GenerateKeyPair()
	require.NoError(t, err)

	sealed, err := Seal(pub, []byte(testInfo), []byte("secret"))
	require.NoError(t, err)

	_, err = Open(wrongPriv, []byte(testInfo), sealed)
	assert.Error(t, err)
}

func TestOpenFailsWithMismatchedInfo(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	require.NoError(t, err)

	sealed, err := Seal(pub, []byte(testInfo), []byte("secret"))
	require.NoError(t, err)

	_, err = Open(priv, []byte("different-info"), sealed)
	assert.Error(t, err)
}
