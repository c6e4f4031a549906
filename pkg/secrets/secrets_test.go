package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewCipher("test-passphrase")
	require.NoError(t, err)

	plaintext := []byte(`{"password":"hunter2"}`)
	sealed, err := c.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	opened, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestEncryptProducesFreshNonces(t *testing.T) {
	c, err := NewCipher("test-passphrase")
	require.NoError(t, err)

	first, err := c.Encrypt([]byte("same input"))
	require.NoError(t, err)
	second, err := c.Encrypt([]byte("same input"))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	sender, err := NewCipher("key-one")
	require.NoError(t, err)
	receiver, err := NewCipher("key-two")
	require.NoError(t, err)

	sealed, err := sender.Encrypt([]byte("secret"))
	require.NoError(t, err)
	_, err = receiver.Decrypt(sealed)
	assert.Error(t, err)
}

func TestDecryptTruncatedCiphertext(t *testing.T) {
	c, err := NewCipher("test-passphrase")
	require.NoError(t, err)

	_, err = c.Decrypt([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestMapRoundTrip(t *testing.T) {
	c, err := NewCipher("test-passphrase")
	require.NoError(t, err)

	credentials := map[string]any{
		"host":     "db.internal",
		"port":     float64(5432),
		"password": "hunter2",
	}
	sealed, err := c.EncryptMap(credentials)
	require.NoError(t, err)

	opened, err := c.DecryptMap(sealed)
	require.NoError(t, err)
	assert.Equal(t, credentials, opened)
}

func TestEmptyPassphraseRejected(t *testing.T) {
	_, err := NewCipher("")
	assert.Error(t, err)
}
