package cryptoutils

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPayloads = []struct {
	name string
	data []byte
}{
	{"json backup", []byte(`{"version":"2.0","type":"guardian-backup"}`)},
	{"binary", []byte{0x00, 0x01, 0x02, 0xff, 0xfe}},
	{"empty", []byte{}},
	{"long", make([]byte, 4096)},
}

func TestPassphraseSealer_RoundTrip(t *testing.T) {
	s, err := NewPassphraseSealer("correct horse battery staple")
	require.NoError(t, err)

	for _, tc := range testPayloads {
		t.Run(tc.name, func(t *testing.T) {
			sealed, err := s.Seal(tc.data)
			require.NoError(t, err)

			var env Envelope
			require.NoError(t, json.Unmarshal(sealed, &env))
			assert.Equal(t, KDFArgon2id, env.KDF)

			opened, err := s.Open(sealed)
			require.NoError(t, err)
			assert.Equal(t, len(tc.data), len(opened))
			if len(tc.data) > 0 {
				assert.Equal(t, tc.data, opened)
			}
		})
	}
}

func TestPassphraseSealer_Rejects(t *testing.T) {
	s, err := NewPassphraseSealer("first")
	require.NoError(t, err)
	other, err := NewPassphraseSealer("second")
	require.NoError(t, err)

	sealed, err := s.Seal([]byte("secret"))
	require.NoError(t, err)

	again, err := s.Seal([]byte("secret"))
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "salt and nonce are fresh per seal")

	_, err = other.Open(sealed)
	assert.ErrorIs(t, err, ErrWrongPassphrase)

	_, err = s.Open([]byte("not json"))
	assert.Error(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(sealed, &env))
	env.KDF = "scrypt"
	tampered, err := json.Marshal(env)
	require.NoError(t, err)
	_, err = s.Open(tampered)
	assert.Error(t, err)

	_, err = NewPassphraseSealer("")
	assert.Error(t, err)
}

func TestKeySealer_RoundTrip(t *testing.T) {
	public, private, err := GenerateSealingKey()
	require.NoError(t, err)

	full, err := NewKeySealer(public, private)
	require.NoError(t, err)
	sealOnly, err := NewKeySealer(public, nil)
	require.NoError(t, err)

	for _, tc := range testPayloads {
		t.Run(tc.name, func(t *testing.T) {
			sealed, err := sealOnly.Seal(tc.data)
			require.NoError(t, err)
			assert.Greater(t, len(sealed), len(tc.data))

			opened, err := full.Open(sealed)
			require.NoError(t, err)
			assert.Equal(t, len(tc.data), len(opened))
			if len(tc.data) > 0 {
				assert.Equal(t, tc.data, opened)
			}

			_, err = sealOnly.Open(sealed)
			assert.Error(t, err)
		})
	}
}

func TestKeySealer_Rejects(t *testing.T) {
	public, private, err := GenerateSealingKey()
	require.NoError(t, err)
	otherPublic, otherPrivate, err := GenerateSealingKey()
	require.NoError(t, err)

	_, err = NewKeySealer([]byte("not a valid PEM"), nil)
	assert.Error(t, err)
	_, err = NewKeySealer(public, otherPrivate)
	assert.Error(t, err)

	s, err := NewKeySealer(public, private)
	require.NoError(t, err)
	other, err := NewKeySealer(otherPublic, otherPrivate)
	require.NoError(t, err)

	sealed, err := s.Seal([]byte("top secret"))
	require.NoError(t, err)
	_, err = other.Open(sealed)
	assert.Error(t, err)

	_, err = s.Open([]byte{0x01})
	assert.Error(t, err)
	_, err = s.Open(make([]byte, 100))
	assert.Error(t, err)
}

func TestGuardianKeyFiles(t *testing.T) {
	dir := t.TempDir()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	t.Run("keystore", func(t *testing.T) {
		path := filepath.Join(dir, "guardian.json")
		require.NoError(t, SaveGuardianKey(path, key, "pass", keystore.LightScryptN, keystore.LightScryptP))

		loaded, err := LoadGuardianKey(path, "pass")
		require.NoError(t, err)
		assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(loaded.PublicKey))

		_, err = LoadGuardianKey(path, "wrong")
		assert.Error(t, err)
	})

	t.Run("hex", func(t *testing.T) {
		path := filepath.Join(dir, "guardian.hex")
		require.NoError(t, crypto.SaveECDSA(path, key))

		loaded, err := LoadGuardianKey(path, "")
		require.NoError(t, err)
		assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(loaded.PublicKey))
	})

	t.Run("missing", func(t *testing.T) {
		_, err := LoadGuardianKey(filepath.Join(dir, "absent"), "")
		assert.Error(t, err)
	})
}
