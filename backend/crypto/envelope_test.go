package crypto

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var secret = []byte("change-me")

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	for _, pt := range []string{"", "hello", "xY9==", "ünïcødé 💬", string(bytes.Repeat([]byte{'a'}, 4096))} {
		t.Run(pt[:min(len(pt), 8)], func(t *testing.T) {
			req := require.New(t)
			token, err := Encrypt([]byte(pt), secret)
			req.NoError(err)

			got, err := Decrypt(token, secret)
			req.NoError(err)
			req.Equal(pt, string(got))
		})
	}
}

func TestEncrypt_FreshSaltAndNonce(t *testing.T) {
	req := require.New(t)

	t1, err := Encrypt([]byte("same"), secret)
	req.NoError(err)
	t2, err := Encrypt([]byte("same"), secret)
	req.NoError(err)
	req.NotEqual(t1, t2)

	e1, e2 := decodeEnvelope(t, t1), decodeEnvelope(t, t2)
	req.NotEqual(e1.Salt, e2.Salt)
	req.NotEqual(e1.Nonce, e2.Nonce)

	for _, tok := range []string{t1, t2} {
		pt, err := Decrypt(tok, secret)
		req.NoError(err)
		req.Equal("same", string(pt))
	}
}

func TestEncrypt_EnvelopeLayout(t *testing.T) {
	req := require.New(t)
	token, err := Encrypt([]byte("abc"), secret)
	req.NoError(err)

	env := decodeEnvelope(t, token)
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	req.NoError(err)
	req.Len(nonce, NonceSize)
	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	req.NoError(err)
	req.Len(salt, SaltSize)
	ct, err := base64.StdEncoding.DecodeString(env.CT)
	req.NoError(err)
	// 3 bytes of plaintext plus the 16 byte GCM tag
	req.Len(ct, 3+16)
}

func TestDecrypt_WrongSecret(t *testing.T) {
	req := require.New(t)
	token, err := Encrypt([]byte("secret message"), secret)
	req.NoError(err)

	pt, err := Decrypt(token, []byte("another-secret"))
	req.ErrorIs(err, ErrDecryption)
	req.Nil(pt)
}

func TestDecrypt_TamperedEnvelope(t *testing.T) {
	token, err := Encrypt([]byte("secret message"), secret)
	require.NoError(t, err)
	env := decodeEnvelope(t, token)

	flip := func(field string) string {
		b, err := base64.StdEncoding.DecodeString(field)
		require.NoError(t, err)
		b[0] ^= 0x01
		return base64.StdEncoding.EncodeToString(b)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"bit-flipped ciphertext", encodeEnvelope(t, envelope{Nonce: env.Nonce, CT: flip(env.CT), Salt: env.Salt})},
		{"bit-flipped nonce", encodeEnvelope(t, envelope{Nonce: flip(env.Nonce), CT: env.CT, Salt: env.Salt})},
		{"bit-flipped salt", encodeEnvelope(t, envelope{Nonce: env.Nonce, CT: env.CT, Salt: flip(env.Salt)})},
		{"truncated ciphertext", encodeEnvelope(t, envelope{Nonce: env.Nonce, CT: env.CT[:8], Salt: env.Salt})},
		{"short nonce", encodeEnvelope(t, envelope{Nonce: base64.StdEncoding.EncodeToString([]byte("short")), CT: env.CT, Salt: env.Salt})},
		{"missing fields", encodeEnvelope(t, envelope{})},
		{"truncated token", token[:len(token)/2]},
		{"not base64", "%%%not-base64%%%"},
		{"not json", base64.StdEncoding.EncodeToString([]byte("plain text"))},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pt, err := Decrypt(tt.token, secret)
			require.True(t, errors.Is(err, ErrDecryption), "got %v", err)
			require.Equal(t, ErrDecryption, err)
			require.Nil(t, pt)
		})
	}
}

func TestEncrypt_EmptySecret(t *testing.T) {
	_, err := Encrypt([]byte("x"), nil)
	require.ErrorIs(t, err, ErrEmptySecret)

	_, err = NewCodec(nil)
	require.ErrorIs(t, err, ErrEmptySecret)
}

func TestEncrypt_RandomSourceFailure(t *testing.T) {
	_, err := encrypt(bytes.NewReader([]byte{1, 2, 3}), []byte("x"), secret)
	require.Error(t, err)
}

func TestCodec(t *testing.T) {
	req := require.New(t)
	key := []byte("codec-secret")
	codec, err := NewCodec(key)
	req.NoError(err)

	// the codec keeps its own copy of the secret
	key[0] = 'X'

	token, err := codec.Seal([]byte("payload"))
	req.NoError(err)
	pt, err := codec.Open(token)
	req.NoError(err)
	req.Equal("payload", string(pt))

	pt, err = Decrypt(token, []byte("codec-secret"))
	req.NoError(err)
	req.Equal("payload", string(pt))
}

func decodeEnvelope(t *testing.T, token string) envelope {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(token)
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func encodeEnvelope(t *testing.T, env envelope) string {
	t.Helper()
	raw, err := json.Marshal(&env)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}
