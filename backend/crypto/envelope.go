// Package crypto implements the password-based envelope used to protect
// opaque blobs with a process-wide master secret.
//
// Every call to Encrypt derives a fresh key from a fresh salt and seals with a
// fresh nonce. Derived keys are never cached: the (salt, nonce) pair must stay
// unique per envelope.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	Iterations = 100_000
	SaltSize   = 16
	NonceSize  = 12
	KeySize    = 32
)

var (
	// ErrDecryption is returned for any malformed, truncated or tampered envelope,
	// and for envelopes sealed under a different secret.
	ErrDecryption = errors.New("decryption failed")

	ErrEmptySecret = errors.New("master secret is empty")
)

type envelope struct {
	Nonce string `json:"nonce"`
	CT    string `json:"ct"`
	Salt  string `json:"salt"`
}

// Encrypt seals plaintext under a key derived from masterSecret and returns the
// envelope token.
func Encrypt(plaintext, masterSecret []byte) (string, error) {
	return encrypt(rand.Reader, plaintext, masterSecret)
}

func encrypt(rnd io.Reader, plaintext, masterSecret []byte) (string, error) {
	if len(masterSecret) == 0 {
		return "", ErrEmptySecret
	}
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rnd, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rnd, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	aead, err := newAEAD(masterSecret, salt)
	if err != nil {
		return "", err
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)

	raw, err := json.Marshal(&envelope{
		Nonce: base64.StdEncoding.EncodeToString(nonce),
		CT:    base64.StdEncoding.EncodeToString(ct),
		Salt:  base64.StdEncoding.EncodeToString(salt),
	})
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decrypt opens an envelope produced by Encrypt with the same masterSecret.
// All failures are reported as ErrDecryption.
func Decrypt(token string, masterSecret []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrDecryption
	}
	var env envelope
	if err = json.Unmarshal(raw, &env); err != nil {
		return nil, ErrDecryption
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonce) != NonceSize {
		return nil, ErrDecryption
	}
	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil || len(salt) == 0 {
		return nil, ErrDecryption
	}
	ct, err := base64.StdEncoding.DecodeString(env.CT)
	if err != nil {
		return nil, ErrDecryption
	}
	aead, err := newAEAD(masterSecret, salt)
	if err != nil {
		return nil, ErrDecryption
	}
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	if pt == nil {
		pt = []byte{}
	}
	return pt, nil
}

func newAEAD(masterSecret, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(masterSecret, salt, Iterations, KeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return aead, nil
}

// Codec binds the envelope functions to one master secret.
type Codec struct {
	secret []byte
}

func NewCodec(masterSecret []byte) (*Codec, error) {
	if len(masterSecret) == 0 {
		return nil, ErrEmptySecret
	}
	return &Codec{secret: append([]byte(nil), masterSecret...)}, nil
}

func (c *Codec) Seal(plaintext []byte) (string, error) {
	return Encrypt(plaintext, c.secret)
}

func (c *Codec) Open(token string) ([]byte, error) {
	return Decrypt(token, c.secret)
}
