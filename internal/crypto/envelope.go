// Package crypto seals provider credentials with AES-GCM. Every envelope
// names the key that sealed it, so old keys keep opening records after a
// rotation.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"mimir/internal/apperr"
)

var (
	ErrUnknownKey = fmt.Errorf("%w: unknown key id", apperr.ErrConfiguration)
	ErrTampered   = errors.New("credential envelope failed authentication")
)

type Envelope struct {
	KeyID      string `json:"key_id"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type Sealer struct {
	currentKeyID string
	keys         map[string]cipher.AEAD
}

func NewSealer(currentKeyID string, keys map[string][]byte) (*Sealer, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	aeads := make(map[string]cipher.AEAD, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", id, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", id, err)
		}
		aeads[id] = aead
	}
	return &Sealer{currentKeyID: currentKeyID, keys: aeads}, nil
}

func (s *Sealer) CurrentKeyID() string { return s.currentKeyID }

// Seal encrypts secret for provider with the current key. The provider name
// is bound as additional data; Open must be given the same name.
func (s *Sealer) Seal(provider, secret string) (string, error) {
	aead := s.keys[s.currentKeyID]
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	env := Envelope{
		KeyID:      s.currentKeyID,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, []byte(secret), []byte(provider))),
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(b), nil
}

func (s *Sealer) Open(provider, raw string) (string, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return "", fmt.Errorf("%w: envelope: %v", apperr.ErrParse, err)
	}
	aead, ok := s.keys[env.KeyID]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKey, env.KeyID)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return "", fmt.Errorf("%w: nonce: %v", apperr.ErrParse, err)
	}
	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext: %v", apperr.ErrParse, err)
	}
	if len(nonce) != aead.NonceSize() {
		return "", fmt.Errorf("%w: nonce size", apperr.ErrParse)
	}
	plain, err := aead.Open(nil, nonce, ct, []byte(provider))
	if err != nil {
		return "", ErrTampered
	}
	return string(plain), nil
}

// NeedsRotation reports whether raw was sealed with a key other than the
// current one.
func (s *Sealer) NeedsRotation(raw string) bool {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return false
	}
	return env.KeyID != s.currentKeyID
}

// Reseal opens raw and seals it again under the current key.
func (s *Sealer) Reseal(provider, raw string) (string, error) {
	plain, err := s.Open(provider, raw)
	if err != nil {
		return "", err
	}
	return s.Seal(provider, plain)
}
