package kms

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"fogbin/pkg/domain"

	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer encrypts paste content with a per-paste data key. The data key is
// wrapped by the KMS with the paste id as encryption context and the id is
// also the AEAD additional data, so sealed content only opens under its own id.
type Sealer struct {
	adapter *Adapter
	keys    *KEKCache
}

func NewSealer(adapter *Adapter, keys *KEKCache) *Sealer {
	return &Sealer{adapter: adapter, keys: keys}
}

func (s *Sealer) Seal(ctx context.Context, id, text string) (*domain.Content, error) {
	dek, err := GenerateDEK()
	if err != nil {
		return nil, fmt.Errorf("generate dek: %w", err)
	}
	defer wipeBytes(dek)

	plain, err := json.Marshal(domain.NewContentEnvelope(text))
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	defer wipeBytes(plain)

	sealed, err := AEADSeal(plain, dek, []byte(id))
	if err != nil {
		return nil, fmt.Errorf("seal content: %w", err)
	}
	wrapped, err := s.adapter.WrapKey(ctx, dek, PasteContext(id))
	if err != nil {
		return nil, fmt.Errorf("wrap dek: %w", err)
	}
	return &domain.Content{Sealed: sealed, WrappedDEK: wrapped}, nil
}

func (s *Sealer) Open(ctx context.Context, id string, c *domain.Content) (string, error) {
	if c == nil {
		return "", errors.New("nil content")
	}
	dek, err := s.keys.Unwrap(ctx, c.WrappedDEK, PasteContext(id))
	if err != nil {
		return "", fmt.Errorf("unwrap dek: %w", err)
	}
	defer wipeBytes(dek)

	plain, err := AEADOpen(c.Sealed, dek, []byte(id))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	defer wipeBytes(plain)

	var env domain.ContentEnvelope
	if err := json.Unmarshal(plain, &env); err != nil {
		return "", fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Version != domain.EnvelopeVersion {
		return "", fmt.Errorf("unsupported envelope version %d", env.Version)
	}
	return env.Content, nil
}

func (s *Sealer) Stop() {
	if s.keys != nil {
		s.keys.Stop()
	}
}

func GenerateDEK() ([]byte, error) {
	dek := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, err
	}
	return dek, nil
}

func AEADSeal(plaintext, dek, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func AEADOpen(ciphertext, dek, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}
	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return aead.Open(nil, nonce, ciphertext, aad)
}
