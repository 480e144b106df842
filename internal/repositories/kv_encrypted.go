package repositories

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrDecrypt = errors.New("failed to decrypt stored value")

// EncryptedStore seals every value with XChaCha20-Poly1305 before it reaches
// the inner store. Stored layout is nonce || ciphertext; the key is bound as
// additional data so a value cannot be replayed under another key.
type EncryptedStore struct {
	inner KeyValueStore
	aead  cipher.AEAD
}

func NewEncryptedStore(inner KeyValueStore, key []byte) (*EncryptedStore, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &EncryptedStore{inner: inner, aead: aead}, nil
}

// ParseEncryptionKey decodes a 64-char hex key.
func ParseEncryptionKey(h string) ([]byte, error) {
	key, err := hex.DecodeString(h)
	if err != nil {
		return nil, fmt.Errorf("encryption key hex decode error: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes (hex %d chars)", chacha20poly1305.KeySize, chacha20poly1305.KeySize*2)
	}
	return key, nil
}

func (s *EncryptedStore) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.open(key, sealed)
}

func (s *EncryptedStore) Set(ctx context.Context, key string, value []byte) error {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(value)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, value, []byte(key))
	return s.inner.Set(ctx, key, sealed)
}

func (s *EncryptedStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func (s *EncryptedStore) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	entries, err := s.inner.Scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(entries))
	for k, sealed := range entries {
		plain, err := s.open(k, sealed)
		if err != nil {
			return nil, err
		}
		out[k] = plain
	}
	return out, nil
}

func (s *EncryptedStore) open(key string, sealed []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n+s.aead.Overhead() {
		return nil, fmt.Errorf("%w: %s: value too short", ErrDecrypt, key)
	}
	plain, err := s.aead.Open(nil, sealed[:n], sealed[n:], []byte(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDecrypt, key)
	}
	return plain, nil
}
