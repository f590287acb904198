package credentials

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Stored records are sealed with XChaCha20-Poly1305 under a key derived
// from the master key with HKDF-SHA256 and a per-record salt. The record
// key is bound as additional data so a sealed value cannot be moved to a
// different file system or bucket slot.

const (
	sealSaltSize = 16
	sealInfo     = "media-cache/credentials"
)

var errSealedTooShort = errors.New("sealed record too short")

func deriveSealKey(masterKey, salt []byte) ([]byte, error) {
	if len(masterKey) == 0 {
		return nil, errors.New("master key empty")
	}

	r := hkdf.New(sha256.New, masterKey, salt, []byte(sealInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving seal key: %w", err)
	}
	return key, nil
}

// seal encrypts plaintext into salt || nonce || ciphertext.
func seal(masterKey, aad, plaintext []byte) ([]byte, error) {
	salt := make([]byte, sealSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	key, err := deriveSealKey(masterKey, salt)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, 0, len(salt)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)

	return aead.Seal(out, nonce, plaintext, aad), nil
}

// unseal reverses seal, authenticating the record against aad.
func unseal(masterKey, aad, sealed []byte) ([]byte, error) {
	if len(sealed) < sealSaltSize+chacha20poly1305.NonceSizeX {
		return nil, errSealedTooShort
	}

	salt := sealed[:sealSaltSize]
	nonce := sealed[sealSaltSize : sealSaltSize+chacha20poly1305.NonceSizeX]
	ciphertext := sealed[sealSaltSize+chacha20poly1305.NonceSizeX:]

	key, err := deriveSealKey(masterKey, salt)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("opening sealed record: %w", err)
	}

	return plaintext, nil
}
