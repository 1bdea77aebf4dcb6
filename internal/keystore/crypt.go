package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

const (
	nonceSizeGCM = 12 // AES-GCM nonce recomendado (96 bits)
	keyLen       = 32 // AES-256
	saltLen      = 16
)

// deriveKey deriva la clave AES desde la passphrase con scrypt.
// Parámetros N=2^15, r=8, p=1.
func deriveKey(passphrase string, salt []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}
	return scrypt.Key([]byte(passphrase), salt, 1<<15, 8, 1, keyLen)
}

// seal cifra plaintext y devuelve nonce||ciphertext.
func seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	nonce := make([]byte, nonceSizeGCM)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce random: %w", err)
	}
	return append(nonce, aesgcm.Seal(nil, nonce, plaintext, nil)...), nil
}

// open descifra nonce||ciphertext.
func open(key, sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSizeGCM {
		return nil, errors.New("sealed blob too short")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	pt, err := aesgcm.Open(nil, sealed[:nonceSizeGCM], sealed[nonceSizeGCM:], nil)
	if err != nil {
		return nil, fmt.Errorf("gcm auth/decrypt: %w", err)
	}
	return pt, nil
}

func newSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}
