package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/4ourtune/dks-client-sub000/internal/log"
)

// SessionKeySizeBytes is the length of the derived symmetric session key (AES-128-GCM).
const SessionKeySizeBytes = 16

// NonceSizeBytes is the length of the client and server nonces mixed into key derivation.
const NonceSizeBytes = 16

var errCiphertextTooShort = errors.New("session: ciphertext shorter than nonce")

// DeriveKey computes the session key from an ECDH shared secret and the two handshake nonces:
// SHA-256(secret || clientNonce || serverNonce) truncated to SessionKeySizeBytes. Both peers must
// reproduce this byte-for-byte.
func DeriveKey(sharedSecret, clientNonce, serverNonce []byte) []byte {
	h := sha256.New()
	h.Write(sharedSecret)
	h.Write(clientNonce)
	h.Write(serverNonce)
	return h.Sum(nil)[:SessionKeySizeBytes]
}

// NewNonce returns NonceSizeBytes of fresh random data.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSizeBytes)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// Encrypt seals plaintext under the session key with AES-GCM. The random 12-byte nonce is
// prefixed to the ciphertext and the whole buffer is base64-encoded for the wire.
func Encrypt(key, plaintext []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a base64 nonce-prefixed AES-GCM payload. Payloads produced before the switch to
// authenticated encryption fall back to the legacy CBC format; that path exists for decryption
// only and is never used for new data.
func Decrypt(key []byte, encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("session: payload not base64: %w", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(raw) < gcm.NonceSize() {
		return nil, errCiphertextTooShort
	}
	plaintext, err := gcm.Open(nil, raw[:gcm.NonceSize()], raw[gcm.NonceSize():], nil)
	if err == nil {
		return plaintext, nil
	}
	if legacy, legacyErr := decryptLegacyCBC(key, raw); legacyErr == nil {
		log.Warning("session: decrypted payload with legacy unauthenticated format")
		return legacy, nil
	}
	return nil, err
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// decryptLegacyCBC opens an IV-prefixed AES-CBC/PKCS7 payload, the format used before
// authenticated encryption was introduced.
func decryptLegacyCBC(key, raw []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(raw) < aes.BlockSize*2 || len(raw)%aes.BlockSize != 0 {
		return nil, errors.New("session: not a legacy CBC payload")
	}
	iv, ciphertext := raw[:aes.BlockSize], raw[aes.BlockSize:]
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	padding := int(plaintext[len(plaintext)-1])
	if padding == 0 || padding > aes.BlockSize || padding > len(plaintext) {
		return nil, errors.New("session: invalid legacy padding")
	}
	for _, b := range plaintext[len(plaintext)-padding:] {
		if int(b) != padding {
			return nil, errors.New("session: invalid legacy padding")
		}
	}
	return plaintext[:len(plaintext)-padding], nil
}
