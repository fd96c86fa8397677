package keys

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	key, err := GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	message := []byte("unlock the doors")
	signature, err := key.Sign(message)
	if err != nil {
		t.Fatal(err)
	}
	if !Verify(message, signature, key.PublicBytes()) {
		t.Error("valid signature did not verify")
	}
	tampered := append([]byte{}, message...)
	tampered[0] ^= 1
	if Verify(tampered, signature, key.PublicBytes()) {
		t.Error("signature verified over tampered message")
	}
}

func TestSignBase64Verifies(t *testing.T) {
	key, err := GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	message := []byte("envelope bytes")
	signature, err := key.SignBase64(message)
	if err != nil {
		t.Fatal(err)
	}
	if !Verify(message, []byte(signature), key.PublicBytes()) {
		t.Error("base64 signature did not verify")
	}
	if !VerifyHex(message, signature, key.PublicHex()) {
		t.Error("VerifyHex did not accept hex public key")
	}
}

func TestSharedSecretSymmetry(t *testing.T) {
	alice, err := GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	bob, err := GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	ab, err := alice.SharedSecret(bob.PublicBytes())
	if err != nil {
		t.Fatal(err)
	}
	ba, err := bob.SharedSecret(alice.PublicBytes())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ab, ba) {
		t.Error("ECDH agreement is not symmetric")
	}
	if len(ab) != 32 {
		t.Errorf("expected 32-byte secret, got %d", len(ab))
	}
}

func TestSharedSecretRejectsGarbage(t *testing.T) {
	key, err := GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := key.SharedSecret([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for malformed remote key")
	}
}

func TestMarshalUnmarshalPrivateKey(t *testing.T) {
	key, err := GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	restored := UnmarshalPrivateKey(key.Marshal())
	if restored == nil {
		t.Fatal("round trip failed")
	}
	if !bytes.Equal(restored.PublicBytes(), key.PublicBytes()) {
		t.Error("restored key has different public point")
	}
	if UnmarshalPrivateKey([]byte("short")) != nil {
		t.Error("expected nil for malformed scalar")
	}
	if UnmarshalPrivateKey(make([]byte, 32)) != nil {
		t.Error("expected nil for zero scalar")
	}
}

func TestParsePublicKeyEncodings(t *testing.T) {
	key, err := GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	raw := key.PublicBytes()

	if _, err := ParsePublicKey(raw); err != nil {
		t.Errorf("SEC1 bytes: %s", err)
	}
	if _, err := ParsePublicKey([]byte(hex.EncodeToString(raw))); err != nil {
		t.Errorf("hex encoding: %s", err)
	}
	if _, err := ParsePublicKey([]byte(hex.EncodeToString(raw) + "\n")); err != nil {
		t.Errorf("hex with trailing newline: %s", err)
	}
	if _, err := ParsePublicKey(nil); err == nil {
		t.Error("expected error for empty input")
	}
	if _, err := ParsePublicKey([]byte("garbage")); err == nil {
		t.Error("expected error for garbage input")
	}
}

func TestVerifyNeverPanicsOnMalformedInput(t *testing.T) {
	inputs := [][]byte{nil, {0x04}, []byte("x"), make([]byte, 65)}
	for _, pub := range inputs {
		if Verify([]byte("data"), []byte("sig"), pub) {
			t.Error("verification succeeded with malformed public key")
		}
	}
}

func TestPublicKeyEqual(t *testing.T) {
	key, err := GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	other, err := GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	hexForm := []byte(key.PublicHex())
	if !PublicKeyEqual(key.PublicBytes(), hexForm) {
		t.Error("same point in different encodings should compare equal")
	}
	if PublicKeyEqual(key.PublicBytes(), other.PublicBytes()) {
		t.Error("distinct keys compared equal")
	}
}

func TestStoreEnsureKeyPairPersists(t *testing.T) {
	storage := NewMemoryStorage()
	store := NewStore(storage)

	if _, found, err := store.KeyPair(); err != nil || found {
		t.Fatalf("fresh store: found=%v err=%v", found, err)
	}
	first, err := store.EnsureKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	second, err := store.EnsureKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first.PublicBytes(), second.PublicBytes()) {
		t.Error("EnsureKeyPair generated a second key pair")
	}
	if err := store.DeleteKeyPair(); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := store.KeyPair(); found {
		t.Error("key pair survived deletion")
	}
}
