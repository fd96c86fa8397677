// Package keys manages the client's long-term key material and the certificate chain that binds
// it to a vehicle and user account.
//
// Keys are NIST-P256. Public keys travel in uncompressed SEC1 form (0x04 prefix, 65 bytes),
// hex-encoded where the wire format calls for a string.
package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"

	"github.com/4ourtune/dks-client-sub000/pkg/protocol"
)

// PrivateKey is the client's long-term P256 key. It signs command envelopes and performs ECDH key
// agreement during session establishment.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

// GenerateKey creates a fresh P256 key pair. Failure indicates an entropy or library fault and is
// not retryable.
func GenerateKey(rng io.Reader) (*PrivateKey, error) {
	ecdsaKey, err := ecdsa.GenerateKey(elliptic.P256(), rng)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{ecdsaKey}, nil
}

// PublicBytes returns the public key as an uncompressed SEC1 curve point.
func (k *PrivateKey) PublicBytes() []byte {
	return elliptic.Marshal(elliptic.P256(), k.PublicKey.X, k.PublicKey.Y)
}

// PublicHex returns the hex encoding of PublicBytes, the form used in wire packets.
func (k *PrivateKey) PublicHex() string {
	return hex.EncodeToString(k.PublicBytes())
}

// SharedSecret derives the ECDH shared secret between k and a remote public key. The secret is
// the 32-byte big-endian x-coordinate of the shared curve point. Deterministic for identical
// inputs.
func (k *PrivateKey) SharedSecret(remotePublicBytes []byte) ([]byte, error) {
	x, y := elliptic.Unmarshal(elliptic.P256(), remotePublicBytes)
	if x == nil {
		return nil, protocol.ErrInvalidPublicKey
	}

	sharedX, sharedY := elliptic.P256().ScalarMult(x, y, k.D.Bytes())

	if sharedX.Sign() == 0 && sharedY.Sign() == 0 {
		return nil, protocol.ErrInvalidPrivateKey
	}

	secret := make([]byte, (elliptic.P256().Params().BitSize+7)/8)
	sharedX.FillBytes(secret)
	return secret, nil
}

// Sign produces an ASN.1 ECDSA signature over SHA-256(data).
func (k *PrivateKey) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	return ecdsa.SignASN1(rand.Reader, k.PrivateKey, digest[:])
}

// SignBase64 signs data and returns the signature in the base64 form used by wire envelopes.
func (k *PrivateKey) SignBase64(data []byte) (string, error) {
	sig, err := k.Sign(data)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Marshal returns the 32-byte private scalar for storage.
func (k *PrivateKey) Marshal() []byte {
	scalar := make([]byte, 32)
	k.D.FillBytes(scalar)
	return scalar
}

// UnmarshalPrivateKey reconstructs a PrivateKey from a 32-byte scalar. Returns nil for malformed
// input.
func UnmarshalPrivateKey(privateScalar []byte) *PrivateKey {
	if len(privateScalar) != 32 {
		return nil
	}
	sk := PrivateKey{&ecdsa.PrivateKey{PublicKey: ecdsa.PublicKey{Curve: elliptic.P256()}}}
	var d big.Int
	sk.D = d.SetBytes(privateScalar)
	if sk.D.Sign() == 0 || sk.D.Cmp(elliptic.P256().Params().N) >= 0 {
		return nil
	}
	sk.PublicKey.X, sk.PublicKey.Y = sk.Curve.ScalarBaseMult(privateScalar)
	return &sk
}

// ParsePublicKey decodes a P256 public key from any of the encodings peers are known to produce:
//   - Binary uncompressed SEC1 curve point (0x04, ..., 65 bytes)
//   - Hex-encoded uncompressed SEC1 curve point (04..., 130 characters)
//   - PKIX PEM ("BEGIN PUBLIC KEY")
//   - PKIX DER
func ParsePublicKey(encoded []byte) (*ecdsa.PublicKey, error) {
	if len(encoded) == 0 {
		return nil, protocol.ErrInvalidPublicKey
	}

	if len(encoded) == 65 && encoded[0] == 0x04 {
		return unmarshalCurvePoint(encoded)
	}

	// Hex-encoded curve point, allowing a trailing newline.
	if len(encoded) == 130 || len(encoded) == 131 {
		var decoded [65]byte
		if _, err := hex.Decode(decoded[:], encoded[:130]); err == nil {
			return unmarshalCurvePoint(decoded[:])
		}
	}

	der := encoded
	if block, _ := pem.Decode(encoded); block != nil {
		if block.Type != "PUBLIC KEY" {
			return nil, fmt.Errorf("unrecognized PEM block type %s", block.Type)
		}
		der = block.Bytes
	}

	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, protocol.ErrInvalidPublicKey
	}
	ecdsaKey, ok := parsed.(*ecdsa.PublicKey)
	if !ok || ecdsaKey.Curve != elliptic.P256() {
		return nil, protocol.ErrInvalidPublicKey
	}
	return ecdsaKey, nil
}

func unmarshalCurvePoint(point []byte) (*ecdsa.PublicKey, error) {
	x, y := elliptic.Unmarshal(elliptic.P256(), point)
	if x == nil {
		return nil, protocol.ErrInvalidPublicKey
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

// Verify checks an ASN.1 ECDSA signature over SHA-256(data). The public key may be in any
// encoding accepted by ParsePublicKey; the signature may additionally be base64-encoded. Verify
// never panics on malformed input; it returns false.
func Verify(data, signature, publicKey []byte) bool {
	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return false
	}
	return verifyWithKey(data, signature, pub)
}

// VerifyHex is Verify with a hex-encoded public key, the form used in wire packets.
func VerifyHex(data []byte, signatureB64, publicKeyHex string) bool {
	publicKeyBytes, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return false
	}
	return Verify(data, []byte(signatureB64), publicKeyBytes)
}

func verifyWithKey(data, signature []byte, pub *ecdsa.PublicKey) bool {
	digest := sha256.Sum256(data)
	if ecdsa.VerifyASN1(pub, digest[:], signature) {
		return true
	}
	// Signatures arriving inside JSON envelopes are base64-wrapped.
	if decoded, err := base64.StdEncoding.DecodeString(string(signature)); err == nil {
		return ecdsa.VerifyASN1(pub, digest[:], decoded)
	}
	return false
}

// PublicKeyEqual reports whether two encoded public keys denote the same curve point, regardless
// of encoding.
func PublicKeyEqual(a, b []byte) bool {
	keyA, errA := ParsePublicKey(a)
	keyB, errB := ParsePublicKey(b)
	if errA != nil || errB != nil {
		return false
	}
	return keyA.Equal(keyB)
}
