package simulated

import (
	"context"
	"fmt"
	"time"

	"github.com/4ourtune/dks-client-sub000/pkg/keys"
	"github.com/4ourtune/dks-client-sub000/pkg/protocol"
)

const issuedCertLifetime = 24 * time.Hour

// CertificateBackend returns an issuer backed by the emulated vehicle's key, so offline runs can
// provision certificates without reaching a real backend. The emulated vehicle is its own root of
// trust.
func (t *Transport) CertificateBackend() keys.CertificateBackend {
	return &issuer{t: t}
}

type issuer struct {
	t *Transport
}

func (i *issuer) RequestUserCertificate(ctx context.Context, vehicleID, publicKeyHex string, permissions keys.Permissions) (*keys.UserCertificate, error) {
	now := time.Now()
	cert := &keys.UserCertificate{
		Certificate: keys.Certificate{
			ID:           fmt.Sprintf("sim-user-%08x", i.t.rng.Uint32()),
			Subject:      "simulated-user",
			Issuer:       "simulated-root",
			PublicKey:    publicKeyHex,
			NotBefore:    protocol.NewTimestamp(now.Add(-time.Minute)),
			NotAfter:     protocol.NewTimestamp(now.Add(issuedCertLifetime)),
			SerialNumber: fmt.Sprintf("%016x", i.t.rng.Uint64()),
			Version:      1,
		},
		VehicleID:   vehicleID,
		Permissions: permissions,
		UserID:      "simulated-user",
		KeyID:       fmt.Sprintf("sim-key-%08x", i.t.rng.Uint32()),
	}
	signingBytes, err := cert.SigningBytes()
	if err != nil {
		return nil, err
	}
	if cert.Signature, err = i.t.vehicleKey.SignBase64(signingBytes); err != nil {
		return nil, err
	}
	return cert, nil
}

func (i *issuer) GetRootCA(ctx context.Context) (*keys.Certificate, error) {
	now := time.Now()
	cert := &keys.Certificate{
		ID:           "sim-root",
		Subject:      "simulated-root",
		Issuer:       "simulated-root",
		PublicKey:    i.t.vehicleKey.PublicHex(),
		NotBefore:    protocol.NewTimestamp(now.Add(-time.Minute)),
		NotAfter:     protocol.NewTimestamp(now.Add(issuedCertLifetime)),
		SerialNumber: "0",
		Version:      1,
	}
	signingBytes, err := cert.SigningBytes()
	if err != nil {
		return nil, err
	}
	if cert.Signature, err = i.t.vehicleKey.SignBase64(signingBytes); err != nil {
		return nil, err
	}
	return cert, nil
}
