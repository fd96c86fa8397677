package keys

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/4ourtune/dks-client-sub000/internal/log"
	"github.com/4ourtune/dks-client-sub000/pkg/protocol"
)

// CertificateBackend is the subset of the remote API the certificate store depends on.
type CertificateBackend interface {
	RequestUserCertificate(ctx context.Context, vehicleID, publicKeyHex string, permissions Permissions) (*UserCertificate, error)
	GetRootCA(ctx context.Context) (*Certificate, error)
}

const (
	userCertStoragePrefix    = "userCert."
	vehicleCertStoragePrefix = "vehicleCert."
	rootCAStorageKey         = "rootCA"
)

// CertStore caches certificates scoped by vehicle id, backed by secure storage so certificates
// survive restarts. Certificates are proactively replaced when their remaining validity drops
// below RefreshThreshold.
type CertStore struct {
	keys    *Store
	backend CertificateBackend
	storage Storage

	lock   sync.Mutex
	rootCA *Certificate
}

func NewCertStore(keyStore *Store, backend CertificateBackend, storage Storage) *CertStore {
	return &CertStore{keys: keyStore, backend: backend, storage: storage}
}

func (s *CertStore) load(key string, out interface{}) bool {
	raw, found, err := s.storage.Get(key)
	if err != nil {
		log.Warning("certs: storage read failed for %s: %s", key, err)
		return false
	}
	if !found {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		log.Warning("certs: discarding corrupt cached entry %s: %s", key, err)
		_ = s.storage.Delete(key)
		return false
	}
	return true
}

func (s *CertStore) save(key string, value interface{}) {
	raw, err := json.Marshal(value)
	if err != nil {
		log.Error("certs: failed to serialize %s: %s", key, err)
		return
	}
	if err := s.storage.Set(key, raw); err != nil {
		log.Warning("certs: storage write failed for %s: %s", key, err)
	}
}

// CachedVehicleCertificate returns the cached certificate for a vehicle, evicting it if expired.
func (s *CertStore) CachedVehicleCertificate(vehicleID string) (*VehicleCertificate, bool) {
	var cert VehicleCertificate
	if !s.load(vehicleCertStoragePrefix+vehicleID, &cert) {
		return nil, false
	}
	if !cert.ValidAt(time.Now()) {
		log.Info("certs: evicting expired vehicle certificate for %s", vehicleID)
		_ = s.storage.Delete(vehicleCertStoragePrefix + vehicleID)
		return nil, false
	}
	return &cert, true
}

func (s *CertStore) StoreVehicleCertificate(cert *VehicleCertificate) {
	s.save(vehicleCertStoragePrefix+cert.VehicleID, cert)
}

// UserCertificate returns the cached user certificate for a vehicle, evicting it if expired.
func (s *CertStore) UserCertificate(vehicleID string) (*UserCertificate, bool) {
	var cert UserCertificate
	if !s.load(userCertStoragePrefix+vehicleID, &cert) {
		return nil, false
	}
	if !cert.ValidAt(time.Now()) {
		log.Info("certs: evicting expired user certificate for %s", vehicleID)
		_ = s.storage.Delete(userCertStoragePrefix + vehicleID)
		return nil, false
	}
	return &cert, true
}

func (s *CertStore) StoreUserCertificate(cert *UserCertificate) {
	s.save(userCertStoragePrefix+cert.VehicleID, cert)
}

// EnsureUserCertificate returns a valid user certificate for vehicleID, requesting a replacement
// from the backend when the cache is empty or within the refresh threshold. If the backend is
// unreachable, a still-valid cached certificate is used with a warning; otherwise the failure
// surfaces as protocol.ErrCertificateOffline.
func (s *CertStore) EnsureUserCertificate(ctx context.Context, vehicleID string, permissions Permissions) (*UserCertificate, error) {
	cached, haveCached := s.UserCertificate(vehicleID)
	if haveCached && !cached.NeedsRefresh(time.Now()) {
		return cached, nil
	}

	key, found, err := s.keys.KeyPair()
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, protocol.ErrKeyUnavailable
	}

	cert, err := s.backend.RequestUserCertificate(ctx, vehicleID, key.PublicHex(), permissions)
	if err != nil {
		if haveCached {
			log.Warning("certs: backend unreachable, using cached user certificate for %s: %s", vehicleID, err)
			return cached, nil
		}
		log.Error("certs: no usable user certificate for %s: %s", vehicleID, err)
		return nil, protocol.ErrCertificateOffline
	}
	s.StoreUserCertificate(cert)
	return cert, nil
}

// RootCA returns the root-of-trust certificate, fetching and caching it on first use.
func (s *CertStore) RootCA(ctx context.Context) (*Certificate, error) {
	s.lock.Lock()
	cached := s.rootCA
	s.lock.Unlock()
	if cached != nil && cached.ValidAt(time.Now()) {
		return cached, nil
	}

	var stored Certificate
	if s.load(rootCAStorageKey, &stored) && stored.ValidAt(time.Now()) {
		s.lock.Lock()
		s.rootCA = &stored
		s.lock.Unlock()
		return &stored, nil
	}

	cert, err := s.backend.GetRootCA(ctx)
	if err != nil {
		return nil, protocol.ErrCertificateOffline
	}
	s.save(rootCAStorageKey, cert)
	s.lock.Lock()
	s.rootCA = cert
	s.lock.Unlock()
	return cert, nil
}

// VerifyVehicleCertificate validates a vehicle certificate's window and signature against the
// root CA. Sub-check failures are logged and reported as false so the caller decides policy;
// nothing here throws.
func (s *CertStore) VerifyVehicleCertificate(ctx context.Context, cert *VehicleCertificate) bool {
	now := time.Now()
	if cert == nil {
		return false
	}
	if !cert.ValidAt(now) {
		log.Warning("certs: vehicle certificate %s outside validity window", cert.ID)
		return false
	}
	root, err := s.RootCA(ctx)
	if err != nil {
		log.Warning("certs: cannot verify vehicle certificate %s: %s", cert.ID, err)
		return false
	}
	rootKey, err := root.PublicKeyBytes()
	if err != nil {
		log.Warning("certs: root CA public key unusable: %s", err)
		return false
	}
	if !cert.VerifySignature(rootKey) {
		log.Warning("certs: vehicle certificate %s signature does not chain to root CA", cert.ID)
		return false
	}
	return true
}
