package keys

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/99designs/keyring"

	"github.com/4ourtune/dks-client-sub000/internal/log"
	"github.com/4ourtune/dks-client-sub000/pkg/protocol"
)

// Storage is the secure-storage collaborator: opaque get/set/delete of key material and small
// JSON blobs, scoped by string keys.
type Storage interface {
	// Get returns the stored value, or found=false when the key has never been set.
	Get(key string) (value []byte, found bool, err error)
	Set(key string, value []byte) error
	Delete(key string) error
}

const privateKeyStorageKey = "digitalKeyPrivateKey"

// Store owns the client's key pair: generated once per install, persisted in secure storage,
// never exported off-device.
type Store struct {
	backend Storage
}

func NewStore(backend Storage) *Store {
	return &Store{backend: backend}
}

// KeyPair loads the key pair from secure storage. An uninitialized store reports found=false, not
// an error; storage failures fold into protocol.ErrKeyUnavailable.
func (s *Store) KeyPair() (*PrivateKey, bool, error) {
	raw, found, err := s.backend.Get(privateKeyStorageKey)
	if err != nil {
		log.Warning("keys: storage read failed: %s", err)
		return nil, false, protocol.ErrKeyUnavailable
	}
	if !found {
		return nil, false, nil
	}
	key := UnmarshalPrivateKey(raw)
	if key == nil {
		log.Error("keys: stored key material is corrupt")
		return nil, false, protocol.ErrKeyUnavailable
	}
	return key, true, nil
}

// PublicKey returns the stored public key in uncompressed SEC1 form.
func (s *Store) PublicKey() ([]byte, bool, error) {
	key, found, err := s.KeyPair()
	if err != nil || !found {
		return nil, found, err
	}
	return key.PublicBytes(), true, nil
}

// EnsureKeyPair returns the stored key pair, generating and persisting one on first use.
func (s *Store) EnsureKeyPair() (*PrivateKey, error) {
	key, found, err := s.KeyPair()
	if err != nil {
		return nil, err
	}
	if found {
		return key, nil
	}
	key, err = GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keys: key generation failed: %w", err)
	}
	if err := s.backend.Set(privateKeyStorageKey, key.Marshal()); err != nil {
		log.Warning("keys: storage write failed: %s", err)
		return nil, protocol.ErrKeyUnavailable
	}
	log.Info("keys: generated new key pair %s...", key.PublicHex()[:16])
	return key, nil
}

// DeleteKeyPair removes stored key material, e.g. when resetting the install.
func (s *Store) DeleteKeyPair() error {
	if err := s.backend.Delete(privateKeyStorageKey); err != nil {
		return protocol.ErrKeyUnavailable
	}
	return nil
}

// KeyringStorage adapts the system keyring (with encrypted-file fallback) to the Storage
// interface.
type KeyringStorage struct {
	ring keyring.Keyring
}

func OpenKeyringStorage(cfg keyring.Config) (*KeyringStorage, error) {
	ring, err := keyring.Open(cfg)
	if err != nil {
		return nil, err
	}
	return &KeyringStorage{ring: ring}, nil
}

func (k *KeyringStorage) Get(key string) ([]byte, bool, error) {
	item, err := k.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return item.Data, true, nil
}

func (k *KeyringStorage) Set(key string, value []byte) error {
	return k.ring.Set(keyring.Item{Key: key, Data: value})
}

func (k *KeyringStorage) Delete(key string) error {
	err := k.ring.Remove(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil
	}
	return err
}

// MemoryStorage is a volatile Storage used by tests and the simulator.
type MemoryStorage struct {
	items map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: make(map[string][]byte)}
}

func (m *MemoryStorage) Get(key string) ([]byte, bool, error) {
	value, ok := m.items[key]
	return value, ok, nil
}

func (m *MemoryStorage) Set(key string, value []byte) error {
	buf := make([]byte, len(value))
	copy(buf, value)
	m.items[key] = buf
	return nil
}

func (m *MemoryStorage) Delete(key string) error {
	delete(m.items, key)
	return nil
}
