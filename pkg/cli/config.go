/*
Package cli facilitates building command-line applications around the digital-key client. It
defines a [Config] type that registers common command-line flags (using the Golang flag package)
and environment variable equivalents, and assembles the storage, account, and transport
collaborators into a ready-to-use [vehicle.Vehicle].

The package uses [keyring]'s platform-agnostic interface for storing sensitive values (private
keys, certificates, and OAuth tokens) in an OS-dependent credential store.

# Example

	config, err := cli.NewConfig(cli.FlagAll)
	if err != nil {
		panic(err)
	}
	config.RegisterCommandLineFlags()
	flag.Parse()
	config.ReadFromEnvironment()
	config.LoadCredentials() // Prompt for keyring password if needed

	acct, car, err := config.Connect(ctx)
	if err != nil {
		panic(err)
	}
	defer config.UpdateCachedSessions(car)
*/
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/99designs/keyring"

	"github.com/4ourtune/dks-client-sub000/internal/log"
	"github.com/4ourtune/dks-client-sub000/pkg/account"
	"github.com/4ourtune/dks-client-sub000/pkg/cache"
	"github.com/4ourtune/dks-client-sub000/pkg/connector"
	"github.com/4ourtune/dks-client-sub000/pkg/connector/ble"
	"github.com/4ourtune/dks-client-sub000/pkg/connector/simulated"
	"github.com/4ourtune/dks-client-sub000/pkg/keys"
	"github.com/4ourtune/dks-client-sub000/pkg/vehicle"
)

// Environment variable names used by [Config.ReadFromEnvironment] to set common parameters.
const (
	EnvVehicleID    = "DKS_VEHICLE_ID"
	EnvHost         = "DKS_HOST"
	EnvTokenName    = "DKS_TOKEN_NAME"
	EnvTokenFile    = "DKS_TOKEN_FILE"
	EnvPairingToken = "DKS_PAIRING_TOKEN"
	EnvCacheFile    = "DKS_CACHE_FILE"
	EnvKeyringType  = "DKS_KEYRING_TYPE"
	EnvKeyringPass  = "DKS_KEYRING_PASSWORD"
	EnvKeyringPath  = "DKS_KEYRING_PATH"
	EnvKeyringDebug = "DKS_KEYRING_DEBUG"
)

// Flag controls what options should be scanned from the command line and/or environment
// variables.
type Flag int

func (f Flag) isSet(other Flag) bool {
	return (f & other) == other
}

const (
	FlagVehicleID Flag = 1 // Enable vehicle-id option.
	FlagOAuth     Flag = 2 // Enable backend/OAuth options.
	FlagBLE       Flag = 4 // Enable BLE transport options. Requires FlagVehicleID.
	FlagSimulate  Flag = 8 // Enable the -simulate option.
	FlagAll       Flag = FlagVehicleID | FlagOAuth | FlagBLE | FlagSimulate
)

var (
	ErrNoVehicleID           = errors.New("vehicle id not provided")
	ErrNoAvailableTransports = errors.New("no available transports (configuration must permit BLE or the simulator)")
	ErrKeyNotFound           = keyring.ErrKeyNotFound
)

// Config fields determine how a client authenticates to vehicles and/or the backend.
type Config struct {
	Flags            Flag   // Controls which set of environment variables/CLI flags to use.
	VehicleID        string
	Host             string // Backend hostname; empty disables remote session provisioning.
	KeyringTokenName string // Username for OAuth token in system keyring
	TokenFilename    string
	PairingToken     string
	CacheFilename    string
	Simulate         bool // Use the in-process vehicle simulator instead of the radio.
	SimulateSeed     int64
	Backend          keyring.Config
	BackendType      backendType
	Debug            bool // Enable keyring debug messages

	password   *string
	sessions   *cache.SessionCache
	storage    keys.Storage
	acct       *account.Account
	oauthToken string
}

func NewConfig(flags Flag) (*Config, error) {
	c := Config{
		Flags: flags,
		Backend: keyring.Config{
			ServiceName:              keyringServiceName,
			KeychainTrustApplication: true,
			KeyCtlScope:              "user",
		},
	}
	c.BackendType = backendType{&c}
	c.Backend.KeychainPasswordFunc = c.getPassword
	c.Backend.FilePasswordFunc = c.getPassword
	return &c, nil
}

func (c *Config) RegisterCommandLineFlags() {
	if c.Flags.isSet(FlagVehicleID) {
		flag.StringVar(&c.VehicleID, "vehicle-id", "", "Vehicle identifier. Defaults to $DKS_VEHICLE_ID.")
	}
	if c.Flags.isSet(FlagOAuth) {
		flag.StringVar(&c.Host, "host", "", "Backend hostname. Defaults to $DKS_HOST.")
		flag.StringVar(&c.KeyringTokenName, "token-name", "", "System keyring `name` for OAuth token. Defaults to $DKS_TOKEN_NAME.")
		flag.StringVar(&c.TokenFilename, "token-file", "", "`File` containing OAuth token. Defaults to $DKS_TOKEN_FILE.")
	}
	if c.Flags.isSet(FlagSimulate) {
		flag.BoolVar(&c.Simulate, "simulate", false, "Use the in-process vehicle simulator instead of BLE.")
		flag.Int64Var(&c.SimulateSeed, "simulate-seed", 0, "Deterministic failure-injection seed for the simulator.")
	}
	flag.StringVar(&c.CacheFilename, "session-cache", "", "Load session cache from `file`. Defaults to $DKS_CACHE_FILE.")

	var names []string
	for _, name := range keyring.AvailableBackends() {
		names = append(names, string(name))
	}
	sort.Strings(names)
	flag.Var(&c.BackendType, "keyring-type", "Keyring `type` ("+strings.Join(names, "|")+"). Defaults to $DKS_KEYRING_TYPE.")
	flag.StringVar(&c.Backend.FileDir, "keyring-file-dir", keyringDirectory, "keyring `directory` for file-backed keyring types")
	flag.BoolVar(&c.Debug, "keyring-debug", false, "Enable keyring debug logging")
}

// ReadFromEnvironment populates c using environment variables. Values that are already populated
// are not overwritten, so call this after flag.Parse().
func (c *Config) ReadFromEnvironment() {
	if c.Flags.isSet(FlagVehicleID) && c.VehicleID == "" {
		c.VehicleID = os.Getenv(EnvVehicleID)
		log.Debug("Set vehicle id to '%s'", c.VehicleID)
	}
	if c.Flags.isSet(FlagOAuth) {
		if c.Host == "" {
			c.Host = os.Getenv(EnvHost)
			log.Debug("Set backend host to '%s'", c.Host)
		}
		if c.KeyringTokenName == "" && c.TokenFilename == "" {
			c.KeyringTokenName = os.Getenv(EnvTokenName)
			log.Debug("Set OAuth token name to '%s'", c.KeyringTokenName)

			c.TokenFilename = os.Getenv(EnvTokenFile)
			log.Debug("Set OAuth token file to '%s'", c.TokenFilename)
		}
		if c.PairingToken == "" {
			c.PairingToken = os.Getenv(EnvPairingToken)
		}
	}
	if c.CacheFilename == "" {
		c.CacheFilename = os.Getenv(EnvCacheFile)
		log.Debug("Set session cache file to '%s'", c.CacheFilename)
	}
	if c.BackendType.String() == string(keyring.InvalidBackend) {
		if err := c.BackendType.Set(os.Getenv(EnvKeyringType)); err == nil {
			log.Debug("Set keyring type to '%s'", c.BackendType)
		}
	}
	if c.password == nil {
		password := os.Getenv(EnvKeyringPass)
		c.password = &password
	}
	if c.Backend.FileDir == "" {
		c.Backend.FileDir = os.Getenv(EnvKeyringPath)
	}
	if !c.Debug {
		_, c.Debug = os.LookupEnv(EnvKeyringDebug)
	}
}

// LoadCredentials opens secure storage (prompting for a keyring password if needed) and loads the
// OAuth token. Call this before [Config.Connect] to prevent interactive prompts from counting
// against connection timeouts.
func (c *Config) LoadCredentials() error {
	if _, err := c.Storage(); err != nil {
		return err
	}
	if c.Flags.isSet(FlagOAuth) && (c.KeyringTokenName != "" || c.TokenFilename != "") {
		if _, err := c.token(); err != nil {
			return err
		}
	}
	return nil
}

// Storage returns the secure-storage backend, opening it on first use. The simulator uses
// volatile storage so simulated runs never touch real key material.
func (c *Config) Storage() (keys.Storage, error) {
	if c.storage != nil {
		return c.storage, nil
	}
	if c.Simulate {
		c.storage = keys.NewMemoryStorage()
		return c.storage, nil
	}
	storage, err := keys.OpenKeyringStorage(c.Backend)
	if err != nil {
		return nil, fmt.Errorf("could not open system keyring: %w", err)
	}
	c.storage = storage
	return c.storage, nil
}

func (c *Config) token() (string, error) {
	if c.oauthToken != "" {
		return c.oauthToken, nil
	}
	if c.TokenFilename != "" {
		token, err := os.ReadFile(c.TokenFilename)
		if err == nil {
			c.oauthToken = strings.TrimSpace(string(token))
			return c.oauthToken, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		// Fall through to the system keyring.
	}
	var err error
	c.oauthToken, err = c.LoadTokenFromKeyring()
	return c.oauthToken, err
}

// Account returns a client for the configured backend, or nil when no backend is configured. The
// client falls back to on-link handshakes when the account is nil.
func (c *Config) Account() (*account.Account, error) {
	if c.acct != nil {
		return c.acct, nil
	}
	if c.Host == "" {
		return nil, nil
	}
	token, err := c.token()
	if err != nil {
		return nil, err
	}
	c.acct, err = account.New(c.Host, token, "")
	return c.acct, err
}

// Connect assembles the configured transport, key material, and backend into a connected
// [vehicle.Vehicle]. The returned account may be nil when operating offline.
func (c *Config) Connect(ctx context.Context) (*account.Account, *vehicle.Vehicle, error) {
	if c.VehicleID == "" {
		return nil, nil, ErrNoVehicleID
	}
	transport, err := c.transport()
	if err != nil {
		return nil, nil, err
	}
	acct, err := c.Account()
	if err != nil {
		return nil, nil, err
	}

	storage, err := c.Storage()
	if err != nil {
		return nil, nil, err
	}
	keyStore := keys.NewStore(storage)
	if _, err := keyStore.EnsureKeyPair(); err != nil {
		return nil, nil, err
	}

	var certBackend keys.CertificateBackend
	var sessionBackend vehicle.Backend
	switch {
	case acct != nil:
		certBackend = acct
		sessionBackend = acct
	default:
		if sim, ok := transport.(*simulated.Transport); ok {
			certBackend = sim.CertificateBackend()
		} else {
			certBackend = offlineCertificateBackend{}
		}
	}
	certs := keys.NewCertStore(keyStore, certBackend, storage)

	car := vehicle.New(transport, keyStore, certs, sessionBackend)
	car.SetVehicleContext(c.VehicleID, c.PairingToken)

	device, err := car.FindVehicle(ctx, connector.ScanFilter{})
	if err != nil {
		return nil, nil, err
	}
	if err := car.Connect(ctx, device.ID); err != nil {
		return nil, nil, err
	}

	if err := c.loadCache(); err != nil {
		return nil, nil, err
	}
	if c.sessions != nil {
		c.sessions.Restore(car.Sessions(), device.ID, c.VehicleID)
	}
	return acct, car, nil
}

func (c *Config) transport() (connector.Transport, error) {
	if c.Simulate {
		opts := []simulated.Option{simulated.WithVehicleID(c.VehicleID)}
		if c.SimulateSeed != 0 {
			opts = append(opts, simulated.WithSeed(c.SimulateSeed))
		}
		return simulated.NewTransport(opts...)
	}
	if c.Flags.isSet(FlagBLE) {
		return ble.NewTransport()
	}
	return nil, ErrNoAvailableTransports
}

func (c *Config) loadCache() error {
	if c.CacheFilename == "" {
		return nil
	}
	log.Debug("Loading session cache from %s...", c.CacheFilename)
	var err error
	c.sessions, err = cache.LoadFromFile(c.CacheFilename, 0)
	if err != nil {
		return fmt.Errorf("failed to load session cache: %w", err)
	}
	return nil
}

// UpdateCachedSessions persists v's live sessions to c.CacheFilename. Does nothing when no cache
// file is configured or no session was established.
func (c *Config) UpdateCachedSessions(v *vehicle.Vehicle) {
	if c.CacheFilename == "" || v == nil {
		return
	}
	if c.sessions == nil {
		c.sessions = cache.New(0)
	}
	for _, s := range v.Sessions().Cache().ActiveSessions() {
		c.sessions.Update(s)
	}
	if err := c.sessions.ExportToFile(c.CacheFilename); err != nil {
		log.Error("Error updating session cache: %s", err)
	}
}

// offlineCertificateBackend reports every certificate operation as unreachable, letting cached
// certificates serve offline runs.
type offlineCertificateBackend struct{}

func (offlineCertificateBackend) RequestUserCertificate(context.Context, string, string, keys.Permissions) (*keys.UserCertificate, error) {
	return nil, errors.New("no backend configured")
}

func (offlineCertificateBackend) GetRootCA(context.Context) (*keys.Certificate, error) {
	return nil, errors.New("no backend configured")
}
