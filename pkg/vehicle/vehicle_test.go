package vehicle_test

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/4ourtune/dks-client-sub000/mocks"
	"github.com/4ourtune/dks-client-sub000/pkg/account"
	"github.com/4ourtune/dks-client-sub000/pkg/connector"
	"github.com/4ourtune/dks-client-sub000/pkg/connector/simulated"
	"github.com/4ourtune/dks-client-sub000/pkg/keys"
	"github.com/4ourtune/dks-client-sub000/pkg/protocol"
	"github.com/4ourtune/dks-client-sub000/pkg/session"
	"github.com/4ourtune/dks-client-sub000/pkg/vehicle"
)

// newSimClient wires a client to an emulated vehicle with failure injection disabled so tests are
// deterministic.
func newSimClient(t *testing.T, backend vehicle.Backend, opts ...simulated.Option) (*vehicle.Vehicle, *simulated.Transport) {
	t.Helper()
	opts = append([]simulated.Option{simulated.WithFailureRate(0), simulated.WithVehicleID("42")}, opts...)
	sim, err := simulated.NewTransport(opts...)
	if err != nil {
		t.Fatal(err)
	}
	storage := keys.NewMemoryStorage()
	keyStore := keys.NewStore(storage)
	if _, err := keyStore.EnsureKeyPair(); err != nil {
		t.Fatal(err)
	}
	certs := keys.NewCertStore(keyStore, sim.CertificateBackend(), storage)
	car := vehicle.New(sim, keyStore, certs, backend)
	car.SetVehicleContext("42", "pairing-token")
	return car, sim
}

func connectSim(t *testing.T, car *vehicle.Vehicle) {
	t.Helper()
	ctx := context.Background()
	device, err := car.FindVehicle(ctx, connector.ScanFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if err := car.Connect(ctx, device.ID); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(car.Disconnect)
}

func TestUnlockOverHandshake(t *testing.T) {
	car, _ := newSimClient(t, nil)
	connectSim(t, car)

	response, err := car.Unlock(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !response.Success {
		t.Fatalf("unlock rejected: %s", response.Error)
	}
	if locked, ok := response.Data["doorsLocked"].(bool); !ok || locked {
		t.Errorf("unexpected doorsLocked value: %v", response.Data["doorsLocked"])
	}
}

func TestCommandsReuseSession(t *testing.T) {
	car, _ := newSimClient(t, nil)
	connectSim(t, car)
	ctx := context.Background()

	if _, err := car.Lock(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := car.StartEngine(ctx); err != nil {
		t.Fatal(err)
	}

	live := car.Sessions().Cache().ActiveSessions()
	if len(live) != 1 {
		t.Errorf("expected a single shared session, found %d", len(live))
	}
}

func TestStatusOverPollingFallback(t *testing.T) {
	car, _ := newSimClient(t, nil, simulated.WithoutNotifications())
	connectSim(t, car)

	response, err := car.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !response.Success {
		t.Fatalf("status rejected: %s", response.Error)
	}
	if level, ok := response.Data["batteryLevel"].(float64); !ok || level != 87 {
		t.Errorf("unexpected batteryLevel: %v", response.Data["batteryLevel"])
	}
}

func TestNotifyStreamClosureFallsBackToPolling(t *testing.T) {
	car, sim := newSimClient(t, nil)
	connectSim(t, car)
	ctx := context.Background()

	if _, err := car.Unlock(ctx); err != nil {
		t.Fatal(err)
	}
	// The subscription dies mid-connection; responses now queue for polling reads.
	sim.DropNotifications()

	response, err := car.Lock(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !response.Success {
		t.Fatalf("lock rejected: %s", response.Error)
	}
	if locked, ok := response.Data["doorsLocked"].(bool); !ok || !locked {
		t.Errorf("unexpected doorsLocked value: %v", response.Data["doorsLocked"])
	}
}

func TestBackendSeededSession(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	backend := mocks.NewMockBackend(ctrl)

	car, sim := newSimClient(t, backend)
	connectSim(t, car)

	key := make([]byte, session.SessionKeySizeBytes)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	grant := &account.SessionGrant{
		SeededSession: protocol.SeededSession{
			SessionID:  "backend-session-1",
			SessionKey: base64.StdEncoding.EncodeToString(key),
			ExpiresAt:  protocol.NewTimestamp(time.Now().Add(10 * time.Minute)),
			VehicleID:  "42",
		},
		VehiclePublicKey: hex.EncodeToString(sim.VehiclePublicKey()),
	}
	// Both commands must ride the one provisioned session.
	backend.EXPECT().
		RefreshPKISession(gomock.Any(), "42", "pairing-token", "").
		Return(grant, nil).
		Times(1)

	ctx := context.Background()
	response, err := car.Unlock(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !response.Success {
		t.Fatalf("unlock rejected: %s", response.Error)
	}
	if _, err := car.Lock(ctx); err != nil {
		t.Fatal(err)
	}

	if cached, ok := car.Sessions().Cache().Lookup("vehicle:42"); !ok || cached.ID != "backend-session-1" {
		t.Error("provisioned session not adopted")
	}
}

func TestBackendFailureFallsBackToHandshake(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	backend := mocks.NewMockBackend(ctrl)
	backend.EXPECT().
		RefreshPKISession(gomock.Any(), "42", "pairing-token", "").
		Return(nil, errors.New("backend unreachable")).
		Times(1)

	car, _ := newSimClient(t, backend)
	connectSim(t, car)

	response, err := car.Unlock(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !response.Success {
		t.Fatalf("unlock rejected: %s", response.Error)
	}
}

// testCertIssuer serves signed user certificates for scripted-transport tests.
type testCertIssuer struct {
	issuer *keys.PrivateKey
}

func (b *testCertIssuer) RequestUserCertificate(ctx context.Context, vehicleID, publicKeyHex string, permissions keys.Permissions) (*keys.UserCertificate, error) {
	now := time.Now()
	cert := &keys.UserCertificate{
		Certificate: keys.Certificate{
			ID:        "u1",
			PublicKey: publicKeyHex,
			NotBefore: protocol.NewTimestamp(now.Add(-time.Minute)),
			NotAfter:  protocol.NewTimestamp(now.Add(time.Hour)),
			Version:   1,
		},
		VehicleID:   vehicleID,
		Permissions: permissions,
		KeyID:       "k1",
	}
	signingBytes, err := cert.SigningBytes()
	if err != nil {
		return nil, err
	}
	if cert.Signature, err = b.issuer.SignBase64(signingBytes); err != nil {
		return nil, err
	}
	return cert, nil
}

func (b *testCertIssuer) GetRootCA(ctx context.Context) (*keys.Certificate, error) {
	return nil, errors.New("not needed")
}

// signedVehicleResponse builds the wire form of a vehicle-signed, encrypted success response.
func signedVehicleResponse(t *testing.T, vehicleKey *keys.PrivateKey, sessionID string, key []byte, command protocol.Command) []byte {
	t.Helper()
	response := protocol.ResponsePacket{Success: true, Command: command, Timestamp: protocol.Now()}
	plaintext, err := json.Marshal(&response)
	if err != nil {
		t.Fatal(err)
	}
	encrypted, err := session.Encrypt(key, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	envelope := &protocol.SecureResponsePacket{
		Version:          protocol.Version,
		Type:             protocol.TypeSecureResponse,
		Success:          true,
		SessionID:        sessionID,
		EncryptedPayload: encrypted,
		Timestamp:        protocol.Now(),
	}
	signingBytes, err := envelope.SigningBytes()
	if err != nil {
		t.Fatal(err)
	}
	if envelope.Signature, err = vehicleKey.SignBase64(signingBytes); err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestStaleSessionRefreshAndRetry(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	transport := mocks.NewMockTransport(ctrl)
	backend := mocks.NewMockBackend(ctrl)

	storage := keys.NewMemoryStorage()
	keyStore := keys.NewStore(storage)
	if _, err := keyStore.EnsureKeyPair(); err != nil {
		t.Fatal(err)
	}
	issuer, err := keys.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	vehicleKey, err := keys.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	certs := keys.NewCertStore(keyStore, &testCertIssuer{issuer: issuer}, storage)
	car := vehicle.New(transport, keyStore, certs, backend)
	car.SetVehicleContext("42", "pairing-token")

	staleKey := make([]byte, session.SessionKeySizeBytes)
	freshKey := make([]byte, session.SessionKeySizeBytes)
	if _, err := rand.Read(staleKey); err != nil {
		t.Fatal(err)
	}
	if _, err := rand.Read(freshKey); err != nil {
		t.Fatal(err)
	}

	// The client starts on session-a; the vehicle has already rolled over to session-b.
	stale := protocol.SeededSession{
		SessionID:  "session-a",
		SessionKey: base64.StdEncoding.EncodeToString(staleKey),
		ExpiresAt:  protocol.NewTimestamp(time.Now().Add(10 * time.Minute)),
		VehicleID:  "42",
	}
	if _, err := car.Sessions().SeedFromServer("AA:BB", stale, vehicleKey.PublicBytes()); err != nil {
		t.Fatal(err)
	}

	grant := &account.SessionGrant{
		SeededSession: protocol.SeededSession{
			SessionID:  "session-b",
			SessionKey: base64.StdEncoding.EncodeToString(freshKey),
			ExpiresAt:  protocol.NewTimestamp(time.Now().Add(10 * time.Minute)),
			VehicleID:  "42",
		},
		VehiclePublicKey: hex.EncodeToString(vehicleKey.PublicBytes()),
	}
	backend.EXPECT().
		RefreshPKISession(gomock.Any(), "42", "pairing-token", "session-a").
		Return(grant, nil).
		Times(1)

	responses := [][]byte{
		signedVehicleResponse(t, vehicleKey, "session-b", freshKey, protocol.CommandUnlock),
		signedVehicleResponse(t, vehicleKey, "session-b", freshKey, protocol.CommandUnlock),
	}
	transport.EXPECT().State().Return(connector.StateConnected).AnyTimes()
	transport.EXPECT().DeviceID().Return("AA:BB").AnyTimes()
	transport.EXPECT().Write(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(context.Context) ([]byte, error) {
		if len(responses) == 0 {
			return nil, nil
		}
		next := responses[0]
		responses = responses[1:]
		return next, nil
	}).AnyTimes()

	response, err := car.Unlock(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !response.Success {
		t.Fatalf("unlock rejected after refresh: %s", response.Error)
	}

	cached, ok := car.Sessions().Cache().Lookup("vehicle:42")
	if !ok || cached.ID != "session-b" {
		t.Fatal("replacement session not cached")
	}
	if !cached.ExpiresAt.After(time.Now()) {
		t.Error("replacement session is not future-dated")
	}
}

func TestSendCommandRequiresConnection(t *testing.T) {
	car, _ := newSimClient(t, nil)
	_, err := car.Unlock(context.Background())
	if !errors.Is(err, protocol.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestSendCommandRequiresVehicleContext(t *testing.T) {
	car, _ := newSimClient(t, nil)
	car.SetVehicleContext("", "")
	connectSim(t, car)
	_, err := car.Unlock(context.Background())
	if !errors.Is(err, protocol.ErrVehicleContextUnavailable) {
		t.Errorf("expected ErrVehicleContextUnavailable, got %v", err)
	}
}

func TestConnectDropsLinkOnUnrecoverableSubscribe(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	transport := mocks.NewMockTransport(ctrl)

	storage := keys.NewMemoryStorage()
	keyStore := keys.NewStore(storage)
	if _, err := keyStore.EnsureKeyPair(); err != nil {
		t.Fatal(err)
	}
	car := vehicle.New(transport, keyStore, keys.NewCertStore(keyStore, nil, storage), nil)

	subscribeErr := connector.NewError(connector.KindLinkLost, "subscribe", errors.New("peer vanished"))
	transport.EXPECT().Connect(gomock.Any(), "AA:BB").Return(nil)
	transport.EXPECT().NegotiateMaxPayload(gomock.Any()).Return(connector.DefaultMaxPayload, nil)
	transport.EXPECT().Subscribe(gomock.Any()).Return(nil, subscribeErr)
	transport.EXPECT().Disconnect()

	err := car.Connect(context.Background(), "AA:BB")
	if !errors.Is(err, subscribeErr) {
		t.Errorf("expected subscribe failure to surface, got %v", err)
	}
}

func TestConnectFallsBackToPollingOnUnsupportedSubscribe(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	transport := mocks.NewMockTransport(ctrl)

	storage := keys.NewMemoryStorage()
	keyStore := keys.NewStore(storage)
	if _, err := keyStore.EnsureKeyPair(); err != nil {
		t.Fatal(err)
	}
	car := vehicle.New(transport, keyStore, keys.NewCertStore(keyStore, nil, storage), nil)

	transport.EXPECT().Connect(gomock.Any(), "AA:BB").Return(nil)
	transport.EXPECT().NegotiateMaxPayload(gomock.Any()).Return(connector.DefaultMaxPayload, nil)
	transport.EXPECT().Subscribe(gomock.Any()).Return(nil, connector.ErrNotSupported)

	if err := car.Connect(context.Background(), "AA:BB"); err != nil {
		t.Fatal(err)
	}
}
