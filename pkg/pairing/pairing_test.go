package pairing_test

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/4ourtune/dks-client-sub000/pkg/account"
	"github.com/4ourtune/dks-client-sub000/pkg/connector"
	"github.com/4ourtune/dks-client-sub000/pkg/keys"
	"github.com/4ourtune/dks-client-sub000/pkg/pairing"
	"github.com/4ourtune/dks-client-sub000/pkg/protocol"
)

// fakeTransport scripts a device that advertises once, publishes a pairing challenge after
// connection, and records every write.
type fakeTransport struct {
	mu        sync.Mutex
	state     connector.State
	deviceID  string
	challenge []byte
	writes    [][]byte
}

func (t *fakeTransport) Scan(ctx context.Context, filter connector.ScanFilter) (<-chan connector.DiscoveredDevice, error) {
	devices := make(chan connector.DiscoveredDevice, 2)
	for _, d := range []connector.DiscoveredDevice{
		{ID: "AA:BB:CC:DD:EE:FF", LocalName: "DKS-Vehicle", RSSI: -60},
		{ID: "11:22:33:44:55:66", LocalName: "SomethingElse", RSSI: -80},
	} {
		if filter.Accept(d) {
			devices <- d
		}
	}
	close(devices)
	return devices, nil
}

func (t *fakeTransport) Connect(ctx context.Context, deviceID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = connector.StateConnected
	t.deviceID = deviceID
	return nil
}

func (t *fakeTransport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = connector.StateDisconnected
	t.deviceID = ""
}

func (t *fakeTransport) Write(ctx context.Context, p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes = append(t.writes, append([]byte{}, p...))
	return nil
}

func (t *fakeTransport) Subscribe(ctx context.Context) (<-chan []byte, error) {
	return nil, connector.ErrNotSupported
}

func (t *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != connector.StateConnected {
		return nil, connector.NewError(connector.KindLinkLost, "read", errors.New("not connected"))
	}
	wrapper := map[string]string{
		"challenge": base64.StdEncoding.EncodeToString(t.challenge),
	}
	encoded, err := json.Marshal(wrapper)
	if err != nil {
		return nil, err
	}
	return encoded, nil
}

func (t *fakeTransport) NegotiateMaxPayload(ctx context.Context) (int, error) {
	return connector.DefaultMaxPayload, nil
}

func (t *fakeTransport) State() connector.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTransport) DeviceID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deviceID
}

func (t *fakeTransport) writeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.writes)
}

// fakeBackend scripts the PIN budget and finalization outcome.
type fakeBackend struct {
	mu            sync.Mutex
	correctPIN    string
	attempts      int
	confirmCalls  int
	finalizeCalls int
	finalizeErrs  []error
}

func (b *fakeBackend) ConfirmPairingPin(ctx context.Context, vehicleID, pin string) (*account.PairingGrant, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.confirmCalls++
	if pin != b.correctPIN {
		b.attempts--
		return nil, &protocol.PinError{AttemptsRemaining: b.attempts}
	}
	return &account.PairingGrant{PairingToken: "pairing-token", VehicleID: vehicleID}, nil
}

func (b *fakeBackend) FinalizePairing(ctx context.Context, vehicleID, deviceID, pairingToken string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finalizeCalls++
	if len(b.finalizeErrs) > 0 {
		err := b.finalizeErrs[0]
		b.finalizeErrs = b.finalizeErrs[1:]
		return err
	}
	return nil
}

type fakeCertBackend struct{}

func (fakeCertBackend) RequestUserCertificate(ctx context.Context, vehicleID, publicKeyHex string, permissions keys.Permissions) (*keys.UserCertificate, error) {
	now := time.Now()
	return &keys.UserCertificate{
		Certificate: keys.Certificate{
			ID:        "cert-1",
			PublicKey: publicKeyHex,
			NotBefore: protocol.NewTimestamp(now.Add(-time.Minute)),
			NotAfter:  protocol.NewTimestamp(now.Add(time.Hour)),
			Version:   1,
		},
		VehicleID:   vehicleID,
		Permissions: permissions,
		KeyID:       "key-1",
	}, nil
}

func (fakeCertBackend) GetRootCA(ctx context.Context) (*keys.Certificate, error) {
	return nil, errors.New("not needed")
}

var _ = Describe("Pairing Machine", func() {
	var (
		ctx       context.Context
		transport *fakeTransport
		backend   *fakeBackend
		machine   *pairing.Machine
		challenge []byte
	)

	BeforeEach(func() {
		ctx = context.Background()
		challenge = []byte("vehicle-challenge-nonce")
		transport = &fakeTransport{challenge: challenge}
		backend = &fakeBackend{correctPIN: "1234", attempts: 3}

		storage := keys.NewMemoryStorage()
		keyStore := keys.NewStore(storage)
		_, err := keyStore.EnsureKeyPair()
		Expect(err).NotTo(HaveOccurred())
		certs := keys.NewCertStore(keyStore, fakeCertBackend{}, storage)
		machine = pairing.NewMachine(transport, backend, certs)
	})

	advanceToChallenge := func() {
		devices, err := machine.StartScan(ctx, "42", []string{"AA:BB:CC:DD:EE:FF"})
		Expect(err).NotTo(HaveOccurred())
		Expect(machine.State()).To(Equal(pairing.StateScanning))

		device, ok := <-devices
		Expect(ok).To(BeTrue())
		Expect(device.ID).To(Equal("AA:BB:CC:DD:EE:FF"))

		Expect(machine.SelectDevice(device)).To(Succeed())
		Expect(machine.State()).To(Equal(pairing.StateDeviceSelected))

		Expect(machine.Connect(ctx)).To(Succeed())
		Expect(machine.ReadChallenge(ctx)).To(Succeed())
		Expect(machine.State()).To(Equal(pairing.StateChallenge))
	}

	Describe("happy path", func() {
		It("walks every state through to completion", func() {
			advanceToChallenge()

			Expect(machine.SubmitPIN(ctx, "1234")).To(Succeed())
			Expect(machine.State()).To(Equal(pairing.StateRegistering))

			Expect(machine.Complete(ctx)).To(Succeed())
			Expect(machine.State()).To(Equal(pairing.StateCompleted))

			result := machine.Result()
			Expect(result).NotTo(BeNil())
			Expect(result.VehicleID).To(Equal("42"))
			Expect(result.DeviceID).To(Equal("AA:BB:CC:DD:EE:FF"))
			Expect(result.PairingToken).To(Equal("pairing-token"))
			Expect(result.Certificate).NotTo(BeNil())
			Expect(backend.finalizeCalls).To(Equal(1))
		})

		It("sends a credential derived from challenge and token", func() {
			advanceToChallenge()
			Expect(machine.SubmitPIN(ctx, "1234")).To(Succeed())
			Expect(machine.Complete(ctx)).To(Succeed())

			Expect(transport.writes).To(HaveLen(1))
			var packet struct {
				Version    int    `json:"version"`
				Type       string `json:"type"`
				Credential string `json:"credential"`
			}
			Expect(json.Unmarshal(transport.writes[0], &packet)).To(Succeed())
			Expect(packet.Type).To(Equal("pair_complete"))

			digest := sha256.Sum256(append(append([]byte{}, challenge...), []byte("pairing-token")...))
			Expect(packet.Credential).To(Equal(base64.StdEncoding.EncodeToString(digest[:])))
		})

		It("filters scan results to the expected devices", func() {
			devices, err := machine.StartScan(ctx, "42", []string{"AA:BB:CC:DD:EE:FF"})
			Expect(err).NotTo(HaveOccurred())
			var seen []string
			for d := range devices {
				seen = append(seen, d.ID)
			}
			Expect(seen).To(ConsistOf("AA:BB:CC:DD:EE:FF"))
		})
	})

	Describe("PIN attempts", func() {
		It("stays in the challenge state while attempts remain", func() {
			advanceToChallenge()

			err := machine.SubmitPIN(ctx, "0000")
			var pinErr *protocol.PinError
			Expect(errors.As(err, &pinErr)).To(BeTrue())
			Expect(pinErr.AttemptsRemaining).To(Equal(2))
			Expect(machine.State()).To(Equal(pairing.StateChallenge))
			Expect(machine.AttemptsRemaining()).To(Equal(2))

			Expect(machine.SubmitPIN(ctx, "1234")).To(Succeed())
			Expect(machine.State()).To(Equal(pairing.StateRegistering))
		})

		It("fails fast once the attempt budget is exhausted", func() {
			backend.attempts = 1
			advanceToChallenge()

			err := machine.SubmitPIN(ctx, "0000")
			var pinErr *protocol.PinError
			Expect(errors.As(err, &pinErr)).To(BeTrue())
			Expect(pinErr.AttemptsRemaining).To(Equal(0))
			Expect(machine.State()).To(Equal(pairing.StateError))

			// Exhaustion is terminal: the backend must not see further submissions.
			calls := backend.confirmCalls
			err = machine.SubmitPIN(ctx, "1234")
			Expect(err).To(HaveOccurred())
			Expect(backend.confirmCalls).To(Equal(calls))
		})
	})

	Describe("finalization retry", func() {
		It("retries finalization without resending the credential", func() {
			backend.finalizeErrs = []error{errors.New("backend unreachable")}
			advanceToChallenge()
			Expect(machine.SubmitPIN(ctx, "1234")).To(Succeed())

			Expect(machine.Complete(ctx)).NotTo(Succeed())
			Expect(machine.State()).To(Equal(pairing.StateError))
			writesAfterFailure := transport.writeCount()

			Expect(machine.RetryFinalize(ctx)).To(Succeed())
			Expect(machine.State()).To(Equal(pairing.StateCompleted))
			Expect(transport.writeCount()).To(Equal(writesAfterFailure))
			Expect(backend.finalizeCalls).To(Equal(2))
		})

		It("rejects retry when no finalization is pending", func() {
			Expect(machine.RetryFinalize(ctx)).NotTo(Succeed())
		})
	})

	Describe("state discipline", func() {
		It("rejects operations out of sequence", func() {
			Expect(machine.Connect(ctx)).NotTo(Succeed())
			Expect(machine.SubmitPIN(ctx, "1234")).NotTo(Succeed())
			Expect(machine.Complete(ctx)).NotTo(Succeed())
		})

		It("cancels from mid-flow back to idle", func() {
			advanceToChallenge()
			Expect(transport.State()).To(Equal(connector.StateConnected))

			machine.Cancel()
			Expect(machine.State()).To(Equal(pairing.StateIdle))
			Expect(transport.State()).To(Equal(connector.StateDisconnected))
			Expect(machine.Result()).To(BeNil())
			Expect(machine.AttemptsRemaining()).To(Equal(-1))
		})

		It("resets only from the error state", func() {
			Expect(machine.Reset()).NotTo(Succeed())

			backend.attempts = 1
			advanceToChallenge()
			_ = machine.SubmitPIN(ctx, "0000")
			Expect(machine.State()).To(Equal(pairing.StateError))

			Expect(machine.Reset()).To(Succeed())
			Expect(machine.State()).To(Equal(pairing.StateIdle))
			Expect(machine.Err()).To(BeNil())
		})
	})
})
