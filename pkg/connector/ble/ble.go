// Package ble implements the transport interface over Bluetooth Low Energy using go-ble.
//
// The vehicle control unit exposes one GATT service with a write characteristic (client to
// vehicle) and a notify characteristic (vehicle to client). Chunked packets are written whole;
// each chunk is sized to fit the negotiated payload budget.
package ble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"

	"github.com/4ourtune/dks-client-sub000/internal/log"
	"github.com/4ourtune/dks-client-sub000/pkg/connector"
)

const (
	vehicleServiceUUID = "0000d100-9071-4bbc-94e2-0f6a38f2b912"
	toVehicleUUID      = "0000d101-9071-4bbc-94e2-0f6a38f2b912"
	fromVehicleUUID    = "0000d102-9071-4bbc-94e2-0f6a38f2b912"

	attHeaderBytes = 3
	maxMessageSize = 1024
)

var (
	adapterMu sync.Mutex
	adapter   ble.Device
)

// initAdapter creates (or reuses) the platform BLE device. Multiple calls to newDevice on Linux
// fail, so the adapter is process-global.
func initAdapter() error {
	adapterMu.Lock()
	defer adapterMu.Unlock()
	if adapter != nil {
		return nil
	}
	device, err := newDevice()
	if err != nil {
		return fmt.Errorf("ble: failed to enable device: %w", err)
	}
	adapter = device
	ble.SetDefaultDevice(device)
	return nil
}

// Transport is a BLE-backed connector.Transport.
type Transport struct {
	mu         sync.Mutex
	state      connector.State
	deviceID   string
	client     ble.Client
	txChar     *ble.Characteristic
	rxChar     *ble.Characteristic
	inbox      chan []byte
	subscribed bool
	maxPayload int
}

// NewTransport initializes the BLE adapter and returns a disconnected transport.
func NewTransport() (*Transport, error) {
	if err := initAdapter(); err != nil {
		return nil, err
	}
	return &Transport{state: connector.StateDisconnected}, nil
}

func (t *Transport) State() connector.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) DeviceID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deviceID
}

func (t *Transport) setState(s connector.State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Scan streams advertisements passing the filter until ctx expires.
func (t *Transport) Scan(ctx context.Context, filter connector.ScanFilter) (<-chan connector.DiscoveredDevice, error) {
	if adapter == nil {
		return nil, connector.NewError(connector.KindNotSupported, "scan", fmt.Errorf("adapter not initialized"))
	}
	t.setState(connector.StateScanning)
	out := make(chan connector.DiscoveredDevice, 8)
	scanCtx, cancel := context.WithTimeout(ctx, connector.ScanTimeout)

	handler := func(a ble.Advertisement) {
		device := connector.DiscoveredDevice{
			ID:        a.Addr().String(),
			LocalName: a.LocalName(),
			RSSI:      a.RSSI(),
		}
		if !filter.Accept(device) {
			return
		}
		select {
		case out <- device:
		case <-scanCtx.Done():
		}
	}

	go func() {
		defer cancel()
		defer close(out)
		defer t.setState(connector.StateDisconnected)
		if err := adapter.Scan(scanCtx, false, handler); err != nil && scanCtx.Err() == nil {
			log.Warning("ble: scan terminated: %s", err)
		}
	}()
	return out, nil
}

// Connect dials a discovered device and resolves the vehicle service characteristics.
func (t *Transport) Connect(ctx context.Context, deviceID string) error {
	t.setState(connector.StateConnecting)
	dialCtx, cancel := context.WithTimeout(ctx, connector.ConnectTimeout)
	defer cancel()

	client, err := adapter.Dial(dialCtx, ble.NewAddr(deviceID))
	if err != nil {
		t.setState(connector.StateDisconnected)
		return connector.Classify("connect", err)
	}

	services, err := client.DiscoverServices([]ble.UUID{ble.MustParse(vehicleServiceUUID)})
	if err != nil || len(services) == 0 {
		_ = client.CancelConnection()
		t.setState(connector.StateDisconnected)
		return connector.NewError(connector.KindEndpointMissing, "connect", fmt.Errorf("vehicle service not found: %v", err))
	}

	chars, err := client.DiscoverCharacteristics(
		[]ble.UUID{ble.MustParse(toVehicleUUID), ble.MustParse(fromVehicleUUID)}, services[0])
	if err != nil {
		_ = client.CancelConnection()
		t.setState(connector.StateDisconnected)
		return connector.NewError(connector.KindEndpointMissing, "connect", err)
	}
	var tx, rx *ble.Characteristic
	for _, c := range chars {
		switch {
		case c.UUID.Equal(ble.MustParse(toVehicleUUID)):
			tx = c
		case c.UUID.Equal(ble.MustParse(fromVehicleUUID)):
			rx = c
		}
		if _, err := client.DiscoverDescriptors(nil, c); err != nil {
			log.Warning("ble: couldn't fetch descriptors: %s", err)
		}
	}
	if tx == nil || rx == nil {
		_ = client.CancelConnection()
		t.setState(connector.StateDisconnected)
		return connector.NewError(connector.KindEndpointMissing, "connect", fmt.Errorf("required characteristics not found"))
	}

	t.mu.Lock()
	t.client = client
	t.txChar = tx
	t.rxChar = rx
	t.deviceID = deviceID
	t.inbox = make(chan []byte, 16)
	t.subscribed = false
	t.state = connector.StateConnected
	t.mu.Unlock()
	log.Info("ble: connected to %s", deviceID)
	return nil
}

// Disconnect drops the link. Idempotent.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.txChar = nil
	t.rxChar = nil
	t.deviceID = ""
	t.subscribed = false
	t.state = connector.StateDisconnected
	t.mu.Unlock()
	if client != nil {
		_ = client.ClearSubscriptions()
		if err := client.CancelConnection(); err != nil {
			log.Warning("ble: failed to close connection: %s", err)
		}
	}
}

func (t *Transport) connection() (ble.Client, *ble.Characteristic, *ble.Characteristic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil || t.state != connector.StateConnected {
		return nil, nil, nil, connector.NewError(connector.KindLinkLost, "write", fmt.Errorf("not connected"))
	}
	return t.client, t.txChar, t.rxChar, nil
}

// Write sends one buffer over the write characteristic.
func (t *Transport) Write(ctx context.Context, p []byte) error {
	client, tx, _, err := t.connection()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return connector.NewError(connector.KindCancelled, "write", err)
	}
	log.Debug("ble: TX %d bytes", len(p))
	if err := client.WriteCharacteristic(tx, p, false); err != nil {
		return connector.Classify("write", err)
	}
	return nil
}

// Subscribe enables notifications on the read characteristic and returns the inbound stream.
// Some platform stacks reject the descriptor write when notifications are already enabled; that
// rejection is treated as "already active" rather than a failure. This is a best-effort
// compatibility shim; the stacks give us no way to confirm the assumption.
func (t *Transport) Subscribe(ctx context.Context) (<-chan []byte, error) {
	client, _, rx, err := t.connection()
	if err != nil {
		return nil, connector.NewError(connector.KindLinkLost, "subscribe", err)
	}
	t.mu.Lock()
	if t.subscribed {
		inbox := t.inbox
		t.mu.Unlock()
		return inbox, nil
	}
	inbox := t.inbox
	t.mu.Unlock()

	handler := func(p []byte) {
		buf := make([]byte, len(p))
		copy(buf, p)
		log.Debug("ble: RX %d bytes", len(buf))
		select {
		case inbox <- buf:
		default:
			log.Error("ble: dropping notification, inbox full")
		}
	}
	if err := client.Subscribe(rx, false, handler); err != nil {
		classified := connector.Classify("subscribe", err)
		if classified.Kind == connector.KindRejected {
			log.Warning("ble: descriptor write rejected, assuming notifications already active")
		} else {
			return nil, classified
		}
	}
	t.mu.Lock()
	t.subscribed = true
	t.mu.Unlock()
	return inbox, nil
}

// Read performs one polling read of the read characteristic.
func (t *Transport) Read(ctx context.Context) ([]byte, error) {
	client, _, rx, err := t.connection()
	if err != nil {
		return nil, connector.NewError(connector.KindLinkLost, "read", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, connector.NewError(connector.KindCancelled, "read", err)
	}
	data, err := client.ReadCharacteristic(rx)
	if err != nil {
		return nil, connector.Classify("read", err)
	}
	return data, nil
}

// NegotiateMaxPayload exchanges MTU with the peer, falling back to the conservative default when
// the platform refuses.
func (t *Transport) NegotiateMaxPayload(ctx context.Context) (int, error) {
	t.mu.Lock()
	if t.maxPayload > 0 {
		cached := t.maxPayload
		t.mu.Unlock()
		return cached, nil
	}
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return 0, connector.NewError(connector.KindLinkLost, "negotiate", fmt.Errorf("not connected"))
	}

	budget := connector.DefaultMaxPayload
	if mtu, err := client.ExchangeMTU(ble.MaxMTU); err == nil {
		if mtu > maxMessageSize {
			mtu = maxMessageSize
		}
		budget = mtu - attHeaderBytes
		log.Debug("ble: negotiated MTU %d", mtu)
	} else {
		log.Warning("ble: MTU exchange failed, using %d-byte default: %s", budget, err)
	}
	t.mu.Lock()
	t.maxPayload = budget
	t.mu.Unlock()
	return budget, nil
}
