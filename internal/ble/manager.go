package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrConnect wraps transport-level connect failures.
	ErrConnect = errors.New("connect failed")
	// ErrDiscovery wraps service or characteristic enumeration failures.
	ErrDiscovery = errors.New("discovery failed")
	// ErrServiceNotFound means the peripheral lacks the configured service.
	ErrServiceNotFound = errors.New("service not found")
	// ErrCharacteristicNotFound means the configured characteristic is missing.
	ErrCharacteristicNotFound = errors.New("characteristic not found")
	// ErrUnexpectedDisconnect reports a link loss the host did not request.
	ErrUnexpectedDisconnect = errors.New("unexpected disconnect")
	// ErrSuperseded is returned when a newer attempt replaced this one.
	ErrSuperseded = errors.New("connection attempt superseded")
)

// Phase is the connection lifecycle step.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseScanning
	PhaseConnecting
	PhaseDiscovering
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseScanning:
		return "scanning"
	case PhaseConnecting:
		return "connecting"
	case PhaseDiscovering:
		return "discovering"
	case PhaseReady:
		return "ready"
	default:
		return "disconnected"
	}
}

// State is the connection state owned by a Manager.
type State struct {
	Phase          Phase
	Device         Device
	Characteristic Characteristic // non-nil only when Phase is PhaseReady
	Reason         error          // why the link is down, if it failed
	Generation     uint64         // attempt counter, bumped by each Connect
}

// ManagerOptions configures the connection manager.
type ManagerOptions struct {
	ServiceUUID        string        // empty matches any service
	CharacteristicUUID string        // required
	ConnectTimeout     time.Duration // bounds adapter Connect; 0 means no bound
}

// DefaultManagerOptions returns the HM-10 UART characteristic settings.
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		ServiceUUID:        ServiceUUID,
		CharacteristicUUID: CharacteristicUUID,
		ConnectTimeout:     10 * time.Second,
	}
}

// Manager connects to a peripheral, resolves the UART characteristic, and
// tracks the link until it drops. It holds at most one connection.
type Manager struct {
	adapter Adapter
	opts    ManagerOptions

	mu       sync.Mutex
	state    State
	conn     Connection
	listener func(State)
}

// NewManager creates a Manager on adapter.
func NewManager(adapter Adapter, opts ManagerOptions) *Manager {
	if opts.CharacteristicUUID == "" {
		opts.CharacteristicUUID = CharacteristicUUID
	}
	opts.ServiceUUID = NormalizeUUID(opts.ServiceUUID)
	opts.CharacteristicUUID = NormalizeUUID(opts.CharacteristicUUID)
	return &Manager{adapter: adapter, opts: opts}
}

// OnStateChange registers fn to receive every state transition. fn runs
// outside the manager's lock and must not block for long.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = fn
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetScanning records that a scan for the next attempt is in progress.
func (m *Manager) SetScanning() {
	m.mu.Lock()
	if m.state.Phase != PhaseDisconnected {
		m.mu.Unlock()
		return
	}
	m.state = State{Phase: PhaseScanning, Generation: m.state.Generation}
	m.emitLocked()
}

// ScanFailed returns a scanning manager to Disconnected with reason.
func (m *Manager) ScanFailed(reason error) {
	m.mu.Lock()
	if m.state.Phase != PhaseScanning {
		m.mu.Unlock()
		return
	}
	m.state = State{Phase: PhaseDisconnected, Reason: reason, Generation: m.state.Generation}
	m.emitLocked()
}

// Connect tears down any previous connection, connects to d, and resolves
// the configured characteristic. Every failure leaves the manager
// Disconnected with the failure as Reason.
func (m *Manager) Connect(ctx context.Context, d Device) (Characteristic, error) {
	m.mu.Lock()
	old := m.conn
	m.conn = nil
	gen := m.state.Generation + 1
	m.state = State{Phase: PhaseConnecting, Device: d, Generation: gen}
	m.emitLocked()

	if old != nil {
		slog.Debug("[BLE] dropping previous connection", "address", old.Address())
		if err := old.Disconnect(); err != nil {
			slog.Warn("[BLE] disconnect previous", "error", err)
		}
	}

	slog.Info("[BLE] connecting", "name", d.Name, "address", d.Address)
	cctx := ctx
	if m.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, m.opts.ConnectTimeout)
		defer cancel()
	}
	conn, err := m.adapter.Connect(cctx, d.Address)
	if err != nil {
		return nil, m.fail(gen, nil, fmt.Errorf("ble: connect to %s: %w: %w", d.Address, ErrConnect, err))
	}

	m.mu.Lock()
	if m.state.Generation != gen {
		m.mu.Unlock()
		_ = conn.Disconnect()
		return nil, fmt.Errorf("ble: connect to %s: %w", d.Address, ErrSuperseded)
	}
	m.conn = conn
	m.state.Phase = PhaseDiscovering
	m.emitLocked()

	conn.OnDisconnect(func() { m.handleDisconnect(gen) })

	char, err := m.resolve(conn)
	if err != nil {
		return nil, m.fail(gen, conn, err)
	}

	m.mu.Lock()
	if m.state.Generation != gen {
		m.mu.Unlock()
		return nil, fmt.Errorf("ble: connect to %s: %w", d.Address, ErrSuperseded)
	}
	if m.state.Phase != PhaseDiscovering {
		// Link dropped while discovering.
		reason := m.state.Reason
		m.mu.Unlock()
		return nil, reason
	}
	m.state.Phase = PhaseReady
	m.state.Characteristic = char
	m.emitLocked()

	slog.Info("[BLE] ready", "address", d.Address, "characteristic", char.UUID(),
		"write_without_response", char.Properties().WriteWithoutResponse, "notify", char.Properties().Notify)
	return char, nil
}

// resolve walks every service and characteristic looking for the
// configured endpoint.
func (m *Manager) resolve(conn Connection) (Characteristic, error) {
	services, err := conn.DiscoverServices()
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w: %w", ErrDiscovery, err)
	}

	serviceSeen := false
	for _, svc := range services {
		if m.opts.ServiceUUID != "" && NormalizeUUID(svc.UUID()) != m.opts.ServiceUUID {
			continue
		}
		serviceSeen = true
		chars, err := svc.DiscoverCharacteristics()
		if err != nil {
			return nil, fmt.Errorf("ble: discover characteristics of %s: %w: %w", svc.UUID(), ErrDiscovery, err)
		}
		for _, c := range chars {
			if NormalizeUUID(c.UUID()) == m.opts.CharacteristicUUID {
				return c, nil
			}
		}
	}
	if !serviceSeen {
		return nil, fmt.Errorf("ble: service %s: %w", m.opts.ServiceUUID, ErrServiceNotFound)
	}
	return nil, fmt.Errorf("ble: characteristic %s: %w", m.opts.CharacteristicUUID, ErrCharacteristicNotFound)
}

// fail moves attempt gen to Disconnected with reason. conn, if given, is
// torn down. A superseded attempt leaves the current state alone.
func (m *Manager) fail(gen uint64, conn Connection, reason error) error {
	slog.Error("[BLE] connection failed", "error", reason)
	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			slog.Warn("[BLE] disconnect after failure", "error", err)
		}
	}

	m.mu.Lock()
	if m.state.Generation != gen {
		m.mu.Unlock()
		return reason
	}
	if m.conn == conn {
		m.conn = nil
	}
	m.state = State{Phase: PhaseDisconnected, Device: m.state.Device, Reason: reason, Generation: gen}
	m.emitLocked()
	return reason
}

// handleDisconnect is the transport link-loss callback for attempt gen.
func (m *Manager) handleDisconnect(gen uint64) {
	m.mu.Lock()
	if m.state.Generation != gen || m.state.Phase == PhaseDisconnected {
		m.mu.Unlock()
		slog.Debug("[BLE] ignoring stale disconnect", "generation", gen)
		return
	}
	slog.Warn("[BLE] disconnected", "address", m.state.Device.Address)
	m.conn = nil
	m.state = State{
		Phase:      PhaseDisconnected,
		Device:     m.state.Device,
		Reason:     fmt.Errorf("ble: %s: %w", m.state.Device.Address, ErrUnexpectedDisconnect),
		Generation: gen,
	}
	m.emitLocked()
}

// Disconnect closes the current connection. The resulting state has no
// Reason because the host asked for it.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	gen := m.state.Generation + 1
	m.state = State{Phase: PhaseDisconnected, Device: m.state.Device, Generation: gen}
	m.emitLocked()

	if conn == nil {
		return nil
	}
	if err := conn.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect: %w", err)
	}
	return nil
}

// emitLocked releases mu and hands a copy of the state to the listener.
// Caller must hold mu.
func (m *Manager) emitLocked() {
	st := m.state
	fn := m.listener
	m.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}
