// Package device owns per-device connection lifecycle and the
// command/response protocol over the low-power link.
package device

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/surveylink/surveylink/internal/codec"
	"github.com/surveylink/surveylink/internal/transport"
	"github.com/surveylink/surveylink/pkg/types"
)

// DefaultNamePrefix matches advertisements from survey devices that are not
// yet in the known-address list.
const DefaultNamePrefix = "SURV-"

const defaultRetryDelay = 500 * time.Millisecond

// EventType identifies a lifecycle event.
type EventType string

const (
	EventScanning     EventType = "scanning"
	EventDeviceFound  EventType = "deviceFound"
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
)

// Event is a lifecycle notification delivered to subscribed listeners.
type Event struct {
	Type     EventType
	DeviceID string
	Device   *types.Device
	Scanning bool
}

// ScanOptions control one discovery window.
type ScanOptions struct {
	TargetAddress    string
	TargetNamePrefix string
	KnownAddresses   []string
	Timeout          time.Duration
}

// ConnectOptions control one connect attempt sequence.
type ConnectOptions struct {
	Timeout    time.Duration
	RetryCount int
	RequestMTU int
}

// SendOptions control one command exchange.
type SendOptions struct {
	Timeout        time.Duration
	RetryOnTimeout bool
}

// connState is the manager-internal record for one tracked device. The
// command mutex serializes SendCommand calls on a connection; the
// correlation slot holds at most one outstanding command.
type connState struct {
	conn       types.Connection
	cmdMu      sync.Mutex
	subscribed atomic.Bool

	corrMu sync.Mutex
	corrCh chan types.Notification
}

// Manager is the device connectivity manager. The connection map is the
// single source of truth for connection state and is mutated only here.
type Manager struct {
	transport  transport.Transport
	logger     *slog.Logger
	retryDelay time.Duration

	mu    sync.RWMutex
	conns map[string]*connState

	listenerMu   sync.Mutex
	listeners    map[int]func(Event)
	nextListener int

	scanMu     sync.Mutex
	scanCancel context.CancelFunc
}

// NewManager builds a manager over the given transport.
func NewManager(tr transport.Transport, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		transport:  tr,
		logger:     logger,
		retryDelay: defaultRetryDelay,
		conns:      make(map[string]*connState),
		listeners:  make(map[int]func(Event)),
	}
}

// OnEvent subscribes a listener to lifecycle events and returns its
// unsubscribe function. Listener panics are caught and logged.
func (m *Manager) OnEvent(listener func(Event)) func() {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = listener
	return func() {
		m.listenerMu.Lock()
		defer m.listenerMu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *Manager) emit(ev Event) {
	m.listenerMu.Lock()
	listeners := make([]func(Event), 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.listenerMu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("event listener panicked", "event", ev.Type, "panic", r)
				}
			}()
			l(ev)
		}()
	}
}

// Scan opens a discovery window and returns the devices seen, deduplicated
// by transport id and sorted by descending RSSI. Cancelling ctx before the
// timeout stops the underlying scan; the scanning=false event is emitted
// exactly once either way.
func (m *Manager) Scan(ctx context.Context, opts ScanOptions) ([]types.Device, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	prefix := opts.TargetNamePrefix
	if prefix == "" {
		prefix = DefaultNamePrefix
	}
	known := make(map[string]bool, len(opts.KnownAddresses))
	for _, addr := range opts.KnownAddresses {
		known[normalizeAddress(addr)] = true
	}
	target := normalizeAddress(opts.TargetAddress)

	scanCtx, cancel := context.WithCancel(ctx)
	m.scanMu.Lock()
	if m.scanCancel != nil {
		m.scanMu.Unlock()
		cancel()
		return nil, types.NewError(types.CodeScanFailed, "scan already in progress")
	}
	m.scanCancel = cancel
	m.scanMu.Unlock()

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			m.transport.StopScan()
			cancel()
			m.scanMu.Lock()
			m.scanCancel = nil
			m.scanMu.Unlock()
			m.emit(Event{Type: EventScanning, Scanning: false})
		})
	}
	defer stop()

	var (
		foundMu sync.Mutex
		found   = make(map[string]*types.Device)
	)
	onAdvert := func(ad transport.Advertisement) {
		// A stopped scan must not keep mutating results.
		if scanCtx.Err() != nil {
			return
		}
		addr := normalizeAddress(ad.Address)
		match := known[addr] || (target != "" && addr == target) || strings.HasPrefix(ad.Name, prefix)
		if !match {
			return
		}

		foundMu.Lock()
		dev, seen := found[ad.TransportID]
		if seen {
			dev.RSSI = ad.RSSI
			dev.LastSeen = time.Now()
			foundMu.Unlock()
			return
		}
		dev = &types.Device{
			TransportID: ad.TransportID,
			Address:     addr,
			Name:        ad.Name,
			RSSI:        ad.RSSI,
			LastSeen:    time.Now(),
		}
		found[ad.TransportID] = dev
		// Listeners get their own copy; repeat sightings keep mutating dev.
		snapshot := *dev
		foundMu.Unlock()

		m.emit(Event{Type: EventDeviceFound, DeviceID: ad.TransportID, Device: &snapshot})
	}

	m.emit(Event{Type: EventScanning, Scanning: true})

	errCh := make(chan error, 1)
	go func() { errCh <- m.transport.Scan(scanCtx, onAdvert) }()

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	// The window stays open for the full timeout; an early transport return
	// without error does not shorten it. StopScan or ctx cancellation ends
	// the window immediately via scanCtx.
	for done := false; !done; {
		select {
		case <-timer.C:
			done = true
		case <-scanCtx.Done():
			done = true
		case err := <-errCh:
			if err != nil && scanCtx.Err() == nil {
				stop()
				return nil, types.WrapError(types.CodeScanFailed, err, "transport scan failed")
			}
			errCh = nil
		}
	}
	stop()

	foundMu.Lock()
	devices := make([]types.Device, 0, len(found))
	for _, dev := range found {
		devices = append(devices, *dev)
	}
	foundMu.Unlock()

	sort.Slice(devices, func(i, j int) bool { return devices[i].RSSI > devices[j].RSSI })
	return devices, nil
}

// StopScan cancels an active discovery window, if any.
func (m *Manager) StopScan() {
	m.scanMu.Lock()
	cancel := m.scanCancel
	m.scanMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Connect ensures a connection to the device. Connecting to an already
// connected device returns the existing connection unchanged.
func (m *Manager) Connect(ctx context.Context, deviceID string, opts ConnectOptions) (types.Connection, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryCount <= 0 {
		opts.RetryCount = 3
	}

	m.mu.Lock()
	if state, ok := m.conns[deviceID]; ok && state.conn.Status == types.StatusConnected {
		conn := state.conn
		m.mu.Unlock()
		return conn, nil
	}
	state := &connState{conn: types.Connection{
		DeviceID:     deviceID,
		Status:       types.StatusConnecting,
		LastActivity: time.Now(),
	}}
	m.conns[deviceID] = state
	m.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= opts.RetryCount; attempt++ {
		// A concurrent disconnect removes the entry and abandons the
		// connect operation.
		m.mu.RLock()
		current, ok := m.conns[deviceID]
		m.mu.RUnlock()
		if !ok || current != state {
			return types.Connection{}, types.NewError(types.CodeConnectFailed, "connect to %s abandoned", deviceID)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		err := m.transport.Connect(attemptCtx, deviceID)
		cancel()
		if err == nil {
			mtu := 0
			if opts.RequestMTU > 0 {
				granted, mtuErr := m.transport.RequestMTU(deviceID, opts.RequestMTU)
				if mtuErr != nil {
					m.logger.Warn("mtu negotiation failed", "device", deviceID, "error", mtuErr)
				} else {
					mtu = granted
				}
			}

			m.mu.Lock()
			state.conn.Status = types.StatusConnected
			state.conn.ConnectedAt = time.Now()
			state.conn.LastActivity = time.Now()
			state.conn.MTU = mtu
			state.conn.Err = ""
			conn := state.conn
			m.mu.Unlock()

			m.emit(Event{Type: EventConnected, DeviceID: deviceID})
			return conn, nil
		}

		lastErr = err
		m.logger.Warn("connect attempt failed", "device", deviceID, "attempt", attempt, "error", err)
		if attempt < opts.RetryCount {
			select {
			case <-time.After(m.retryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = opts.RetryCount
			}
		}
	}

	// The error entry stays in the map until an explicit disconnect.
	m.mu.Lock()
	state.conn.Status = types.StatusError
	if lastErr != nil {
		state.conn.Err = lastErr.Error()
	}
	m.mu.Unlock()

	return types.Connection{}, types.WrapError(types.CodeConnectFailed, lastErr, "connect to %s failed after %d attempts", deviceID, opts.RetryCount)
}

// Disconnect tears down the device's connection. Unknown devices are a no-op.
// Teardown is best effort; the map entry is removed regardless of errors.
func (m *Manager) Disconnect(deviceID, reason string) error {
	m.mu.Lock()
	state, ok := m.conns[deviceID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	state.conn.Status = types.StatusDisconnecting
	m.mu.Unlock()

	if state.subscribed.Load() {
		if err := m.transport.Unsubscribe(deviceID); err != nil {
			m.logger.Warn("unsubscribe failed during disconnect", "device", deviceID, "error", err)
		}
	}
	if err := m.transport.Disconnect(deviceID); err != nil {
		m.logger.Warn("transport disconnect failed", "device", deviceID, "error", err)
	}

	m.mu.Lock()
	delete(m.conns, deviceID)
	m.mu.Unlock()

	m.logger.Info("device disconnected", "device", deviceID, "reason", reason)
	m.emit(Event{Type: EventDisconnected, DeviceID: deviceID})
	return nil
}

// SendCommand validates, encodes and writes cmd, then waits for the next
// notification on the connection. Commands on one connection are serialized
// by a per-connection mutex; there is no multiplexing of outstanding
// commands. On timeout the whole exchange is retried at most once.
func (m *Manager) SendCommand(ctx context.Context, deviceID string, cmd types.Command, opts SendOptions) (types.Notification, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 8 * time.Second
	}

	m.mu.RLock()
	state, ok := m.conns[deviceID]
	connected := ok && state.conn.Status == types.StatusConnected
	m.mu.RUnlock()
	if !connected {
		return nil, types.NewError(types.CodeNotConnected, "device %s is not connected", deviceID)
	}

	// Invalid commands are rejected locally, before any wire activity.
	payload, err := codec.Encode(cmd)
	if err != nil {
		return nil, err
	}

	state.cmdMu.Lock()
	defer state.cmdMu.Unlock()

	if err := m.ensureSubscription(deviceID, state); err != nil {
		return nil, err
	}

	attempts := 1
	if opts.RetryOnTimeout {
		attempts = 2
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		n, err := m.exchange(ctx, deviceID, state, payload, opts.Timeout)
		if err == nil {
			return n, nil
		}
		if !types.IsCode(err, types.CodeCommandTimeout) || attempt == attempts {
			return nil, err
		}
		m.logger.Warn("command timed out, retrying once", "device", deviceID, "cmd", cmd.CommandName())
	}
	return nil, types.NewError(types.CodeCommandTimeout, "no response from %s", deviceID)
}

// exchange performs one write-then-wait round trip using the correlation
// slot. The first notification received while the slot is armed wins.
func (m *Manager) exchange(ctx context.Context, deviceID string, state *connState, payload []byte, timeout time.Duration) (types.Notification, error) {
	ch := make(chan types.Notification, 1)
	state.corrMu.Lock()
	state.corrCh = ch
	state.corrMu.Unlock()

	disarm := func() {
		state.corrMu.Lock()
		state.corrCh = nil
		state.corrMu.Unlock()
	}

	if err := m.transport.Write(deviceID, payload); err != nil {
		disarm()
		return nil, types.WrapError(types.CodeConnectFailed, err, "write to %s failed", deviceID)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case n := <-ch:
		m.touch(deviceID)
		return n, nil
	case <-timer.C:
		disarm()
		return nil, types.NewError(types.CodeCommandTimeout, "no response from %s within %s", deviceID, timeout)
	case <-ctx.Done():
		disarm()
		return nil, types.WrapError(types.CodeCommandTimeout, ctx.Err(), "command to %s cancelled", deviceID)
	}
}

func (m *Manager) ensureSubscription(deviceID string, state *connState) error {
	if state.subscribed.Load() {
		return nil
	}
	err := m.transport.Subscribe(deviceID, func(data []byte) {
		n, err := codec.Decode(data)
		if err != nil {
			m.logger.Warn("dropping undecodable notification", "device", deviceID, "error", err)
			return
		}
		state.corrMu.Lock()
		ch := state.corrCh
		state.corrCh = nil
		state.corrMu.Unlock()
		if ch == nil {
			m.logger.Debug("unsolicited notification", "device", deviceID, "type", n.NotificationType())
			return
		}
		ch <- n
	})
	if err != nil {
		return types.WrapError(types.CodeConnectFailed, err, "subscribe to %s failed", deviceID)
	}
	state.subscribed.Store(true)
	return nil
}

func (m *Manager) touch(deviceID string) {
	m.mu.Lock()
	if state, ok := m.conns[deviceID]; ok {
		state.conn.LastActivity = time.Now()
	}
	m.mu.Unlock()
}

// Connection returns a snapshot of one connection.
func (m *Manager) Connection(deviceID string) (types.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.conns[deviceID]
	if !ok {
		return types.Connection{}, false
	}
	return state.conn, true
}

// Connections returns a snapshot of all tracked connections.
func (m *Manager) Connections() []types.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Connection, 0, len(m.conns))
	for _, state := range m.conns {
		out = append(out, state.conn)
	}
	return out
}

// Cleanup stops any active scan and disconnects all tracked devices in
// parallel, swallowing individual failures.
func (m *Manager) Cleanup() {
	m.StopScan()

	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.Disconnect(id, "cleanup"); err != nil {
				m.logger.Warn("cleanup disconnect failed", "device", id, "error", err)
			}
		}(id)
	}
	wg.Wait()
}

func normalizeAddress(addr string) string {
	return strings.ToUpper(strings.TrimSpace(addr))
}
