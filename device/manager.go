package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"cpenlink/ble"
)

const (
	cmdTotp          = "getTotp"
	cmdDeviceID      = "getId"
	cmdSetTimePrefix = "setTime:"

	// DefaultTotpWindow is how long the pen considers one password valid.
	DefaultTotpWindow = 30 * time.Second
	// DefaultTotpRefreshAge is the cache age at which a password is
	// re-read instead of served, leaving headroom inside the window.
	DefaultTotpRefreshAge = 25 * time.Second

	defaultCommandRetries = 2
	defaultRetryWait      = 500 * time.Millisecond
	defaultCommandSettle  = 500 * time.Millisecond

	clockEchoWait    = 100 * time.Millisecond
	clockEchoTimeout = 500 * time.Millisecond
)

// StatusDisconnected is reported when no pen session is up.
const StatusDisconnected = "disconnected"

// Options configures a Manager.
type Options struct {
	Adapter *ble.Adapter
	Logger  *zap.Logger

	TotpRefreshAge time.Duration
	CommandRetries int
	RetryWait      time.Duration
	// CommandSettle delays the first command after a fresh connect.
	CommandSettle time.Duration

	now func() time.Time
}

// Manager owns the single pen session and the credential cache. All
// command exchanges are serialized; the pen cannot service two at once.
type Manager struct {
	options Options

	mu         sync.Mutex
	session    *ble.Session
	deviceName string

	cache credentialCache
}

// NewManager creates a manager with validated configuration.
func NewManager(options Options) (*Manager, error) {
	if options.Adapter == nil {
		return nil, errors.New("adapter is required")
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.TotpRefreshAge <= 0 {
		options.TotpRefreshAge = DefaultTotpRefreshAge
	}
	if options.CommandRetries <= 0 {
		options.CommandRetries = defaultCommandRetries
	}
	if options.RetryWait <= 0 {
		options.RetryWait = defaultRetryWait
	}
	if options.CommandSettle <= 0 {
		options.CommandSettle = defaultCommandSettle
	}
	if options.now == nil {
		options.now = time.Now
	}

	return &Manager{options: options}, nil
}

// Connect scans for a pen and opens a session to the first match. A
// live session is reused.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.ensureSessionLocked(ctx)
	return err
}

// Connected reports whether a live pen session exists.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil && m.session.Alive()
}

// Status returns a short connection-state string for the shell.
func (m *Manager) Status() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil && m.session.Alive() {
		return "connected:" + m.deviceName
	}
	return StatusDisconnected
}

// Totp returns a one-time password, served from cache while it is
// younger than the refresh age and re-read from the pen otherwise.
func (m *Manager) Totp(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totpLocked(ctx)
}

// DeviceID returns the pen's identifier. The value is sticky: once read
// it is cached until the session drops.
func (m *Manager) DeviceID(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deviceIDLocked(ctx)
}

// Credentials reads the id/totp pair under one lock so the two values
// come from the same session.
func (m *Manager) Credentials(ctx context.Context) (id, totp string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, err = m.deviceIDLocked(ctx)
	if err != nil {
		return "", "", err
	}
	totp, err = m.totpLocked(ctx)
	if err != nil {
		return "", "", err
	}
	return id, totp, nil
}

// Exchange sends one raw command and returns the pen's text reply.
func (m *Manager) Exchange(ctx context.Context, command string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exchangeLocked(ctx, command)
}

// SyncClock pushes the current time to the pen. Best effort: the pen
// may or may not echo an acknowledgment.
func (m *Manager) SyncClock(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.ensureSessionLocked(ctx)
	if err != nil {
		return err
	}
	m.syncClockLocked(ctx, session)
	return nil
}

// Disconnect closes the session and forgets all cached credentials.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropSessionLocked()
}

func (m *Manager) totpLocked(ctx context.Context) (string, error) {
	if value, ok := m.cache.totp(m.options.now(), m.options.TotpRefreshAge); ok {
		return value, nil
	}

	value, err := m.exchangeLocked(ctx, cmdTotp)
	if err != nil {
		return "", err
	}
	m.cache.setTotp(value, m.options.now())
	return value, nil
}

func (m *Manager) deviceIDLocked(ctx context.Context) (string, error) {
	if value, ok := m.cache.device(); ok {
		return value, nil
	}

	value, err := m.exchangeLocked(ctx, cmdDeviceID)
	if err != nil {
		return "", err
	}
	m.cache.setDevice(value)
	return value, nil
}

func (m *Manager) exchangeLocked(ctx context.Context, command string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= m.options.CommandRetries; attempt++ {
		if attempt > 0 {
			m.options.Logger.Info("manager: reconnecting after dropped exchange",
				zap.String("command", command),
				zap.Int("attempt", attempt))
			if err := sleep(ctx, m.options.RetryWait); err != nil {
				return "", err
			}
			m.dropSessionLocked()
		}

		session, err := m.ensureSessionLocked(ctx)
		if err != nil {
			return "", err
		}

		reply, err := m.performExchange(ctx, session, command)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if !ble.IsKind(err, ble.KindConnectionDropped) {
			return "", err
		}
	}
	return "", lastErr
}

func (m *Manager) performExchange(ctx context.Context, session *ble.Session, command string) (string, error) {
	if err := session.Send(ctx, []byte(command)); err != nil {
		return "", err
	}
	reply, err := session.Receive(ctx)
	if err != nil {
		return "", err
	}

	text := strings.TrimSpace(string(reply))
	if text == "" {
		return "", ble.Errorf(ble.KindProtocolError, "manager.exchange", "empty reply to %s", command)
	}
	return text, nil
}

func (m *Manager) ensureSessionLocked(ctx context.Context) (*ble.Session, error) {
	if m.session != nil && m.session.Alive() {
		return m.session, nil
	}
	if m.session != nil {
		m.dropSessionLocked()
	}

	pens, err := m.options.Adapter.Scan(ctx)
	if err != nil {
		return nil, err
	}
	if len(pens) == 0 {
		return nil, ble.Errorf(ble.KindNoDeviceFound, "manager.connect", "no pen advertising")
	}

	target := pens[0]
	session, err := m.options.Adapter.Connect(ctx, target.Address)
	if err != nil {
		return nil, err
	}
	m.session = session
	m.deviceName = target.Name
	m.options.Logger.Info("manager: pen connected",
		zap.String("name", target.Name),
		zap.String("address", target.Address))

	if err := sleep(ctx, m.options.CommandSettle); err != nil {
		m.dropSessionLocked()
		return nil, err
	}
	m.syncClockLocked(ctx, session)

	return session, nil
}

func (m *Manager) syncClockLocked(ctx context.Context, session *ble.Session) {
	command := fmt.Sprintf("%s%d", cmdSetTimePrefix, m.options.now().Unix())
	if err := session.Send(ctx, []byte(command)); err != nil {
		m.options.Logger.Warn("manager: clock sync failed", zap.Error(err))
		return
	}
	if err := sleep(ctx, clockEchoWait); err != nil {
		return
	}

	echoCtx, cancel := context.WithTimeout(ctx, clockEchoTimeout)
	defer cancel()
	if reply, err := session.Receive(echoCtx); err == nil {
		m.options.Logger.Debug("manager: clock sync acknowledged", zap.ByteString("reply", reply))
	}
}

func (m *Manager) dropSessionLocked() {
	if m.session != nil {
		_ = m.session.Close()
		m.session = nil
	}
	m.deviceName = ""
	m.cache.clear()
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
