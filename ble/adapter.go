package ble

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// ServiceUUID identifies the pen's command service.
	ServiceUUID = "d816e4c6-1b99-4da7-bcd5-7c37cc2642c4"
	// CommandCharacteristicUUID is the writable command endpoint under ServiceUUID.
	CommandCharacteristicUUID = "d816e4c7-1b99-4da7-bcd5-7c37cc2642c4"

	// DefaultScanWindow bounds one advertisement sweep.
	DefaultScanWindow = 5 * time.Second
	// DefaultNamePrefix matches pens by the leading characters of their
	// advertised name, compared case-insensitively.
	DefaultNamePrefix = "cpen"

	defaultConnectSettle  = 100 * time.Millisecond
	defaultDiscoverSettle = 200 * time.Millisecond
	discoverTimeout       = 5 * time.Second
)

// AdapterOptions configures peripheral discovery and session setup.
type AdapterOptions struct {
	Radio      Radio
	Power      PowerSwitch
	Logger     *zap.Logger
	ScanWindow time.Duration
	NamePrefix string

	// ConnectSettle and DiscoverSettle pace the post-connect sequence;
	// pens drop flaky links within these windows.
	ConnectSettle  time.Duration
	DiscoverSettle time.Duration

	Timeouts SessionTimeouts
}

// Adapter finds pens on the air and opens sessions against them.
type Adapter struct {
	options AdapterOptions
}

// NewAdapter validates options and applies defaults.
func NewAdapter(options AdapterOptions) (*Adapter, error) {
	if options.Radio == nil {
		return nil, errors.New("radio is required")
	}
	if options.Power == nil {
		options.Power = StackProbePower{Radio: options.Radio}
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.ScanWindow <= 0 {
		options.ScanWindow = DefaultScanWindow
	}
	if options.NamePrefix == "" {
		options.NamePrefix = DefaultNamePrefix
	}
	if options.ConnectSettle <= 0 {
		options.ConnectSettle = defaultConnectSettle
	}
	if options.DiscoverSettle <= 0 {
		options.DiscoverSettle = defaultDiscoverSettle
	}
	return &Adapter{options: options}, nil
}

// Scan sweeps for advertisements and returns the pens among them.
func (a *Adapter) Scan(ctx context.Context) ([]Peripheral, error) {
	seen, err := a.sweep(ctx)
	if err != nil {
		return nil, err
	}

	matches := make([]Peripheral, 0, len(seen))
	for _, peripheral := range seen {
		if matchesName(peripheral.Name, a.options.NamePrefix) {
			matches = append(matches, peripheral)
		}
	}

	a.options.Logger.Debug("adapter: scan complete",
		zap.Int("advertisements", len(seen)),
		zap.Int("pens", len(matches)))
	return matches, nil
}

// Resolve sweeps for a specific peripheral by address.
func (a *Adapter) Resolve(ctx context.Context, address string) (Peripheral, error) {
	seen, err := a.sweep(ctx)
	if err != nil {
		return Peripheral{}, err
	}
	for _, peripheral := range seen {
		if peripheral.Address == address {
			return peripheral, nil
		}
	}
	return Peripheral{}, Errorf(KindNoDeviceFound, "adapter.resolve", "peripheral %s is not advertising", address)
}

// Connect establishes an exclusive session with the pen at address. The
// link is given a short settle period and re-verified before service
// discovery.
func (a *Adapter) Connect(ctx context.Context, address string) (*Session, error) {
	if err := a.enableRadio(); err != nil {
		return nil, err
	}

	link, err := a.options.Radio.Connect(address)
	if err != nil {
		return nil, WrapErr(KindConnectFailed, "adapter.connect", err)
	}

	if err := sleep(ctx, a.options.ConnectSettle); err != nil {
		_ = link.Disconnect()
		return nil, err
	}
	if !link.Connected() {
		_ = link.Disconnect()
		return nil, Errorf(KindConnectFailed, "adapter.connect", "link to %s dropped right after connect", address)
	}
	if err := sleep(ctx, a.options.DiscoverSettle); err != nil {
		_ = link.Disconnect()
		return nil, err
	}

	discoverCtx, cancel := context.WithTimeout(ctx, discoverTimeout)
	defer cancel()
	command, err := link.Characteristic(discoverCtx, ServiceUUID, CommandCharacteristicUUID)
	if err != nil {
		_ = link.Disconnect()
		return nil, err
	}

	a.options.Logger.Info("adapter: session established", zap.String("address", address))
	return newSession(a.options.Logger, link, command, address, a.options.Timeouts), nil
}

func (a *Adapter) enableRadio() error {
	decision, err := a.options.Power.Grant()
	if err != nil {
		return err
	}
	if decision != PowerAllowed {
		return Errorf(KindRadioUnavailable, "radio.power", "radio access %s", decision)
	}
	return nil
}

func (a *Adapter) sweep(ctx context.Context) ([]Peripheral, error) {
	if err := a.enableRadio(); err != nil {
		return nil, err
	}
	seen, err := a.options.Radio.Scan(ctx, a.options.ScanWindow)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, WrapErr(KindRadioUnavailable, "adapter.scan", err)
	}
	return seen, nil
}

func matchesName(name, prefix string) bool {
	if len(name) < len(prefix) {
		return false
	}
	return strings.EqualFold(name[:len(prefix)], prefix)
}
