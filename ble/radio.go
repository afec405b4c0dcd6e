package ble

import (
	"context"
	"time"
)

// Peripheral is one advertisement seen during a scan window.
type Peripheral struct {
	Name    string
	Address string
}

// Radio is the minimal surface of a BLE central stack.
type Radio interface {
	Enable() error
	Scan(ctx context.Context, window time.Duration) ([]Peripheral, error)
	Connect(address string) (Link, error)
}

// Link is an established connection to one peripheral.
type Link interface {
	Connected() bool
	Characteristic(ctx context.Context, service, characteristic string) (Characteristic, error)
	Disconnect() error
}

// Characteristic mirrors the GATT operations the pen protocol needs.
type Characteristic interface {
	WriteWithoutResponse(p []byte) error
	Read(p []byte) (int, error)
	Subscribe(fn func(value []byte)) error
	Unsubscribe() error
}

// PowerDecision is the outcome of asking for radio access.
type PowerDecision string

const (
	PowerAllowed        PowerDecision = "allowed"
	PowerDeniedBySystem PowerDecision = "denied_by_system"
	PowerDeniedByUser   PowerDecision = "denied_by_user"
)

// PowerSwitch turns the radio on before any scan or connect. Platforms
// with a native radio-access API plug in their own implementation;
// everywhere else StackProbePower is enough.
type PowerSwitch interface {
	Grant() (PowerDecision, error)
}

// StackProbePower infers radio availability by enabling the stack.
type StackProbePower struct {
	Radio Radio
}

func (p StackProbePower) Grant() (PowerDecision, error) {
	if err := p.Radio.Enable(); err != nil {
		return PowerDeniedBySystem, WrapErr(KindRadioUnavailable, "radio.enable", err)
	}
	return PowerAllowed, nil
}

// PowerFunc adapts a platform radio-access call to PowerSwitch.
type PowerFunc func() (PowerDecision, error)

func (f PowerFunc) Grant() (PowerDecision, error) {
	return f()
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
