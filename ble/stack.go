package ble

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"tinygo.org/x/bluetooth"
)

// StackRadio drives the host Bluetooth stack through the platform default
// adapter. Addresses handed to Connect must have been seen by a prior
// Scan on the same radio.
type StackRadio struct {
	adapter *bluetooth.Adapter

	mu      sync.Mutex
	enabled bool
	seen    map[string]bluetooth.Address
	links   map[string]*stackLink
}

// NewStackRadio wraps the default adapter. The stack stays powered off
// until the first Enable call.
func NewStackRadio() *StackRadio {
	r := &StackRadio{
		adapter: bluetooth.DefaultAdapter,
		seen:    make(map[string]bluetooth.Address),
		links:   make(map[string]*stackLink),
	}
	r.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		r.mu.Lock()
		link := r.links[device.Address.String()]
		r.mu.Unlock()
		if link != nil {
			link.alive.Store(connected)
		}
	})
	return r
}

func (r *StackRadio) Enable() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.enabled {
		return nil
	}
	if err := r.adapter.Enable(); err != nil {
		return WrapErr(KindRadioUnavailable, "radio.enable", err)
	}
	r.enabled = true
	return nil
}

// Scan collects advertisements for the given window.
func (r *StackRadio) Scan(ctx context.Context, window time.Duration) ([]Peripheral, error) {
	var (
		resultMu sync.Mutex
		results  []Peripheral
		inScan   = make(map[string]bool)
	)

	scanDone := make(chan error, 1)
	go func() {
		scanDone <- r.adapter.Scan(func(adapter *bluetooth.Adapter, sr bluetooth.ScanResult) {
			address := sr.Address.String()

			r.mu.Lock()
			r.seen[address] = sr.Address
			r.mu.Unlock()

			resultMu.Lock()
			if !inScan[address] {
				inScan[address] = true
				results = append(results, Peripheral{Name: sr.LocalName(), Address: address})
			}
			resultMu.Unlock()
		})
	}()

	timer := time.NewTimer(window)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		_ = r.adapter.StopScan()
		<-scanDone
		return nil, ctx.Err()
	case err := <-scanDone:
		if err != nil {
			return nil, WrapErr(KindRadioUnavailable, "radio.scan", err)
		}
	}

	if err := r.adapter.StopScan(); err != nil {
		return nil, WrapErr(KindRadioUnavailable, "radio.scan", err)
	}
	<-scanDone

	resultMu.Lock()
	defer resultMu.Unlock()
	return append([]Peripheral(nil), results...), nil
}

func (r *StackRadio) Connect(address string) (Link, error) {
	r.mu.Lock()
	addr, ok := r.seen[address]
	r.mu.Unlock()
	if !ok {
		return nil, Errorf(KindConnectFailed, "radio.connect", "address %q was not seen in a scan", address)
	}

	device, err := r.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, WrapErr(KindConnectFailed, "radio.connect", err)
	}

	link := &stackLink{radio: r, device: device, address: address}
	link.alive.Store(true)

	r.mu.Lock()
	r.links[address] = link
	r.mu.Unlock()

	return link, nil
}

type stackLink struct {
	radio   *StackRadio
	device  bluetooth.Device
	address string
	alive   atomic.Bool
}

func (l *stackLink) Connected() bool {
	return l.alive.Load()
}

func (l *stackLink) Characteristic(ctx context.Context, service, characteristic string) (Characteristic, error) {
	serviceUUID, err := bluetooth.ParseUUID(service)
	if err != nil {
		return nil, WrapErr(KindEncodingError, "link.discover", err)
	}
	charUUID, err := bluetooth.ParseUUID(characteristic)
	if err != nil {
		return nil, WrapErr(KindEncodingError, "link.discover", err)
	}

	type outcome struct {
		char bluetooth.DeviceCharacteristic
		err  error
	}
	// DiscoverServices has no context support; run it aside so the
	// caller's deadline still holds.
	done := make(chan outcome, 1)
	go func() {
		services, err := l.device.DiscoverServices([]bluetooth.UUID{serviceUUID})
		if err != nil {
			done <- outcome{err: WrapErr(KindConnectFailed, "link.discover", err)}
			return
		}
		if len(services) == 0 {
			done <- outcome{err: Errorf(KindProtocolError, "link.discover", "service %s not present", service)}
			return
		}
		chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{charUUID})
		if err != nil {
			done <- outcome{err: WrapErr(KindConnectFailed, "link.discover", err)}
			return
		}
		if len(chars) == 0 {
			done <- outcome{err: Errorf(KindProtocolError, "link.discover", "characteristic %s not present", characteristic)}
			return
		}
		done <- outcome{char: chars[0]}
	}()

	select {
	case result := <-done:
		if result.err != nil {
			return nil, result.err
		}
		return &stackCharacteristic{char: result.char}, nil
	case <-ctx.Done():
		return nil, Errorf(KindProtocolTimeout, "link.discover", "service discovery did not finish: %v", ctx.Err())
	}
}

func (l *stackLink) Disconnect() error {
	err := l.device.Disconnect()
	l.alive.Store(false)

	l.radio.mu.Lock()
	if l.radio.links[l.address] == l {
		delete(l.radio.links, l.address)
	}
	l.radio.mu.Unlock()

	if err != nil {
		return WrapErr(KindConnectionDropped, "link.disconnect", err)
	}
	return nil
}

type stackCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *stackCharacteristic) WriteWithoutResponse(p []byte) error {
	_, err := c.char.WriteWithoutResponse(p)
	return err
}

func (c *stackCharacteristic) Read(p []byte) (int, error) {
	return c.char.Read(p)
}

func (c *stackCharacteristic) Subscribe(fn func(value []byte)) error {
	return c.char.EnableNotifications(func(value []byte) {
		// the stack may reuse the buffer after the callback returns
		buf := make([]byte, len(value))
		copy(buf, value)
		fn(buf)
	})
}

func (c *stackCharacteristic) Unsubscribe() error {
	return c.char.EnableNotifications(nil)
}
