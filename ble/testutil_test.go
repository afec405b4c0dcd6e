package ble

import (
	"context"
	"errors"
	"sync"
	"time"
)

type fakeRadio struct {
	mu          sync.Mutex
	peripherals []Peripheral
	links       map[string]*fakeLink
	enableErr   error
	scanErr     error
	connectErr  error
	enableCalls int
	scanCalls   int
}

func newFakeRadio(peripherals ...Peripheral) *fakeRadio {
	return &fakeRadio{
		peripherals: peripherals,
		links:       make(map[string]*fakeLink),
	}
}

func (r *fakeRadio) Enable() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enableCalls++
	return r.enableErr
}

func (r *fakeRadio) Scan(ctx context.Context, window time.Duration) ([]Peripheral, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanCalls++
	if r.scanErr != nil {
		return nil, r.scanErr
	}
	return append([]Peripheral(nil), r.peripherals...), nil
}

func (r *fakeRadio) Connect(address string) (Link, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connectErr != nil {
		return nil, r.connectErr
	}
	link, ok := r.links[address]
	if !ok {
		return nil, errors.New("fake radio: unknown address")
	}
	link.setConnected(!link.dropOnConnect)
	return link, nil
}

func (r *fakeRadio) addLink(address string, link *fakeLink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.links[address] = link
}

type fakeLink struct {
	mu            sync.Mutex
	connected     bool
	dropOnConnect bool
	characterstic *fakeCharacteristic
	discoverErr   error
}

func newFakeLink(char *fakeCharacteristic) *fakeLink {
	return &fakeLink{characterstic: char}
}

func (l *fakeLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *fakeLink) setConnected(connected bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = connected
}

func (l *fakeLink) Characteristic(ctx context.Context, service, characteristic string) (Characteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.discoverErr != nil {
		return nil, l.discoverErr
	}
	return l.characterstic, nil
}

func (l *fakeLink) Disconnect() error {
	l.setConnected(false)
	return nil
}

type fakeCharacteristic struct {
	mu sync.Mutex

	writes   [][]byte
	writeErr error

	subscribeErr error
	notifyFn     func(value []byte)

	readQueue [][]byte
	readErr   error

	// lets tests emit a notification as soon as a subscriber appears
	onSubscribe func(notify func(value []byte))
}

func (c *fakeCharacteristic) WriteWithoutResponse(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), p...))
	return nil
}

func (c *fakeCharacteristic) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return 0, c.readErr
	}
	if len(c.readQueue) == 0 {
		return 0, errors.New("fake characteristic: nothing to read")
	}
	next := c.readQueue[0]
	c.readQueue = c.readQueue[1:]
	return copy(p, next), nil
}

func (c *fakeCharacteristic) Subscribe(fn func(value []byte)) error {
	c.mu.Lock()
	if c.subscribeErr != nil {
		c.mu.Unlock()
		return c.subscribeErr
	}
	c.notifyFn = fn
	hook := c.onSubscribe
	c.mu.Unlock()

	if hook != nil {
		hook(fn)
	}
	return nil
}

func (c *fakeCharacteristic) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyFn = nil
	return nil
}

func (c *fakeCharacteristic) notify(value []byte) {
	c.mu.Lock()
	fn := c.notifyFn
	c.mu.Unlock()
	if fn != nil {
		fn(value)
	}
}

func (c *fakeCharacteristic) writtenCommands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.writes))
	for _, w := range c.writes {
		out = append(out, string(w))
	}
	return out
}
