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

// fakePen emulates the pen firmware behind the ble interfaces: one
// advertised peripheral with a command characteristic that answers
// getTotp, getId and setTime.
type fakePen struct {
	mu sync.Mutex

	name    string
	address string

	deviceID  string
	totpCodes []string
	totpIndex int

	advertising bool
	connected   bool

	// dropsRemaining makes the next N command writes kill the link,
	// simulating a pen that walks out of range mid-exchange.
	dropsRemaining int

	lastCommand string
	writeCounts map[string]int
	connects    int
}

func newFakePen() *fakePen {
	return &fakePen{
		name:        "Cpen-01",
		address:     "aa:bb:cc:dd:ee:ff",
		deviceID:    "pen-0042",
		totpCodes:   []string{"111111", "222222", "333333", "444444"},
		advertising: true,
		writeCounts: make(map[string]int),
	}
}

func (p *fakePen) nextTotp() string {
	if p.totpIndex >= len(p.totpCodes) {
		return p.totpCodes[len(p.totpCodes)-1]
	}
	code := p.totpCodes[p.totpIndex]
	p.totpIndex++
	return code
}

func (p *fakePen) commandWrites(command string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for written, count := range p.writeCounts {
		if strings.HasPrefix(written, command) {
			total += count
		}
	}
	return total
}

func (p *fakePen) setConnected(connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = connected
}

type penRadio struct {
	pen *fakePen
}

func (r *penRadio) Enable() error {
	return nil
}

func (r *penRadio) Scan(ctx context.Context, window time.Duration) ([]ble.Peripheral, error) {
	r.pen.mu.Lock()
	defer r.pen.mu.Unlock()
	if !r.pen.advertising {
		return nil, nil
	}
	return []ble.Peripheral{{Name: r.pen.name, Address: r.pen.address}}, nil
}

func (r *penRadio) Connect(address string) (ble.Link, error) {
	r.pen.mu.Lock()
	defer r.pen.mu.Unlock()
	if address != r.pen.address {
		return nil, errors.New("fake pen: unknown address")
	}
	r.pen.connected = true
	r.pen.connects++
	return &penLink{pen: r.pen}, nil
}

type penLink struct {
	pen *fakePen
}

func (l *penLink) Connected() bool {
	l.pen.mu.Lock()
	defer l.pen.mu.Unlock()
	return l.pen.connected
}

func (l *penLink) Characteristic(ctx context.Context, service, characteristic string) (ble.Characteristic, error) {
	return &penCharacteristic{pen: l.pen}, nil
}

func (l *penLink) Disconnect() error {
	l.pen.setConnected(false)
	return nil
}

type penCharacteristic struct {
	pen *fakePen
}

func (c *penCharacteristic) WriteWithoutResponse(payload []byte) error {
	c.pen.mu.Lock()
	defer c.pen.mu.Unlock()

	command := string(payload)
	c.pen.writeCounts[command]++

	if c.pen.dropsRemaining > 0 {
		c.pen.dropsRemaining--
		c.pen.connected = false
		return errors.New("att write failed: link lost")
	}

	c.pen.lastCommand = command
	return nil
}

func (c *penCharacteristic) Read(p []byte) (int, error) {
	return 0, errors.New("fake pen: reads not supported")
}

func (c *penCharacteristic) Subscribe(fn func(value []byte)) error {
	c.pen.mu.Lock()
	command := c.pen.lastCommand
	var reply string
	switch {
	case command == cmdTotp:
		reply = c.pen.nextTotp()
	case command == cmdDeviceID:
		reply = c.pen.deviceID
	case strings.HasPrefix(command, cmdSetTimePrefix):
		reply = "ok"
	}
	c.pen.mu.Unlock()

	if reply != "" {
		go fn([]byte(reply))
	}
	return nil
}

func (c *penCharacteristic) Unsubscribe() error {
	return nil
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(pen *fakePen, clock *manualClock) (*Manager, error) {
	adapter, err := ble.NewAdapter(ble.AdapterOptions{
		Radio:          &penRadio{pen: pen},
		ScanWindow:     time.Millisecond,
		ConnectSettle:  time.Millisecond,
		DiscoverSettle: time.Millisecond,
		Timeouts: ble.SessionTimeouts{
			Write:        100 * time.Millisecond,
			Notify:       200 * time.Millisecond,
			ReadFallback: 100 * time.Millisecond,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("new adapter: %w", err)
	}

	return NewManager(Options{
		Adapter:       adapter,
		Logger:        zap.NewNop(),
		RetryWait:     time.Millisecond,
		CommandSettle: time.Millisecond,
		now:           clock.Now,
	})
}
