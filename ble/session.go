package ble

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrReceiveBusy is returned when a Receive is already waiting on the
// same session.
var ErrReceiveBusy = errors.New("ble: receive already in progress")

// SessionState represents the lifecycle state of one pen session.
type SessionState string

const (
	SessionReady     SessionState = "READY"
	SessionReceiving SessionState = "RECEIVING"
	SessionClosed    SessionState = "CLOSED"
)

const (
	// DefaultWriteTimeout bounds one command write.
	DefaultWriteTimeout = 2 * time.Second
	// DefaultNotifyTimeout bounds the wait for a notification frame.
	DefaultNotifyTimeout = 5 * time.Second
	// DefaultReadFallbackTimeout bounds polling reads when the
	// characteristic refuses subscriptions.
	DefaultReadFallbackTimeout = 2 * time.Second

	readPollInterval = 100 * time.Millisecond
	readBufferSize   = 512
)

// SessionTimeouts overrides per-operation session deadlines.
type SessionTimeouts struct {
	Write        time.Duration
	Notify       time.Duration
	ReadFallback time.Duration
}

func (t SessionTimeouts) withDefaults() SessionTimeouts {
	out := t
	if out.Write <= 0 {
		out.Write = DefaultWriteTimeout
	}
	if out.Notify <= 0 {
		out.Notify = DefaultNotifyTimeout
	}
	if out.ReadFallback <= 0 {
		out.ReadFallback = DefaultReadFallbackTimeout
	}
	return out
}

// Session is one exclusive connection to a pen's command characteristic.
// The notify listener lives only for the duration of each Receive; the
// session tears it down before returning.
type Session struct {
	logger   *zap.Logger
	link     Link
	command  Characteristic
	address  string
	timeouts SessionTimeouts

	stateMu sync.Mutex
	state   SessionState

	receiving atomic.Bool

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(logger *zap.Logger, link Link, command Characteristic, address string, timeouts SessionTimeouts) *Session {
	return &Session{
		logger:   logger,
		link:     link,
		command:  command,
		address:  address,
		timeouts: timeouts.withDefaults(),
		state:    SessionReady,
		closed:   make(chan struct{}),
	}
}

// Address returns the peripheral address this session is bound to.
func (s *Session) Address() string {
	return s.address
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Alive reports whether the underlying link is still up.
func (s *Session) Alive() bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	return s.link.Connected()
}

// Send writes one command frame without response.
func (s *Session) Send(ctx context.Context, payload []byte) error {
	if s.State() == SessionClosed {
		return Errorf(KindConnectionDropped, "session.send", "session to %s is closed", s.address)
	}

	writeDone := make(chan error, 1)
	go func() {
		writeDone <- s.command.WriteWithoutResponse(payload)
	}()

	timer := time.NewTimer(s.timeouts.Write)
	defer timer.Stop()

	select {
	case err := <-writeDone:
		if err != nil {
			if !s.link.Connected() {
				return WrapErr(KindConnectionDropped, "session.send", err)
			}
			return WrapErr(KindProtocolError, "session.send", err)
		}
		return nil
	case <-timer.C:
		return Errorf(KindProtocolTimeout, "session.send", "write did not complete within %s", s.timeouts.Write)
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return Errorf(KindConnectionDropped, "session.send", "session closed while writing")
	}
}

// Receive waits for the pen's next response frame. It subscribes for a
// notification and, when the characteristic refuses subscriptions, falls
// back to polling reads. Only one Receive may be in flight.
func (s *Session) Receive(ctx context.Context) ([]byte, error) {
	if !s.receiving.CompareAndSwap(false, true) {
		return nil, ErrReceiveBusy
	}
	defer s.receiving.Store(false)

	s.setState(SessionReceiving)
	defer s.setState(SessionReady)

	frames := make(chan []byte, 1)
	if err := s.command.Subscribe(func(value []byte) {
		select {
		case frames <- value:
		default:
			// a frame after the deadline has no consumer; drop it
		}
	}); err != nil {
		s.logger.Debug("session: notify subscribe failed, polling reads instead", zap.Error(err))
		return s.receiveByPolling(ctx)
	}
	defer func() {
		if err := s.command.Unsubscribe(); err != nil {
			s.logger.Debug("session: notify unsubscribe failed", zap.Error(err))
		}
	}()

	timer := time.NewTimer(s.timeouts.Notify)
	defer timer.Stop()

	select {
	case frame := <-frames:
		return frame, nil
	case <-timer.C:
		if !s.link.Connected() {
			return nil, Errorf(KindConnectionDropped, "session.receive", "link to %s went down", s.address)
		}
		return nil, Errorf(KindProtocolTimeout, "session.receive", "no notification within %s", s.timeouts.Notify)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, Errorf(KindConnectionDropped, "session.receive", "session closed while waiting")
	}
}

func (s *Session) receiveByPolling(ctx context.Context) ([]byte, error) {
	deadline := time.Now().Add(s.timeouts.ReadFallback)
	buffer := make([]byte, readBufferSize)

	for time.Now().Before(deadline) {
		select {
		case <-s.closed:
			return nil, Errorf(KindConnectionDropped, "session.receive", "session closed while polling")
		default:
		}

		n, err := s.command.Read(buffer)
		if err == nil && n > 0 {
			return append([]byte(nil), buffer[:n]...), nil
		}
		if err != nil && !s.link.Connected() {
			return nil, WrapErr(KindConnectionDropped, "session.receive", err)
		}

		if err := sleep(ctx, readPollInterval); err != nil {
			return nil, err
		}
	}
	return nil, Errorf(KindProtocolTimeout, "session.receive", "no readable response within %s", s.timeouts.ReadFallback)
}

// Close tears the session down. Safe to call repeatedly.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.stateMu.Lock()
		s.state = SessionClosed
		s.stateMu.Unlock()
		if err := s.link.Disconnect(); err != nil {
			s.logger.Debug("session: disconnect", zap.Error(err))
		}
		close(s.closed)
	})
	return nil
}

func (s *Session) setState(state SessionState) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state == SessionClosed {
		return
	}
	s.state = state
}
