// Package controller drives the link to the car: it asks for BLE access,
// finds and connects to the car, hands the characteristic to the session and
// applies the reconnect policy when the link drops.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/chaz8081/rcble/internal/ble"
	"github.com/chaz8081/rcble/internal/permission"
)

// ErrPermissionDenied is returned by Run when BLE access was not granted.
var ErrPermissionDenied = errors.New("bluetooth permission denied")

// Gate decides whether BLE may be used.
type Gate interface {
	RequestAccess(ctx context.Context) permission.Decision
}

// Scanner finds the target peripheral.
type Scanner interface {
	Find(ctx context.Context, f ble.Filter, timeout time.Duration) (ble.Device, error)
}

// Linker owns the connection to the peripheral.
type Linker interface {
	Connect(ctx context.Context, d ble.Device) (ble.Characteristic, error)
	Disconnect() error
	SetScanning()
	ScanFailed(reason error)
	OnStateChange(fn func(ble.State))
	State() ble.State
}

// Session consumes the link.
type Session interface {
	StartNotifications(char ble.Characteristic, link uint64) error
	SetLink(st ble.State)
	Notify(msg string)
}

// Options configures a Controller.
type Options struct {
	Filter      ble.Filter
	ScanTimeout time.Duration // 0 scans until cancelled
	Reconnect   bool          // retry automatically after failures and link loss
	BaseDelay   time.Duration // first backoff step; 0 means one second
	MaxDelay    time.Duration // backoff cap; 0 means 30 seconds
}

// Controller runs the connect/reconnect cycle.
type Controller struct {
	gate    Gate
	scanner Scanner
	linker  Linker
	session Session
	opts    Options

	running atomic.Bool
	lost    chan struct{}
	retry   chan struct{}
}

// New creates a Controller.
func New(gate Gate, scanner Scanner, linker Linker, session Session, opts Options) *Controller {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	return &Controller{
		gate:    gate,
		scanner: scanner,
		linker:  linker,
		session: session,
		opts:    opts,
		lost:    make(chan struct{}, 1),
		retry:   make(chan struct{}, 1),
	}
}

// Retry asks a waiting Run to attempt a connection now. With reconnect
// disabled this is the only way to try again after a failure.
func (c *Controller) Retry() {
	select {
	case c.retry <- struct{}{}:
	default:
	}
}

// WaitRetry blocks until Retry is called or ctx is done. It reports false
// when ctx ended. Callers use it to re-run the gate after Run returned
// ErrPermissionDenied.
func (c *Controller) WaitRetry(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.retry:
		return true
	}
}

// Run connects to the car and keeps the link up according to the reconnect
// policy. It returns nil when ctx is cancelled and ErrPermissionDenied when
// access was refused; every other failure is reported through the session.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("controller: already running")
	}
	defer c.running.Store(false)

	if d := c.gate.RequestAccess(ctx); d != permission.Granted {
		slog.Error("[BLE] access not granted, not scanning", "decision", d)
		return fmt.Errorf("controller: %w (%s)", ErrPermissionDenied, d)
	}

	c.linker.OnStateChange(c.onState)
	defer func() {
		if err := c.linker.Disconnect(); err != nil {
			slog.Warn("[BLE] disconnect on shutdown", "error", err)
		}
	}()

	failures := 0
	for {
		c.drain()
		err := c.establish(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if err == nil {
			failures = 0
			select {
			case <-ctx.Done():
				return nil
			case <-c.lost:
			}
			c.session.Notify("Connection to the car was lost")
			if c.opts.Reconnect {
				slog.Info("[BLE] reconnecting")
				continue
			}
		} else {
			failures++
			slog.Error("[BLE] connection attempt failed", "error", err, "attempt", failures)
			c.session.Notify(alertFor(err))
		}

		if !c.wait(ctx, failures) {
			return nil
		}
	}
}

// establish runs one scan and connect attempt.
func (c *Controller) establish(ctx context.Context) error {
	c.linker.SetScanning()
	d, err := c.scanner.Find(ctx, c.opts.Filter, c.opts.ScanTimeout)
	if err != nil {
		c.linker.ScanFailed(err)
		return err
	}

	char, err := c.linker.Connect(ctx, d)
	if err != nil {
		return err
	}
	// The link may already have dropped; the session refuses a
	// characteristic whose generation it has not seen Ready.
	if err := c.session.StartNotifications(char, c.linker.State().Generation); err != nil {
		_ = c.linker.Disconnect()
		return fmt.Errorf("controller: start notifications: %w", err)
	}
	return nil
}

// wait blocks until the next attempt is due. It reports false when ctx ended.
func (c *Controller) wait(ctx context.Context, failures int) bool {
	var due <-chan time.Time
	if c.opts.Reconnect {
		delay := backoffDelay(failures-1, c.opts.BaseDelay, c.opts.MaxDelay)
		slog.Info("[BLE] reconnect backoff", "attempt", failures+1, "delay", delay)
		t := time.NewTimer(delay)
		defer t.Stop()
		due = t.C
	} else {
		slog.Info("[BLE] reconnect disabled, waiting for retry")
	}

	select {
	case <-ctx.Done():
		return false
	case <-due:
	case <-c.retry:
	}
	return true
}

// onState forwards link changes to the session and flags link loss.
func (c *Controller) onState(st ble.State) {
	c.session.SetLink(st)
	if st.Phase == ble.PhaseDisconnected && errors.Is(st.Reason, ble.ErrUnexpectedDisconnect) {
		select {
		case c.lost <- struct{}{}:
		default:
		}
	}
}

// drain discards a link loss signal left over from an earlier connection.
func (c *Controller) drain() {
	select {
	case <-c.lost:
	default:
	}
}

// backoffDelay returns the delay before attempt n+1: base doubled n times,
// capped at max.
func backoffDelay(n int, base, max time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	delay := base
	for i := 0; i < n; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func alertFor(err error) string {
	switch {
	case errors.Is(err, ble.ErrScanTimeout):
		return "Car not found nearby"
	case errors.Is(err, ble.ErrScan):
		return fmt.Sprintf("Scan failed: %v", err)
	case errors.Is(err, ble.ErrServiceNotFound), errors.Is(err, ble.ErrCharacteristicNotFound):
		return fmt.Sprintf("Car does not expose the UART characteristic: %v", err)
	default:
		return fmt.Sprintf("Connection failed: %v", err)
	}
}
