package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	// ErrScan wraps transport-level scan failures.
	ErrScan = errors.New("scan failed")
	// ErrScanTimeout is returned when no peripheral matched in time.
	ErrScanTimeout = errors.New("scan timed out")
	// ErrScanStopped is returned when Stop ends a scan before a match.
	ErrScanStopped = errors.New("scan stopped")
)

// Filter selects the target peripheral by advertised name or by address.
type Filter struct {
	Name    string
	Address string
}

// Match reports whether d is the target. Name OR address must match;
// empty filter fields never match.
func (f Filter) Match(d Device) bool {
	if f.Name != "" && d.Name == f.Name {
		return true
	}
	return f.Address != "" && strings.EqualFold(d.Address, f.Address)
}

func (f Filter) String() string {
	return fmt.Sprintf("name=%q address=%q", f.Name, f.Address)
}

// Scanner searches for advertisements. Only one scan runs at a time.
type Scanner struct {
	adapter Adapter

	mu      sync.Mutex
	running bool
	stopped bool // Stop already issued for the running scan
}

// NewScanner creates a Scanner on adapter.
func NewScanner(adapter Adapter) *Scanner {
	return &Scanner{adapter: adapter}
}

// Discover streams advertisements to accept until accept returns true, ctx
// is done, Stop is called, or the transport fails. On acceptance the radio
// scan is stopped exactly once and the accepted device is returned;
// advertisements that arrive afterwards are ignored.
func (s *Scanner) Discover(ctx context.Context, accept func(Device) bool) (Device, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return Device{}, fmt.Errorf("ble: %w: scan already running", ErrScan)
	}
	s.running = true
	s.stopped = false
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	var (
		mu      sync.Mutex
		found   Device
		matched bool
	)
	err := s.adapter.Scan(ctx, func(d Device) {
		mu.Lock()
		if matched {
			mu.Unlock()
			return
		}
		if !accept(d) {
			mu.Unlock()
			return
		}
		matched = true
		found = d
		mu.Unlock()
		slog.Info("[BLE] target found", "name", d.Name, "address", d.Address, "rssi", d.RSSI)
		s.Stop()
	})

	mu.Lock()
	defer mu.Unlock()
	if matched {
		return found, nil
	}
	if err != nil && ctx.Err() == nil {
		slog.Error("[BLE] scan aborted", "error", err)
		return Device{}, fmt.Errorf("ble: %w: %w", ErrScan, err)
	}
	if ctx.Err() != nil {
		s.Stop()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Device{}, fmt.Errorf("ble: %w", ErrScanTimeout)
		}
		return Device{}, ctx.Err()
	}
	return Device{}, fmt.Errorf("ble: %w", ErrScanStopped)
}

// Find scans until a peripheral matches f. A positive timeout bounds the scan.
func (s *Scanner) Find(ctx context.Context, f Filter, timeout time.Duration) (Device, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	slog.Info("[BLE] scanning", "filter", f.String())
	return s.Discover(ctx, f.Match)
}

// Stop ends the running scan. Calling it again, or with no scan running,
// is a no-op.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	if err := s.adapter.StopScan(); err != nil {
		slog.Warn("[BLE] stop scan", "error", err)
	}
}
