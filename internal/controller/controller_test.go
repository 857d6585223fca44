package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/rcble/internal/ble"
	"github.com/chaz8081/rcble/internal/permission"
	"github.com/chaz8081/rcble/internal/session"
)

type fakeGate struct {
	decision permission.Decision
}

func (g fakeGate) RequestAccess(context.Context) permission.Decision { return g.decision }

// fakeScanner returns results in order, repeating the last one.
type fakeScanner struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (s *fakeScanner) Find(ctx context.Context, f ble.Filter, _ time.Duration) (ble.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.calls++
	if i >= 0 && s.results[i] != nil {
		return ble.Device{}, s.results[i]
	}
	return ble.Device{Name: f.Name, Address: "68:5E:1C:4C:36:F6"}, nil
}

func (s *fakeScanner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type nopChar struct{}

func (nopChar) UUID() string                      { return ble.CharacteristicUUID }
func (nopChar) Properties() ble.Properties        { return ble.Properties{WriteWithoutResponse: true, Notify: true} }
func (nopChar) WriteWithoutResponse([]byte) error { return nil }
func (nopChar) Subscribe(func([]byte)) error      { return nil }
func (nopChar) Unsubscribe() error                { return nil }

// recordingChar keeps every write.
type recordingChar struct {
	nopChar
	mu     sync.Mutex
	writes []string
}

func (c *recordingChar) WriteWithoutResponse(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, string(data))
	return nil
}

func (c *recordingChar) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

// fakeLinker scripts Connect results and lets tests drop the link.
type fakeLinker struct {
	mu          sync.Mutex
	connectErrs []error
	connects    int
	disconnects int
	listener    func(ble.State)
	state       ble.State
	connected   chan struct{}

	char      ble.Characteristic // returned by Connect; nopChar when nil
	dropEarly bool               // lose the link after Ready, before Connect returns
}

func newFakeLinker(errs ...error) *fakeLinker {
	return &fakeLinker{connectErrs: errs, connected: make(chan struct{}, 16)}
}

func (l *fakeLinker) Connect(_ context.Context, d ble.Device) (ble.Characteristic, error) {
	l.mu.Lock()
	i := l.connects
	l.connects++
	gen := l.state.Generation + 1
	var err error
	if i < len(l.connectErrs) {
		err = l.connectErrs[i]
	}
	var char ble.Characteristic = nopChar{}
	if l.char != nil {
		char = l.char
	}
	dropEarly := l.dropEarly
	l.mu.Unlock()

	if err != nil {
		l.emit(ble.State{Phase: ble.PhaseDisconnected, Device: d, Reason: err, Generation: gen})
		return nil, err
	}
	l.emit(ble.State{Phase: ble.PhaseReady, Device: d, Characteristic: char, Generation: gen})
	if dropEarly {
		l.emit(ble.State{
			Phase:      ble.PhaseDisconnected,
			Device:     d,
			Reason:     fmt.Errorf("ble: %s: %w", d.Address, ble.ErrUnexpectedDisconnect),
			Generation: gen,
		})
	}
	l.connected <- struct{}{}
	return char, nil
}

// emit records st as the current state and hands it to the listener.
func (l *fakeLinker) emit(st ble.State) {
	l.mu.Lock()
	l.state = st
	fn := l.listener
	l.mu.Unlock()
	fn(st)
}

func (l *fakeLinker) State() ble.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *fakeLinker) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnects++
	return nil
}

func (l *fakeLinker) SetScanning() {}

func (l *fakeLinker) ScanFailed(reason error) {
	l.emit(ble.State{Phase: ble.PhaseDisconnected, Reason: reason, Generation: l.State().Generation})
}

func (l *fakeLinker) OnStateChange(fn func(ble.State)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listener = fn
}

// drop simulates link loss.
func (l *fakeLinker) drop() {
	l.emit(ble.State{Phase: ble.PhaseDisconnected, Reason: ble.ErrUnexpectedDisconnect, Generation: l.State().Generation})
}

func (l *fakeLinker) connectCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connects
}

type fakeSession struct {
	mu      sync.Mutex
	alerts  []string
	links   []ble.State
	started int
	alerted chan string
}

func newFakeSession() *fakeSession {
	return &fakeSession{alerted: make(chan string, 16)}
}

func (s *fakeSession) StartNotifications(ble.Characteristic, uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
	return nil
}

func (s *fakeSession) SetLink(st ble.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links = append(s.links, st)
}

func (s *fakeSession) Notify(msg string) {
	s.mu.Lock()
	s.alerts = append(s.alerts, msg)
	s.mu.Unlock()
	s.alerted <- msg
}

func (s *fakeSession) startCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func testOptions(reconnect bool) Options {
	return Options{
		Filter:    ble.Filter{Name: ble.DefaultDeviceName},
		Reconnect: reconnect,
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	}
}

// runController starts Run and returns a func that cancels it and returns
// its error.
func runController(t *testing.T, c *Controller) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(time.Second):
			t.Fatal("Run did not return after cancel")
			return nil
		}
	}
}

func waitSignal[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func TestRunPermissionDenied(t *testing.T) {
	scanner := &fakeScanner{}
	c := New(fakeGate{permission.Denied}, scanner, newFakeLinker(), newFakeSession(), testOptions(true))

	err := c.Run(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Run() error = %v, want ErrPermissionDenied", err)
	}
	if scanner.count() != 0 {
		t.Errorf("scanner called %d times, want 0", scanner.count())
	}
}

func TestWaitRetry(t *testing.T) {
	c := New(fakeGate{permission.Denied}, &fakeScanner{}, newFakeLinker(), newFakeSession(), testOptions(false))

	c.Retry()
	c.Retry() // coalesced
	if !c.WaitRetry(context.Background()) {
		t.Fatal("WaitRetry() = false, want true after Retry")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if c.WaitRetry(ctx) {
		t.Error("WaitRetry() = true, want false on cancelled context")
	}
}

func TestRunConnectsAndStartsNotifications(t *testing.T) {
	scanner := &fakeScanner{results: []error{nil}}
	linker := newFakeLinker()
	sess := newFakeSession()
	c := New(fakeGate{permission.Granted}, scanner, linker, sess, testOptions(false))

	stop := runController(t, c)
	waitSignal(t, linker.connected, "connect")

	deadline := time.Now().Add(time.Second)
	for sess.startCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := stop(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sess.startCount() != 1 {
		t.Errorf("StartNotifications calls = %d, want 1", sess.startCount())
	}
	if linker.disconnects != 1 {
		t.Errorf("Disconnect calls = %d, want 1 on shutdown", linker.disconnects)
	}
}

func TestRunRefusesCharacteristicFromDroppedLink(t *testing.T) {
	sess, err := session.New(session.DefaultOptions())
	if err != nil {
		t.Fatalf("session.New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sess.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	char := &recordingChar{}
	linker := newFakeLinker()
	linker.char = char
	linker.dropEarly = true
	c := New(fakeGate{permission.Granted}, &fakeScanner{results: []error{nil}}, linker, sess, testOptions(false))

	stop := runController(t, c)
	defer stop()
	waitSignal(t, linker.connected, "connect")

	deadline := time.Now().Add(time.Second)
	for sess.Snapshot().Alert == "" {
		if time.Now().After(deadline) {
			t.Fatal("no alert after the link dropped")
		}
		time.Sleep(time.Millisecond)
	}

	got := sess.ToggleGo()
	v := sess.Snapshot()
	if writes := char.written(); len(writes) != 0 {
		t.Errorf("after ToggleGo: link=%v go=%v writes=%q, want no writes", v.Link, got, writes)
	}
	if v.Link != ble.PhaseDisconnected {
		t.Errorf("Link = %v, want disconnected", v.Link)
	}
}

func TestRunReconnectDisabledWaitsForRetry(t *testing.T) {
	scanner := &fakeScanner{results: []error{nil}}
	linker := newFakeLinker(fmt.Errorf("ble: connect: %w", ble.ErrCharacteristicNotFound))
	sess := newFakeSession()
	c := New(fakeGate{permission.Granted}, scanner, linker, sess, testOptions(false))

	stop := runController(t, c)
	defer stop()

	msg := waitSignal(t, sess.alerted, "failure alert")
	if msg == "" {
		t.Error("alert should describe the failure")
	}

	time.Sleep(20 * time.Millisecond)
	if got := linker.connectCount(); got != 1 {
		t.Fatalf("Connect calls = %d, want 1 with reconnect disabled", got)
	}

	c.Retry()
	waitSignal(t, linker.connected, "connect after retry")
	if got := linker.connectCount(); got != 2 {
		t.Errorf("Connect calls = %d, want 2 after Retry", got)
	}
}

func TestRunReconnectsAfterLinkLoss(t *testing.T) {
	scanner := &fakeScanner{results: []error{nil}}
	linker := newFakeLinker()
	sess := newFakeSession()
	c := New(fakeGate{permission.Granted}, scanner, linker, sess, testOptions(true))

	stop := runController(t, c)
	defer stop()

	waitSignal(t, linker.connected, "first connect")
	linker.drop()

	msg := waitSignal(t, sess.alerted, "link loss alert")
	if msg != "Connection to the car was lost" {
		t.Errorf("alert = %q", msg)
	}
	waitSignal(t, linker.connected, "reconnect")
	if got := scanner.count(); got != 2 {
		t.Errorf("scans = %d, want 2", got)
	}
}

func TestRunLinkLossWithoutReconnect(t *testing.T) {
	scanner := &fakeScanner{results: []error{nil}}
	linker := newFakeLinker()
	sess := newFakeSession()
	c := New(fakeGate{permission.Granted}, scanner, linker, sess, testOptions(false))

	stop := runController(t, c)
	defer stop()

	waitSignal(t, linker.connected, "first connect")
	linker.drop()
	waitSignal(t, sess.alerted, "link loss alert")

	time.Sleep(20 * time.Millisecond)
	if got := linker.connectCount(); got != 1 {
		t.Errorf("Connect calls = %d, want 1 (only alert the user)", got)
	}
}

func TestRunRetriesScanFailuresWithBackoff(t *testing.T) {
	scanner := &fakeScanner{results: []error{
		fmt.Errorf("ble: %w", ble.ErrScanTimeout),
		fmt.Errorf("ble: %w", ble.ErrScanTimeout),
		nil,
	}}
	linker := newFakeLinker()
	sess := newFakeSession()
	c := New(fakeGate{permission.Granted}, scanner, linker, sess, testOptions(true))

	stop := runController(t, c)
	defer stop()

	waitSignal(t, linker.connected, "connect after scan failures")
	if got := scanner.count(); got != 3 {
		t.Errorf("scans = %d, want 3", got)
	}
	first := waitSignal(t, sess.alerted, "scan alert")
	if first != "Car not found nearby" {
		t.Errorf("alert = %q, want %q", first, "Car not found nearby")
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	var sawReason bool
	for _, st := range sess.links {
		if errors.Is(st.Reason, ble.ErrScanTimeout) {
			sawReason = true
		}
	}
	if !sawReason {
		t.Error("session should see the scan failure as the link reason")
	}
}

func TestRunTwice(t *testing.T) {
	c := New(fakeGate{permission.Granted}, &fakeScanner{results: []error{nil}}, newFakeLinker(), newFakeSession(), testOptions(false))
	stop := runController(t, c)
	defer stop()

	// Let the first Run claim the controller.
	time.Sleep(10 * time.Millisecond)
	if err := c.Run(context.Background()); err == nil {
		t.Error("second concurrent Run() should fail")
	}
}

func TestBackoffDelay(t *testing.T) {
	delays := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second, // still capped
	}

	for i, want := range delays {
		got := backoffDelay(i, time.Second, 30*time.Second)
		if got != want {
			t.Errorf("backoffDelay(%d) = %v, want %v", i, got, want)
		}
	}
	if got := backoffDelay(-1, time.Second, 30*time.Second); got != time.Second {
		t.Errorf("backoffDelay(-1) = %v, want 1s", got)
	}
	if got := backoffDelay(1000, time.Second, 30*time.Second); got != 30*time.Second {
		t.Errorf("backoffDelay(1000) = %v, want cap", got)
	}
}

func TestAlertFor(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("x: %w", ble.ErrScanTimeout), "Car not found nearby"},
		{fmt.Errorf("x: %w", ble.ErrScan), "Scan failed: x: scan failed"},
		{fmt.Errorf("x: %w", ble.ErrConnect), "Connection failed: x: connect failed"},
	}
	for _, tt := range tests {
		if got := alertFor(tt.err); got != tt.want {
			t.Errorf("alertFor(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
