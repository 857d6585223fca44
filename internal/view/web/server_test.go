package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/rcble/internal/ble"
	"github.com/chaz8081/rcble/internal/session"
)

// fakeSession records commands and publishes views to subscribers.
type fakeSession struct {
	mu      sync.Mutex
	view    session.View
	toggles int
	stops   int
	subs    []chan session.View
	subbed  chan struct{}
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		view: session.View{
			Current:     session.ReferenceFix,
			Destination: session.ReferenceFix,
			Link:        ble.PhaseReady,
			Device:      ble.Device{Name: "DSD TECH"},
		},
		subbed: make(chan struct{}, 4),
	}
}

func (f *fakeSession) Snapshot() session.View {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view
}

func (f *fakeSession) Subscribe() (<-chan session.View, func()) {
	f.mu.Lock()
	ch := make(chan session.View, 8)
	ch <- f.view
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	f.subbed <- struct{}{}
	return ch, func() {}
}

func (f *fakeSession) SetDestination(fix session.LocationFix) error {
	if fix.Latitude > 90 || fix.Latitude < -90 {
		return fmt.Errorf("session: %w", session.ErrInvalidDestination)
	}
	f.mu.Lock()
	f.view.Destination = fix
	f.mu.Unlock()
	f.push()
	return nil
}

func (f *fakeSession) ToggleGo() session.GoState {
	f.mu.Lock()
	f.toggles++
	if f.view.Go == session.Idle {
		f.view.Go = session.Commanding
	} else {
		f.view.Go = session.Idle
	}
	st := f.view.Go
	f.mu.Unlock()
	f.push()
	return st
}

func (f *fakeSession) EmergencyStop() {
	f.mu.Lock()
	f.stops++
	f.view.Go = session.Idle
	f.mu.Unlock()
	f.push()
}

func (f *fakeSession) push() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- f.view:
		default:
		}
	}
}

func decodeView(t *testing.T, resp *http.Response) viewJSON {
	t.Helper()
	defer resp.Body.Close()
	var v viewJSON
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestGetState(t *testing.T) {
	srv := httptest.NewServer(NewServer("", newFakeSession(), nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/state")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	v := decodeView(t, resp)
	if v.Current != session.ReferenceFix {
		t.Errorf("current = %+v, want %+v", v.Current, session.ReferenceFix)
	}
	if v.Go != "idle" {
		t.Errorf("go = %q, want idle", v.Go)
	}
	if v.Link != ble.PhaseReady.String() {
		t.Errorf("link = %q, want %q", v.Link, ble.PhaseReady.String())
	}
	if v.Device != "DSD TECH" {
		t.Errorf("device = %q", v.Device)
	}
	if len(v.Sensors) != session.SensorSlotCount {
		t.Errorf("sensors = %d, want %d", len(v.Sensors), session.SensorSlotCount)
	}
	if v.AlertAt != nil {
		t.Errorf("alert_at = %v, want omitted", v.AlertAt)
	}
}

func TestPostDestination(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"valid", `{"latitude":37.5,"longitude":-122.1}`, http.StatusOK},
		{"zero is valid", `{"latitude":0,"longitude":0}`, http.StatusOK},
		{"out of range", `{"latitude":91,"longitude":0}`, http.StatusBadRequest},
		{"missing longitude", `{"latitude":37.5}`, http.StatusBadRequest},
		{"not json", `lat=1`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := newFakeSession()
			srv := httptest.NewServer(NewServer("", sess, nil).Handler())
			defer srv.Close()

			resp, err := http.Post(srv.URL+"/api/destination", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestPostDestinationUpdatesView(t *testing.T) {
	sess := newFakeSession()
	srv := httptest.NewServer(NewServer("", sess, nil).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/destination", "application/json",
		strings.NewReader(`{"latitude":37.5,"longitude":-122.1}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	v := decodeView(t, resp)
	want := session.LocationFix{Latitude: 37.5, Longitude: -122.1}
	if v.Destination != want {
		t.Errorf("destination = %+v, want %+v", v.Destination, want)
	}
}

func TestPostGoAndStop(t *testing.T) {
	sess := newFakeSession()
	srv := httptest.NewServer(NewServer("", sess, nil).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/go", "application/json", nil)
	if err != nil {
		t.Fatalf("POST go: %v", err)
	}
	if v := decodeView(t, resp); v.Go != "commanding" {
		t.Errorf("go after toggle = %q, want commanding", v.Go)
	}

	resp, err = http.Post(srv.URL+"/api/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("POST stop: %v", err)
	}
	if v := decodeView(t, resp); v.Go != "idle" {
		t.Errorf("go after stop = %q, want idle", v.Go)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.toggles != 1 || sess.stops != 1 {
		t.Errorf("toggles = %d, stops = %d, want 1 and 1", sess.toggles, sess.stops)
	}
}

func TestPostRetry(t *testing.T) {
	var called int
	srv := httptest.NewServer(NewServer("", newFakeSession(), func() { called++ }).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/retry", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
	if called != 1 {
		t.Errorf("retry calls = %d, want 1", called)
	}

	noRetry := httptest.NewServer(NewServer("", newFakeSession(), nil).Handler())
	defer noRetry.Close()
	resp, err = http.Post(noRetry.URL+"/api/retry", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("status without retry = %d, want 501", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv := httptest.NewServer(NewServer("", newFakeSession(), nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/go")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readView(t *testing.T, conn *websocket.Conn) viewJSON {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var v viewJSON
	if err := conn.ReadJSON(&v); err != nil {
		t.Fatalf("read: %v", err)
	}
	return v
}

func TestStreamSendsInitialView(t *testing.T) {
	srv := httptest.NewServer(NewServer("", newFakeSession(), nil).Handler())
	defer srv.Close()

	conn := dialWS(t, srv)
	defer conn.Close()

	v := readView(t, conn)
	if v.Destination != session.ReferenceFix {
		t.Errorf("destination = %+v, want reference", v.Destination)
	}
}

func TestStreamAppliesCommands(t *testing.T) {
	sess := newFakeSession()
	srv := httptest.NewServer(NewServer("", sess, nil).Handler())
	defer srv.Close()

	conn := dialWS(t, srv)
	defer conn.Close()
	readView(t, conn) // initial

	if err := conn.WriteJSON(map[string]any{"type": "toggle"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if v := readView(t, conn); v.Go != "commanding" {
		t.Errorf("go = %q, want commanding", v.Go)
	}

	if err := conn.WriteJSON(map[string]any{"type": "destination", "latitude": 1.5, "longitude": 2.5}); err != nil {
		t.Fatalf("write: %v", err)
	}
	want := session.LocationFix{Latitude: 1.5, Longitude: 2.5}
	if v := readView(t, conn); v.Destination != want {
		t.Errorf("destination = %+v, want %+v", v.Destination, want)
	}

	if err := conn.WriteJSON(map[string]any{"type": "stop"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if v := readView(t, conn); v.Go != "idle" {
		t.Errorf("go = %q, want idle", v.Go)
	}
}

func TestStreamForwardsSessionUpdates(t *testing.T) {
	sess := newFakeSession()
	srv := httptest.NewServer(NewServer("", sess, nil).Handler())
	defer srv.Close()

	conn := dialWS(t, srv)
	defer conn.Close()
	<-sess.subbed
	readView(t, conn)

	sess.EmergencyStop()
	if v := readView(t, conn); v.Go != "idle" {
		t.Errorf("go = %q, want idle", v.Go)
	}
}

func TestNewViewJSONAlertAt(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	v := newViewJSON(session.View{Alert: "Car not found nearby", AlertAt: at})
	if v.AlertAt == nil || !v.AlertAt.Equal(at) {
		t.Errorf("alert_at = %v, want %v", v.AlertAt, at)
	}
	if v.Alert != "Car not found nearby" {
		t.Errorf("alert = %q", v.Alert)
	}
}
