// Package session runs the steady-state exchange with the car: it applies
// inbound telemetry to the view state and issues GO/STOP/coordinate commands.
//
// All session state is owned by one event loop goroutine started with Run.
// Public methods hand their work to that loop and wait for it, so callers on
// any goroutine (transport callbacks, UI handlers, the controller) observe a
// single serialized order of events.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/chaz8081/rcble/internal/ble"
	"github.com/chaz8081/rcble/internal/ble/protocol"
)

var (
	// ErrWriteUnsupported means the characteristic cannot write without response.
	ErrWriteUnsupported = errors.New("characteristic does not support write without response")
	// ErrNoCharacteristic means no link is ready for writes.
	ErrNoCharacteristic = errors.New("no characteristic")
	// ErrInvalidDestination rejects coordinates outside WGS84 bounds.
	ErrInvalidDestination = errors.New("invalid destination")
	// ErrClosed is returned once Run has exited.
	ErrClosed = errors.New("session closed")
)

// Options configures a Session.
type Options struct {
	Encoding      protocol.Encoding
	Delimiters    string
	StopCommand   string
	MaxWriteBytes int           // per-write payload limit, counted after encoding
	WriteInterval time.Duration // minimum spacing between writes; 0 disables pacing
	Reference     LocationFix   // shown until the first fix arrives
	InboxSize     int           // buffered notifications before drops
}

// DefaultOptions returns raw encoding, the standard delimiters, "STOP" and
// 20-byte writes.
func DefaultOptions() Options {
	return Options{
		Encoding:      protocol.EncodingRaw,
		Delimiters:    protocol.DefaultDelimiters,
		StopCommand:   protocol.StopCommand,
		MaxWriteBytes: protocol.MaxPayloadBytes,
		Reference:     ReferenceFix,
		InboxSize:     64,
	}
}

type notification struct {
	gen  uint64
	data []byte
}

// Session is the telemetry/command session for one car.
type Session struct {
	codec    *protocol.Codec
	parser   *protocol.Parser
	framer   *protocol.Framer
	maxWrite int
	limiter  *rate.Limiter

	ops     chan func(ctx context.Context)
	inbox   chan notification
	done    chan struct{}
	running atomic.Bool
	bus     *viewBus
	latest  atomic.Pointer[View]

	// Loop-owned state.
	char    ble.Characteristic // write target, nil when the link is down
	sub     ble.Characteristic // characteristic with an active subscription
	subGen  uint64
	linkGen uint64 // generation of the last link state seen by SetLink
	sensors SensorSlots
	view    View
}

// New creates a Session. Call Run to start its loop.
func New(opts Options) (*Session, error) {
	codec, err := protocol.NewCodec(opts.Encoding)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	framer, err := protocol.NewFramer(opts.StopCommand)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if opts.MaxWriteBytes <= 0 {
		opts.MaxWriteBytes = protocol.MaxPayloadBytes
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 64
	}

	limit := rate.Inf
	if opts.WriteInterval > 0 {
		limit = rate.Every(opts.WriteInterval)
	}

	s := &Session{
		codec:    codec,
		parser:   protocol.NewParser(opts.Delimiters),
		framer:   framer,
		maxWrite: chunkLimit(codec.Encoding(), opts.MaxWriteBytes),
		limiter:  rate.NewLimiter(limit, 1),
		ops:      make(chan func(ctx context.Context)),
		inbox:    make(chan notification, opts.InboxSize),
		done:     make(chan struct{}),
		bus:      newViewBus(),
		view: View{
			Current:     opts.Reference,
			Destination: opts.Reference,
		},
	}
	v := s.view
	s.latest.Store(&v)
	return s, nil
}

// chunkLimit converts a per-write byte limit into a limit on frame text.
func chunkLimit(enc protocol.Encoding, maxBytes int) int {
	if enc == protocol.EncodingBase64 {
		// 3 text bytes become 4 encoded bytes.
		if n := maxBytes / 4 * 3; n > 0 {
			return n
		}
		return 1
	}
	return maxBytes
}

// Run processes session events until ctx is done. It returns nil on
// cancellation.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("session: already running")
	}
	defer close(s.done)
	defer s.bus.closeAll()

	slog.Debug("[SESSION] loop started")
	for {
		select {
		case <-ctx.Done():
			s.stopNotifications()
			slog.Debug("[SESSION] loop stopped")
			return nil
		case op := <-s.ops:
			op(ctx)
		case n := <-s.inbox:
			s.handleNotification(n)
		}
	}
}

// do runs fn on the loop and waits for it to finish.
func (s *Session) do(fn func(ctx context.Context)) error {
	finished := make(chan struct{})
	op := func(ctx context.Context) {
		defer close(finished)
		fn(ctx)
	}
	select {
	case s.ops <- op:
	case <-s.done:
		return ErrClosed
	}
	<-finished
	return nil
}

// StartNotifications subscribes to char, replacing any earlier subscription.
// char also becomes the write target. link is the generation of the
// connection attempt that produced char; the call fails with
// ErrNoCharacteristic unless SetLink last reported that attempt as Ready.
func (s *Session) StartNotifications(char ble.Characteristic, link uint64) error {
	var err error
	if derr := s.do(func(context.Context) { err = s.startNotifications(char, link) }); derr != nil {
		return derr
	}
	return err
}

func (s *Session) startNotifications(char ble.Characteristic, link uint64) error {
	if s.view.Link != ble.PhaseReady || s.linkGen != link {
		slog.Warn("[SESSION] refusing characteristic from a stale link",
			"generation", link, "current", s.linkGen, "phase", s.view.Link)
		return fmt.Errorf("session: start notifications: link %d is not ready: %w", link, ErrNoCharacteristic)
	}
	s.stopNotifications()
	s.char = char
	if char == nil {
		return fmt.Errorf("session: start notifications: %w", ErrNoCharacteristic)
	}
	if !char.Properties().Notify {
		slog.Warn("[SESSION] characteristic does not notify; telemetry unavailable", "characteristic", char.UUID())
		return nil
	}

	s.subGen++
	gen := s.subGen
	if err := char.Subscribe(func(data []byte) { s.post(gen, data) }); err != nil {
		return fmt.Errorf("session: subscribe: %w", err)
	}
	s.sub = char
	slog.Info("[SESSION] notifications started", "characteristic", char.UUID(), "generation", gen)
	return nil
}

// StopNotifications cancels the active subscription. Payloads already
// queued from it are discarded.
func (s *Session) StopNotifications() {
	_ = s.do(func(context.Context) { s.stopNotifications() })
}

func (s *Session) stopNotifications() {
	s.subGen++
	if s.sub == nil {
		return
	}
	if err := s.sub.Unsubscribe(); err != nil {
		slog.Warn("[SESSION] unsubscribe", "error", err)
	}
	s.sub = nil
	slog.Debug("[SESSION] notifications stopped")
}

// post queues a notification from the transport without blocking it.
func (s *Session) post(gen uint64, data []byte) {
	select {
	case s.inbox <- notification{gen: gen, data: data}:
	default:
		slog.Warn("[SESSION] inbox full, dropping notification", "bytes", len(data))
	}
}

func (s *Session) handleNotification(n notification) {
	if s.sub == nil || n.gen != s.subGen {
		slog.Debug("[SESSION] discarding stale notification", "generation", n.gen, "current", s.subGen)
		return
	}
	text, err := s.codec.DecodeNotification(n.data)
	if err != nil {
		slog.Warn("[SESSION] decode notification", "error", err)
		return
	}
	changed := false
	for _, line := range protocol.SplitLines(text) {
		if s.applyLine(line) {
			changed = true
		}
	}
	if changed {
		s.publish()
	}
}

// applyLine parses one telemetry line into the view. It reports whether the
// view changed.
func (s *Session) applyLine(line string) bool {
	tv, err := s.parser.ParseLine(line)
	if err != nil {
		slog.Warn("[SESSION] dropping telemetry", "line", line, "error", err)
		return false
	}
	switch tv.Tag {
	case protocol.TagLatitude:
		s.view.Current.Latitude = tv.Value
		s.view.HasFix = true
	case protocol.TagLongitude:
		s.view.Current.Longitude = tv.Value
		s.view.HasFix = true
	default:
		s.sensors.Push(tv.Raw)
	}
	slog.Debug("[SESSION] telemetry", "tag", tv.Tag, "raw", tv.Raw)
	return true
}

// SendCommand writes text to the car without waiting for acknowledgment.
// Failures are logged, not returned.
func (s *Session) SendCommand(text string) {
	_ = s.do(func(ctx context.Context) { _ = s.send(ctx, text) })
}

// send chunks, paces and writes one frame.
func (s *Session) send(ctx context.Context, frame string) error {
	if s.char == nil {
		slog.Warn("[SESSION] no link, command dropped", "frame", frame)
		return ErrNoCharacteristic
	}
	if !s.char.Properties().WriteWithoutResponse {
		slog.Warn("[SESSION] write without response unsupported, command dropped",
			"characteristic", s.char.UUID(), "frame", frame)
		return ErrWriteUnsupported
	}
	for _, chunk := range protocol.ChunkFrame(frame, s.maxWrite) {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("session: pace write: %w", err)
		}
		if err := s.char.WriteWithoutResponse(s.codec.EncodeCommand(chunk)); err != nil {
			slog.Warn("[SESSION] write failed", "frame", frame, "error", err)
			return fmt.Errorf("session: write: %w", err)
		}
	}
	slog.Debug("[SESSION] sent", "frame", frame)
	return nil
}

// sendAll writes frames in order, stopping at the first failure.
func (s *Session) sendAll(ctx context.Context, frames ...string) {
	for _, f := range frames {
		if err := s.send(ctx, f); err != nil {
			return
		}
	}
}

// ToggleGo sends GO plus the destination when idle, or STOP when
// commanding, and returns the new state. The state flips even when the
// writes could not be made.
func (s *Session) ToggleGo() GoState {
	var out GoState
	_ = s.do(func(ctx context.Context) {
		if s.view.Go == Idle {
			d := s.view.Destination
			s.sendAll(ctx, s.framer.Go(), s.framer.Latitude(d.Latitude), s.framer.Longitude(d.Longitude))
			s.view.Go = Commanding
		} else {
			s.sendAll(ctx, s.framer.Stop())
			s.view.Go = Idle
		}
		slog.Info("[SESSION] go state", "state", s.view.Go)
		s.publish()
		out = s.view.Go
	})
	return out
}

// EmergencyStop always sends STOP and forces Idle.
func (s *Session) EmergencyStop() {
	_ = s.do(func(ctx context.Context) {
		s.sendAll(ctx, s.framer.Stop())
		if s.view.Go != Idle {
			slog.Info("[SESSION] emergency stop")
		}
		s.view.Go = Idle
		s.publish()
	})
}

// SetDestination records a new destination. While commanding, the new
// coordinates are streamed to the car immediately.
func (s *Session) SetDestination(fix LocationFix) error {
	if !validFix(fix) {
		return fmt.Errorf("session: %v,%v: %w", fix.Latitude, fix.Longitude, ErrInvalidDestination)
	}
	return s.do(func(ctx context.Context) {
		s.view.Destination = fix
		if s.view.Go == Commanding {
			s.sendAll(ctx, s.framer.Latitude(fix.Latitude), s.framer.Longitude(fix.Longitude))
		}
		s.publish()
	})
}

func validFix(f LocationFix) bool {
	for _, v := range []float64{f.Latitude, f.Longitude} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return math.Abs(f.Latitude) <= 90 && math.Abs(f.Longitude) <= 180
}

// SetLink records a connection state change. Any phase other than Ready
// drops the write target and the subscription; a commanding car falls back
// to Idle because it can no longer be steered.
func (s *Session) SetLink(st ble.State) {
	_ = s.do(func(context.Context) {
		s.view.Link = st.Phase
		s.view.Device = st.Device
		s.linkGen = st.Generation
		s.view.LinkReason = ""
		if st.Reason != nil {
			s.view.LinkReason = st.Reason.Error()
		}
		if st.Phase != ble.PhaseReady {
			s.char = nil
			s.sub = nil
			s.subGen++
			if s.view.Go == Commanding {
				slog.Warn("[SESSION] link lost while commanding, going idle")
				s.view.Go = Idle
			}
		}
		s.publish()
	})
}

// Notify records a user-visible alert.
func (s *Session) Notify(msg string) {
	slog.Warn("[SESSION] alert", "message", msg)
	_ = s.do(func(context.Context) {
		s.view.Alert = msg
		s.view.AlertAt = time.Now()
		s.publish()
	})
}

// Snapshot returns the most recently published view.
func (s *Session) Snapshot() View {
	return *s.latest.Load()
}

// Subscribe returns a channel of view updates, primed with the current view,
// and a func that ends the subscription. The channel is closed when the
// session stops. Slow readers miss intermediate views.
func (s *Session) Subscribe() (<-chan View, func()) {
	var (
		ch    <-chan View
		unsub func()
	)
	err := s.do(func(context.Context) {
		ch, unsub = s.bus.subscribe(16, s.Snapshot())
	})
	if err != nil {
		closed := make(chan View)
		close(closed)
		return closed, func() {}
	}
	return ch, unsub
}

// publish stores the current view and fans it out. Loop only.
func (s *Session) publish() {
	s.view.Sensors = s.sensors.Values()
	s.view.SensorNext = s.sensors.Next()
	s.view.UpdatedAt = time.Now()
	v := s.view
	s.latest.Store(&v)
	s.bus.publish(v)
}
