// Package hotkey provides global hotkeys for driving the car using gohook.
// One key combo toggles GO/STOP, another always sends an emergency stop.
package hotkey

import (
	"context"
	"log/slog"
	"sync"

	hook "github.com/robotn/gohook"

	"github.com/chaz8081/rcble/internal/session"
)

// EventType indicates which action a hotkey requested.
type EventType int

const (
	// EventToggle flips between GO and STOP.
	EventToggle EventType = iota
	// EventStop requests an emergency stop.
	EventStop
)

func (t EventType) String() string {
	if t == EventStop {
		return "stop"
	}
	return "toggle"
}

// Event is emitted on the channel returned by Events.
type Event struct {
	Type EventType
}

// Listener manages the global hotkeys and emits events.
type Listener struct {
	toggleKeys []string
	stopKeys   []string
	ch         chan Event
	done       chan struct{}
	once       sync.Once
}

// NewListener creates a Listener for the two key combos. Keys should be
// lowercase key names (e.g., ["ctrl", "shift", "g"]).
func NewListener(toggleKeys, stopKeys []string) *Listener {
	return &Listener{
		toggleKeys: toggleKeys,
		stopKeys:   stopKeys,
		ch:         make(chan Event, 16),
		done:       make(chan struct{}),
	}
}

// Events returns the channel that receives hotkey events.
// The channel is closed when the listener stops.
func (l *Listener) Events() <-chan Event {
	return l.ch
}

// Start begins listening for the global hotkeys.
// This function blocks until Stop is called. Run it in a goroutine.
func (l *Listener) Start() {
	hook.Register(hook.KeyDown, l.toggleKeys, func(hook.Event) {
		l.emit(EventToggle)
	})
	hook.Register(hook.KeyDown, l.stopKeys, func(hook.Event) {
		l.emit(EventStop)
	})

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.ch)
}

// emit queues an event without blocking the hook thread.
func (l *Listener) emit(t EventType) {
	select {
	case l.ch <- Event{Type: t}:
	default:
		slog.Warn("[HOTKEY] event dropped", "type", t)
	}
}

// Stop terminates the hotkey listener.
// It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}

// Target receives hotkey actions.
type Target interface {
	ToggleGo() session.GoState
	EmergencyStop()
}

// Forward applies events to target until events is closed or ctx is done.
func Forward(ctx context.Context, events <-chan Event, target Target) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				slog.Debug("[HOTKEY] listener stopped")
				return
			}
			slog.Debug("[HOTKEY] pressed", "type", ev.Type)
			switch ev.Type {
			case EventToggle:
				st := target.ToggleGo()
				slog.Info("[HOTKEY] toggled", "state", st)
			case EventStop:
				target.EmergencyStop()
			}
		}
	}
}
