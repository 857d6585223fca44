// Package permission decides whether the process may scan for and connect to
// BLE peripherals on the current platform.
//
// Desktop hosts have no runtime BLE permission model and are always granted.
// Android hosts ask the platform permission subsystem through a Requester:
// below API level 31 a single fine-location grant is enough; from 31 on the
// scan, connect and fine-location capabilities must all be granted.
package permission

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Decision is the outcome of a permission request.
type Decision int

const (
	Denied Decision = iota
	Granted
	PermanentlyDenied
)

func (d Decision) String() string {
	switch d {
	case Granted:
		return "granted"
	case PermanentlyDenied:
		return "permanently denied"
	default:
		return "denied"
	}
}

// Capability is a platform permission identifier.
type Capability string

// Android capability identifiers.
const (
	FineLocation     Capability = "android.permission.ACCESS_FINE_LOCATION"
	BluetoothScan    Capability = "android.permission.BLUETOOTH_SCAN"
	BluetoothConnect Capability = "android.permission.BLUETOOTH_CONNECT"
)

// DefaultAPIThreshold is the first Android API level with split BLE permissions.
const DefaultAPIThreshold = 31

// Platform identifies the host the gate runs on.
type Platform struct {
	OS        string // linux, darwin, windows, ios, android
	APILevel  int    // android only
	Threshold int    // API level at which the batch request applies; 0 means DefaultAPIThreshold
}

// NeedsRuntimePermission reports whether the platform prompts for BLE access
// at runtime.
func (p Platform) NeedsRuntimePermission() bool {
	return strings.EqualFold(p.OS, "android")
}

func (p Platform) threshold() int {
	if p.Threshold > 0 {
		return p.Threshold
	}
	return DefaultAPIThreshold
}

// Requester talks to the platform permission subsystem. Each result is one
// of Granted, Denied or PermanentlyDenied.
type Requester interface {
	RequestSingle(ctx context.Context, c Capability) (Decision, error)
	RequestBatch(ctx context.Context, cs []Capability) (map[Capability]Decision, error)
}

// Notifier surfaces a non-blocking message to the user.
type Notifier interface {
	Notify(msg string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(msg string)

func (f NotifierFunc) Notify(msg string) { f(msg) }

// Gate resolves BLE access once per call. It never retries.
type Gate struct {
	platform  Platform
	requester Requester
	notifier  Notifier
}

// NewGate creates a Gate. requester may be nil on platforms without a runtime
// permission model; notifier may be nil to only log.
func NewGate(platform Platform, requester Requester, notifier Notifier) *Gate {
	return &Gate{platform: platform, requester: requester, notifier: notifier}
}

// RequiredCapabilities lists what must be granted on the gate's platform.
func (g *Gate) RequiredCapabilities() []Capability {
	if !g.platform.NeedsRuntimePermission() {
		return nil
	}
	if g.platform.APILevel < g.platform.threshold() {
		return []Capability{FineLocation}
	}
	return []Capability{BluetoothScan, BluetoothConnect, FineLocation}
}

// RequestAccess asks for every required capability and folds the answers
// into one Decision. A non-granted decision is reported to the notifier;
// the caller decides whether to proceed.
func (g *Gate) RequestAccess(ctx context.Context) Decision {
	caps := g.RequiredCapabilities()
	if len(caps) == 0 {
		slog.Debug("[PERM] no runtime permission model", "os", g.platform.OS)
		return Granted
	}

	var d Decision
	if g.requester == nil {
		slog.Error("[PERM] no permission requester configured", "os", g.platform.OS)
		d = Denied
	} else if len(caps) == 1 {
		d = g.requestSingle(ctx, caps[0])
	} else {
		d = g.requestBatch(ctx, caps)
	}

	slog.Info("[PERM] access decided", "os", g.platform.OS, "api_level", g.platform.APILevel, "decision", d)
	if d != Granted {
		g.notify(d, caps)
	}
	return d
}

func (g *Gate) requestSingle(ctx context.Context, c Capability) Decision {
	d, err := g.requester.RequestSingle(ctx, c)
	if err != nil {
		slog.Warn("[PERM] request failed", "capability", c, "error", err)
		return Denied
	}
	return d
}

func (g *Gate) requestBatch(ctx context.Context, caps []Capability) Decision {
	results, err := g.requester.RequestBatch(ctx, caps)
	if err != nil {
		slog.Warn("[PERM] batch request failed", "error", err)
		return Denied
	}
	return Combine(caps, results)
}

// Combine folds per-capability results: Granted only if every capability in
// caps is Granted; PermanentlyDenied if any is; Denied otherwise. A missing
// result counts as Denied.
func Combine(caps []Capability, results map[Capability]Decision) Decision {
	out := Granted
	for _, c := range caps {
		switch results[c] {
		case Granted:
		case PermanentlyDenied:
			return PermanentlyDenied
		default:
			out = Denied
		}
	}
	return out
}

func (g *Gate) notify(d Decision, caps []Capability) {
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = strings.TrimPrefix(string(c), "android.permission.")
	}
	msg := fmt.Sprintf("Bluetooth access %s (%s)", d, strings.Join(names, ", "))
	if d == PermanentlyDenied {
		msg += "; enable it in system settings"
	}
	if g.notifier != nil {
		g.notifier.Notify(msg)
	}
}
