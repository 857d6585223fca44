package session

import (
	"time"

	"github.com/chaz8081/rcble/internal/ble"
)

// ReferenceFix is the coordinate shown until the car reports a position.
var ReferenceFix = LocationFix{Latitude: 37.33935, Longitude: -121.88074}

// LocationFix is a WGS84 coordinate in degrees.
type LocationFix struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// SensorSlotCount is the number of rotating sensor slots.
const SensorSlotCount = 3

// SensorSlots is a fixed ring of the most recent untagged readings.
type SensorSlots struct {
	values [SensorSlotCount]string
	next   int
}

// Push writes v into the current slot and advances the index.
func (s *SensorSlots) Push(v string) {
	s.values[s.next] = v
	s.next = (s.next + 1) % SensorSlotCount
}

// Values returns a copy of the slots, slot 0 first.
func (s *SensorSlots) Values() [SensorSlotCount]string {
	return s.values
}

// Next returns the index the next reading will be written to.
func (s *SensorSlots) Next() int {
	return s.next
}

// GoState is the car's command mode.
type GoState int

const (
	Idle GoState = iota
	Commanding
)

func (g GoState) String() string {
	if g == Commanding {
		return "commanding"
	}
	return "idle"
}

// View is a read-only snapshot for presentation adapters.
type View struct {
	Current     LocationFix
	Destination LocationFix
	HasFix      bool // Current came from telemetry rather than ReferenceFix
	Sensors     [SensorSlotCount]string
	SensorNext  int
	Go          GoState
	Link        ble.Phase
	LinkReason  string
	Device      ble.Device
	Alert       string
	AlertAt     time.Time
	UpdatedAt   time.Time
}
