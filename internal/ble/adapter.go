// Package ble provides the BLE central side of the RC car link: the transport
// abstraction, the device scanner, and the connection manager that resolves
// the car's UART characteristic.
package ble

import (
	"context"
	"strings"
)

// HM-10 UART bridge UUIDs used by the car.
const (
	ServiceUUID        = "0000ffe0-0000-1000-8000-00805f9b34fb"
	CharacteristicUUID = "0000ffe1-0000-1000-8000-00805f9b34fb"
)

// DefaultDeviceName is the name the car's BLE module advertises.
const DefaultDeviceName = "DSD TECH"

// Properties describes what a characteristic supports.
type Properties struct {
	WriteWithoutResponse bool
	Notify               bool
}

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// UUID returns the characteristic UUID in canonical lowercase form.
	UUID() string
	// Properties reports the supported operations.
	Properties() Properties
	// WriteWithoutResponse sends data without waiting for an acknowledgment.
	WriteWithoutResponse(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
	// Unsubscribe disables notifications.
	Unsubscribe() error
}

// Service represents a discovered GATT service.
type Service interface {
	UUID() string
	// DiscoverCharacteristics enumerates every characteristic of the service.
	DiscoverCharacteristics() ([]Characteristic, error)
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// Address returns the peripheral address this connection belongs to.
	Address() string
	// DiscoverServices enumerates every service of the peripheral.
	DiscoverServices() ([]Service, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports every advertisement to callback. It blocks until StopScan
	// is called, ctx is cancelled, or the transport fails.
	Scan(ctx context.Context, callback func(Device)) error
	// StopScan ends a running scan.
	StopScan() error
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}

// NormalizeUUID lowercases a UUID string for comparison. 16-bit short forms
// such as "FFE1" are expanded onto the Bluetooth base UUID.
func NormalizeUUID(uuid string) string {
	uuid = strings.ToLower(strings.TrimSpace(uuid))
	if len(uuid) == 4 {
		return "0000" + uuid + "-0000-1000-8000-00805f9b34fb"
	}
	return uuid
}
