package ble

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	serial "go.bug.st/serial"
)

// SerialAdapter drives the car's UART bridge through a wired serial port
// instead of the radio. The port shows up as a single peripheral named
// after the configured device, exposing one characteristic that behaves like
// the HM-10's: lines read from the port arrive as notifications and writes
// go straight to the port.
type SerialAdapter struct {
	port        string
	baud        int
	name        string
	serviceUUID string
	charUUID    string

	open func(port string, baud int) (io.ReadWriteCloser, error)

	mu       sync.Mutex
	scanStop chan struct{}
}

// SerialOptions configures a SerialAdapter.
type SerialOptions struct {
	Port               string // e.g. /dev/ttyUSB0
	Baud               int    // HM-10 factory default is 9600
	DeviceName         string // name reported by Scan
	ServiceUUID        string
	CharacteristicUUID string
}

// NewSerialAdapter creates a serial-backed adapter.
func NewSerialAdapter(opts SerialOptions) *SerialAdapter {
	if opts.Baud <= 0 {
		opts.Baud = 9600
	}
	if opts.DeviceName == "" {
		opts.DeviceName = DefaultDeviceName
	}
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = ServiceUUID
	}
	if opts.CharacteristicUUID == "" {
		opts.CharacteristicUUID = CharacteristicUUID
	}
	return &SerialAdapter{
		port:        opts.Port,
		baud:        opts.Baud,
		name:        opts.DeviceName,
		serviceUUID: NormalizeUUID(opts.ServiceUUID),
		charUUID:    NormalizeUUID(opts.CharacteristicUUID),
		open:        openSerialPort,
	}
}

func openSerialPort(port string, baud int) (io.ReadWriteCloser, error) {
	p, err := serial.Open(port, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Enable checks that the configured port exists.
func (a *SerialAdapter) Enable() error {
	if a.port == "" {
		return errors.New("ble: serial port not configured")
	}
	ports, err := serial.GetPortsList()
	if err != nil {
		// Listing is best effort; Connect reports the real failure.
		slog.Debug("[BLE] list serial ports", "error", err)
		return nil
	}
	for _, p := range ports {
		if p == a.port {
			return nil
		}
	}
	slog.Warn("[BLE] serial port not listed", "port", a.port, "available", ports)
	return nil
}

// Scan reports the configured port once, then waits for StopScan or ctx.
func (a *SerialAdapter) Scan(ctx context.Context, callback func(Device)) error {
	stop := make(chan struct{})
	a.mu.Lock()
	a.scanStop = stop
	a.mu.Unlock()

	callback(Device{Name: a.name, Address: a.port})

	select {
	case <-ctx.Done():
	case <-stop:
	}
	return nil
}

func (a *SerialAdapter) StopScan() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.scanStop != nil {
		close(a.scanStop)
		a.scanStop = nil
	}
	return nil
}

func (a *SerialAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rwc, err := a.open(address, a.baud)
	if err != nil {
		return nil, fmt.Errorf("ble: open serial %s: %w", address, err)
	}
	conn := &serialConnection{
		address: address,
		rwc:     rwc,
		char:    &serialCharacteristic{uuid: a.charUUID, w: rwc},
		svcUUID: a.serviceUUID,
		closed:  make(chan struct{}),
	}
	go conn.readLoop()
	slog.Info("[BLE] serial link open", "port", address, "baud", a.baud)
	return conn, nil
}

var _ Adapter = (*SerialAdapter)(nil)

type serialConnection struct {
	address string
	rwc     io.ReadWriteCloser
	char    *serialCharacteristic
	svcUUID string

	mu           sync.Mutex
	disconnectCb func()
	closing      bool
	closed       chan struct{}
}

func (c *serialConnection) Address() string {
	return c.address
}

func (c *serialConnection) DiscoverServices() ([]Service, error) {
	return []Service{&serialService{uuid: c.svcUUID, char: c.char}}, nil
}

func (c *serialConnection) Disconnect() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()
	return c.rwc.Close()
}

func (c *serialConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// readLoop delivers each received line as one notification until the port
// fails or is closed.
func (c *serialConnection) readLoop() {
	defer close(c.closed)
	r := bufio.NewReader(c.rwc)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			c.char.notify([]byte(line))
		}
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			cb := c.disconnectCb
			c.mu.Unlock()
			if !closing {
				slog.Warn("[BLE] serial read failed", "port", c.address, "error", err)
				if cb != nil {
					cb()
				}
			}
			return
		}
	}
}

type serialService struct {
	uuid string
	char *serialCharacteristic
}

func (s *serialService) UUID() string {
	return s.uuid
}

func (s *serialService) DiscoverCharacteristics() ([]Characteristic, error) {
	return []Characteristic{s.char}, nil
}

type serialCharacteristic struct {
	uuid string
	w    io.Writer

	mu sync.Mutex
	cb func([]byte)
}

func (c *serialCharacteristic) UUID() string {
	return c.uuid
}

func (c *serialCharacteristic) Properties() Properties {
	return Properties{WriteWithoutResponse: true, Notify: true}
}

func (c *serialCharacteristic) WriteWithoutResponse(data []byte) error {
	_, err := c.w.Write(data)
	return err
}

func (c *serialCharacteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
	return nil
}

func (c *serialCharacteristic) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = nil
	return nil
}

func (c *serialCharacteristic) notify(data []byte) {
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}
