// Command rcble-scan is a manual test for the BLE scanner.
// It lists advertising peripherals and marks the ones matching the filter.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/rcble-scan [--name "DSD TECH"] [--address 68:5E:1C:4C:36:F6] [--timeout 30s]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/rcble/internal/ble"
)

func main() {
	name := flag.String("name", ble.DefaultDeviceName, "advertised name to match")
	address := flag.String("address", "", "address to match")
	timeout := flag.Duration("timeout", 30*time.Second, "how long to scan (0 scans until Ctrl+C)")
	serialPort := flag.String("serial", "", "scan a serial UART bridge on this port instead of the radio")
	flag.Parse()

	var adapter ble.Adapter
	if *serialPort != "" {
		adapter = ble.NewSerialAdapter(ble.SerialOptions{Port: *serialPort, DeviceName: *name})
	} else {
		adapter = ble.NewTinygoAdapter()
	}
	if err := adapter.Enable(); err != nil {
		fmt.Fprintf(os.Stderr, "enable adapter: %v\n", err)
		os.Exit(1)
	}

	filter := ble.Filter{Name: *name, Address: *address}
	fmt.Printf("Scanning for %s...\n", filter)
	fmt.Println("Press Ctrl+C to exit.")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	seen := make(map[string]bool)
	scanner := ble.NewScanner(adapter)
	_, err := scanner.Discover(ctx, func(d ble.Device) bool {
		if seen[d.Address] {
			return false
		}
		seen[d.Address] = true

		mark := "   "
		if filter.Match(d) {
			mark = ">>>"
		}
		fmt.Printf("%s %-17s  %4d dBm  %q\n", mark, d.Address, d.RSSI, d.Name)
		return false
	})

	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, ble.ErrScanTimeout):
	default:
		fmt.Fprintf(os.Stderr, "scan: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nDone. %d peripheral(s) seen.\n", len(seen))
}
