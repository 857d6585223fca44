package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/rcble/internal/ble"
	"github.com/chaz8081/rcble/internal/ble/protocol"
	"github.com/chaz8081/rcble/internal/config"
	"github.com/chaz8081/rcble/internal/controller"
	"github.com/chaz8081/rcble/internal/hotkey"
	"github.com/chaz8081/rcble/internal/permission"
	"github.com/chaz8081/rcble/internal/session"
	"github.com/chaz8081/rcble/internal/view/tui"
	"github.com/chaz8081/rcble/internal/view/web"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/rcble/config.yaml)")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	headless := flag.Bool("headless", false, "log telemetry instead of showing the terminal view")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			log.Printf("Config already exists at %s", config.DefaultConfigPath())
		} else {
			log.Printf("Wrote default config to %s", path)
		}
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *headless {
		cfg.UI.Mode = "headless"
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	closeLog, err := setupLogging(cfg)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer closeLog()

	printBanner(cfg)

	// Initialize transport
	adapter := newAdapter(cfg)
	if err := adapter.Enable(); err != nil {
		log.Fatalf("Failed to enable %s transport: %v\n\nCheck that Bluetooth is powered on (or the serial port exists) and this process may use it.", cfg.BLE.Transport, err)
	}
	scanner := ble.NewScanner(adapter)
	manager := ble.NewManager(adapter, ble.ManagerOptions{
		ServiceUUID:        cfg.Device.ServiceUUID,
		CharacteristicUUID: cfg.Device.CharacteristicUUID,
		ConnectTimeout:     cfg.BLE.ConnectTimeout,
	})

	sess, err := session.New(sessionOptions(cfg))
	if err != nil {
		log.Fatalf("session: %v", err)
	}

	gate := permission.NewGate(platform(cfg), permission.NewStaticRequester(deniedCapabilities(cfg)), sess)
	ctrl := controller.New(gate, scanner, manager, sess, controller.Options{
		Filter:      ble.Filter{Name: cfg.Device.Name, Address: cfg.Device.Address},
		ScanTimeout: cfg.BLE.ScanTimeout,
		Reconnect:   cfg.Reconnect.Enabled,
		MaxDelay:    cfg.Reconnect.MaxDelay,
	})

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessDone := make(chan struct{})
	go func() {
		defer close(sessDone)
		if err := sess.Run(ctx); err != nil {
			slog.Error("[SESSION] stopped", "error", err)
		}
	}()

	ctrlErr := make(chan error, 1)
	ctrlDone := make(chan struct{})
	go func() {
		defer close(ctrlDone)
		canRetry := cfg.UI.Mode == "tui" || cfg.Web.Addr != ""
		err := runController(ctx, ctrl, canRetry)
		if err != nil {
			slog.Error("[BLE] controller stopped", "error", err)
		}
		ctrlErr <- err
	}()

	if cfg.Web.Addr != "" {
		srv := web.NewServer(cfg.Web.Addr, sess, ctrl.Retry)
		go func() {
			if err := srv.Run(ctx); err != nil {
				slog.Error("[WEB] server stopped", "error", err)
			}
		}()
		log.Printf("Web view at http://%s", cfg.Web.Addr)
	}

	var listener *hotkey.Listener
	if cfg.Hotkey.Enabled {
		listener = hotkey.NewListener(cfg.Hotkey.ToggleKeys, cfg.Hotkey.StopKeys)
		go listener.Start()
		go hotkey.Forward(ctx, listener.Events(), sess)
		log.Printf("Hotkeys ready (GO/STOP: %s, e-stop: %s)",
			strings.Join(cfg.Hotkey.ToggleKeys, "+"), strings.Join(cfg.Hotkey.StopKeys, "+"))
	}

	exitCode := 0
	switch cfg.UI.Mode {
	case "tui":
		if err := tui.Run(ctx, sess, ctrl.Retry); err != nil {
			log.Printf("ERROR: %v", err)
			exitCode = 1
		}
	default:
		if err := runHeadless(ctx, sess, ctrlErr); err != nil {
			log.Printf("ERROR: %v", err)
			exitCode = 1
		}
	}

	log.Println("Shutting down...")
	stop()
	waitFor(ctrlDone, sessDone)
	log.Println("Goodbye!")

	if listener != nil {
		// Exit directly to avoid gohook's C cleanup crash.
		// The OS reclaims the event hook on process exit.
		os.Exit(exitCode)
	}
	if exitCode != 0 {
		closeLog()
		os.Exit(exitCode)
	}
}

// runController runs the controller. A permission denial is retried each
// time the user asks for it, when some view can ask.
func runController(ctx context.Context, ctrl *controller.Controller, canRetry bool) error {
	for {
		err := ctrl.Run(ctx)
		if !errors.Is(err, controller.ErrPermissionDenied) || !canRetry {
			return err
		}
		slog.Warn("[PERM] access not granted, waiting for retry", "error", err)
		if !ctrl.WaitRetry(ctx) {
			return nil
		}
	}
}

// runHeadless logs link changes, alerts and telemetry until ctx is done or
// the controller gives up.
func runHeadless(ctx context.Context, sess *session.Session, ctrlErr <-chan error) error {
	views, unsub := sess.Subscribe()
	defer unsub()

	log.Println("Ready! Ctrl+C to quit.")
	var last session.View
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-ctrlErr:
			if errors.Is(err, controller.ErrPermissionDenied) {
				return fmt.Errorf("%w: grant Bluetooth access and restart", err)
			}
			return err
		case v, ok := <-views:
			if !ok {
				return nil
			}
			logChanges(last, v)
			last = v
		}
	}
}

func logChanges(prev, v session.View) {
	if v.Link != prev.Link {
		if v.LinkReason != "" {
			log.Printf("Link: %s (%s)", v.Link, v.LinkReason)
		} else {
			log.Printf("Link: %s", v.Link)
		}
	}
	if v.Alert != prev.Alert || !v.AlertAt.Equal(prev.AlertAt) {
		if v.Alert != "" {
			log.Printf("ALERT: %s", v.Alert)
		}
	}
	if v.Current != prev.Current && v.HasFix {
		log.Printf("Car at %.6f, %.6f", v.Current.Latitude, v.Current.Longitude)
	}
	if v.Sensors != prev.Sensors {
		log.Printf("Sensors: %s", strings.Join(v.Sensors[:], " | "))
	}
	if v.Go != prev.Go {
		log.Printf("Mode: %s", v.Go)
	}
}

// waitFor gives the controller and session a moment to release the link.
func waitFor(ctrlDone, sessDone <-chan struct{}) {
	timeout := time.After(3 * time.Second)
	select {
	case <-ctrlDone:
	case <-timeout:
		slog.Warn("[BLE] controller did not stop in time")
		return
	}
	select {
	case <-sessDone:
	case <-timeout:
		slog.Warn("[SESSION] loop did not stop in time")
	}
}

func newAdapter(cfg *config.Config) ble.Adapter {
	if cfg.BLE.Transport == "serial" {
		return ble.NewSerialAdapter(ble.SerialOptions{
			Port:               cfg.BLE.Serial.Port,
			Baud:               cfg.BLE.Serial.Baud,
			DeviceName:         cfg.Device.Name,
			ServiceUUID:        cfg.Device.ServiceUUID,
			CharacteristicUUID: cfg.Device.CharacteristicUUID,
		})
	}
	return ble.NewTinygoAdapter()
}

func sessionOptions(cfg *config.Config) session.Options {
	opts := session.DefaultOptions()
	opts.Encoding = protocol.Encoding(cfg.Protocol.Encoding)
	opts.Delimiters = cfg.Protocol.Delimiters
	opts.StopCommand = cfg.Protocol.StopCommand
	opts.MaxWriteBytes = cfg.Protocol.MaxWriteBytes
	opts.WriteInterval = cfg.Protocol.WriteInterval
	opts.Reference = session.LocationFix{Latitude: cfg.Location.Latitude, Longitude: cfg.Location.Longitude}
	return opts
}

func platform(cfg *config.Config) permission.Platform {
	goos := cfg.Permission.Platform
	if goos == "" {
		goos = runtime.GOOS
	}
	return permission.Platform{
		OS:        goos,
		APILevel:  cfg.Permission.APILevel,
		Threshold: cfg.Permission.Threshold,
	}
}

func deniedCapabilities(cfg *config.Config) []permission.Capability {
	caps := make([]permission.Capability, 0, len(cfg.Permission.Denied))
	for _, name := range cfg.Permission.Denied {
		caps = append(caps, permission.Capability("android.permission."+name))
	}
	return caps
}

// setupLogging installs the slog default handler. The terminal view owns
// stderr, so without log_file it logs next to the config file.
func setupLogging(cfg *config.Config) (func(), error) {
	var w io.Writer = os.Stderr
	closer := func() {}

	path := cfg.LogFile
	if path == "" && cfg.UI.Mode == "tui" {
		path = filepath.Join(config.DefaultConfigDir(), "rcble.log")
	}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating log dir: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		w = f
		closer = func() { f.Close() }
		if cfg.UI.Mode == "tui" {
			log.SetOutput(f)
		}
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)})
	slog.SetDefault(slog.New(handler))
	return closer, nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	target := cfg.Device.Name
	if cfg.Device.Address != "" {
		target = strings.TrimSpace(target + " " + cfg.Device.Address)
	}
	fmt.Println("=== rcble ===")
	fmt.Printf("  Car:        %s\n", target)
	fmt.Printf("  Transport:  %s\n", cfg.BLE.Transport)
	fmt.Printf("  Protocol:   %s, %d-byte writes, stop %q\n", cfg.Protocol.Encoding, cfg.Protocol.MaxWriteBytes, cfg.Protocol.StopCommand)
	fmt.Printf("  Reconnect:  %t\n", cfg.Reconnect.Enabled)
	if cfg.Web.Addr != "" {
		fmt.Printf("  Web:        %s\n", cfg.Web.Addr)
	}
	fmt.Printf("  UI:         %s\n", cfg.UI.Mode)
	fmt.Printf("  Log:        %s\n", cfg.LogLevel)
	fmt.Println("=============")
}
