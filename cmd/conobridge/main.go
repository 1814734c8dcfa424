// Command conobridge hosts an emulated conoscope behind the link protocol so
// conoctl can be exercised over TCP or a serial cable without an instrument.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/conoscope-control/conoctl/internal/config"
	"github.com/conoscope-control/conoctl/internal/device"
	"github.com/conoscope-control/conoctl/internal/device/emulator"
	"github.com/conoscope-control/conoctl/internal/device/link"
	"github.com/conoscope-control/conoctl/internal/logging"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to a YAML or TOML configuration file")
		listenAddr = flag.String("listen", ":7600", "TCP address to serve; empty disables TCP")
		serialPort = flag.String("serial", "", "Serial port to serve")
		baudRate   = flag.Int("baud", link.DefaultBaudRate, "Serial baud rate")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	if *listenAddr == "" && *serialPort == "" {
		log.Error("Nothing to serve: set -listen or -serial")
		os.Exit(1)
	}

	if err := run(*listenAddr, *serialPort, *baudRate, cfg.Device.Emulator.Options(), log); err != nil {
		log.WithError(err).Error("conobridge stopped with error")
		os.Exit(1)
	}
}

func run(listenAddr, serialPort string, baudRate int, opts emulator.Options, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	factory := func() device.Executor {
		log.Debug("Starting emulated instrument for new client")
		return emulator.New(opts)
	}

	errCh := make(chan error, 2)
	running := 0

	if listenAddr != "" {
		ln, err := net.Listen("tcp", listenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", listenAddr, err)
		}
		log.WithField("addr", ln.Addr().String()).Info("Bridge listening")
		running++
		go func() { errCh <- link.ServeListener(ctx, ln, factory, log) }()
	}

	if serialPort != "" {
		running++
		go func() { errCh <- link.ServeSerial(ctx, serialPort, baudRate, factory, log) }()
	}

	var firstErr error
	for ; running > 0; running-- {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			stop()
		}
	}

	log.Info("Bridge stopped")
	return firstErr
}
