// Command conoctl drives a conoscope instrument: it opens a device session,
// optionally runs one capture sequence, and serves the HTTP control surface
// until interrupted.
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

	"github.com/sirupsen/logrus"

	"github.com/conoscope-control/conoctl/internal/api"
	"github.com/conoscope-control/conoctl/internal/audit"
	"github.com/conoscope-control/conoctl/internal/auth"
	"github.com/conoscope-control/conoctl/internal/broker"
	"github.com/conoscope-control/conoctl/internal/config"
	"github.com/conoscope-control/conoctl/internal/device"
	"github.com/conoscope-control/conoctl/internal/device/emulator"
	"github.com/conoscope-control/conoctl/internal/device/link"
	"github.com/conoscope-control/conoctl/internal/logging"
	"github.com/conoscope-control/conoctl/internal/metrics"
	"github.com/conoscope-control/conoctl/internal/model"
	"github.com/conoscope-control/conoctl/internal/sequence"
	"github.com/conoscope-control/conoctl/internal/session"
	"github.com/conoscope-control/conoctl/internal/telemetry"
)

// Version is the conoctl release.
const Version = "1.0.0"

func main() {
	var (
		configPath  = flag.String("config", "", "Path to a YAML or TOML configuration file")
		emulate     = flag.Bool("emulate", false, "Use the in-process emulator instead of a serial bridge")
		serialPort  = flag.String("serial", "", "Serial port of the device bridge")
		bridgeAddr  = flag.String("bridge", "", "TCP address of a conobridge host")
		addr        = flag.String("addr", "", "HTTP listen address")
		runSequence = flag.Bool("run-sequence", false, "Run the configured capture plan once after startup")
		listPorts   = flag.Bool("list-ports", false, "List serial ports and exit")
	)
	flag.Parse()

	if *listPorts {
		ports, err := link.ListPorts()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to list serial ports: %v\n", err)
			os.Exit(1)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Flags win over file and environment.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "emulate":
			cfg.Device.Emulate = *emulate
		case "serial":
			cfg.Device.SerialPort = *serialPort
			cfg.Device.Emulate = false
		case "bridge":
			cfg.Device.BridgeAddr = *bridgeAddr
			cfg.Device.Emulate = false
		case "addr":
			cfg.API.Addr = *addr
		}
	})
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, *runSequence, log); err != nil {
		log.WithError(err).Error("conoctl stopped with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, runSequence bool, log *logrus.Logger) error {
	log.WithField("version", Version).Info("Starting conoctl")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var auditLogger *audit.Logger
	if cfg.Audit.Enabled {
		var err error
		auditLogger, err = audit.NewLogger(audit.Options{
			Dir:        cfg.Audit.Dir,
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAgeDays: cfg.Audit.MaxAgeDays,
			Compress:   cfg.Audit.Compress,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize audit logger: %w", err)
		}
		defer func() {
			if err := auditLogger.Close(); err != nil {
				log.WithError(err).Warn("Error closing audit logger")
			}
		}()
		log.WithField("file", auditLogger.GetFilePath()).Info("Audit logger initialized")
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(log)
		m.StartRuntimeMonitor(ctx, cfg.Metrics.RuntimeInterval)
	}

	hub := telemetry.NewHub(telemetry.Options{
		HeartbeatInterval: cfg.Telemetry.HeartbeatInterval,
		HeartbeatJitter:   cfg.Telemetry.HeartbeatJitter,
		EventBufferSize:   cfg.Telemetry.EventBufferSize,
	}, log)
	defer hub.Stop()

	var pub *broker.Publisher
	if cfg.Redis.Enabled {
		var err error
		pub, err = broker.NewPublisher(ctx, broker.Options{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			Channel:    cfg.Redis.Channel,
			HistoryKey: cfg.Redis.HistoryKey,
			Format:     cfg.Redis.Format,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to connect progress broker: %w", err)
		}
		defer func() {
			if err := pub.Close(); err != nil {
				log.WithError(err).Warn("Error closing progress broker")
			}
		}()
	}

	exec, disconnect, err := newExecutor(ctx, cfg.Device, log)
	if err != nil {
		return err
	}
	defer disconnect()

	sess := session.New(exec, session.Options{
		StartupDelay:    cfg.Session.StartupDelay,
		CommandTimeout:  cfg.Session.CommandTimeout,
		ShutdownTimeout: cfg.Session.ShutdownTimeout,
		QueueSize:       cfg.Session.QueueSize,
		VersionPolicy: session.StrictVersion{
			LibraryName:     cfg.Session.LibraryName,
			LibraryVersion:  cfg.Session.LibraryVersion,
			PipelineName:    cfg.Session.PipelineName,
			PipelineVersion: cfg.Session.PipelineVersion,
		},
	}, log)
	sess.SetEventPublisher(hub)
	if auditLogger != nil {
		sess.SetAuditLogger(auditLogger)
	}
	if m != nil {
		sess.SetMetrics(m)
	}

	if _, err := sess.Open(ctx); err != nil {
		return fmt.Errorf("failed to open device session: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Session.ShutdownTimeout+time.Second)
		defer cancel()
		if err := sess.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Device session did not shut down cleanly")
		} else {
			log.Info("Device session closed")
		}
	}()

	orch := sequence.New(sess, sequence.Options{PollInterval: cfg.Sequence.PollInterval}, log)
	orch.SetEventPublisher(hub)
	if pub != nil {
		orch.SetProgressPublisher(pub)
	}
	if m != nil {
		orch.SetMetrics(m)
	}
	if auditLogger != nil {
		orch.SetAuditLogger(auditLogger)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := orch.Close(closeCtx); err != nil {
			log.WithError(err).Warn("Capture sequence did not stop in time")
		}
	}()

	hub.SetSnapshot(func() map[string]interface{} {
		return map[string]interface{}{
			"library":  sess.LibraryVersion(),
			"sequence": orch.Poll(),
			"active":   orch.Active(),
		}
	})

	result, err := sess.DeviceOpen(ctx)
	if err == nil {
		err = device.AsError(device.CmdOpen, result)
	}
	if err != nil {
		return fmt.Errorf("failed to open instrument: %w", err)
	}
	log.WithFields(logrus.Fields{
		"camera":  result.Extras["CameraSerialNumber"],
		"cfgPath": result.Extras["CfgPath"],
	}).Info("Instrument opened")

	if runSequence {
		if err := runPlan(ctx, orch, cfg.Sequence.Plan.CaptureConfig(), log); err != nil {
			return err
		}
	}

	if !cfg.API.Enabled {
		if !runSequence {
			<-ctx.Done()
		}
		return nil
	}

	var mw *auth.Middleware
	if cfg.Auth.Enabled {
		verifier, err := newVerifier(cfg.Auth)
		if err != nil {
			return err
		}
		mw = auth.NewMiddleware(verifier)
	}

	server := api.NewServer(sess, orch, hub, mw, api.Options{
		ReadTimeout:     cfg.API.ReadTimeout,
		WriteTimeout:    cfg.API.WriteTimeout,
		IdleTimeout:     cfg.API.IdleTimeout,
		ShutdownTimeout: cfg.API.ShutdownTimeout,
	}, log)
	if m != nil {
		server.SetMetricsHandler(m.Handler())
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(cfg.API.Addr)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()
	if err := server.Stop(stopCtx); err != nil {
		log.WithError(err).Warn("Error stopping HTTP server")
	} else {
		log.Info("HTTP server stopped")
	}
	return nil
}

// newExecutor builds the emulator or a link to a bridge. disconnect releases
// the transport after the session has shut down.
func newExecutor(ctx context.Context, cfg config.DeviceConfig, log *logrus.Logger) (device.Executor, func(), error) {
	if cfg.Emulate {
		log.Info("Using emulated instrument")
		return emulator.New(cfg.Emulator.Options()), func() {}, nil
	}

	var (
		l   *link.Link
		err error
	)
	if cfg.BridgeAddr != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		l, err = link.Dial(dialCtx, cfg.BridgeAddr, log)
		cancel()
		if err != nil {
			return nil, nil, err
		}
		log.WithField("addr", cfg.BridgeAddr).Info("Connected to network bridge")
	} else {
		l, err = link.OpenSerial(cfg.SerialPort, cfg.BaudRate, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open serial bridge: %w", err)
		}
		log.WithFields(logrus.Fields{"port": cfg.SerialPort, "baud": cfg.BaudRate}).Info("Connected to serial bridge")
	}
	return l, func() {
		if err := l.Disconnect(); err != nil {
			log.WithError(err).Debug("Bridge disconnect")
		}
	}, nil
}

func newVerifier(cfg config.AuthConfig) (*auth.Verifier, error) {
	vc := auth.VerifierConfig{
		Algorithm: cfg.Algorithm,
		SecretKey: cfg.SecretKey,
		JWKSURL:   cfg.JWKSURL,
	}
	if cfg.PublicKeyFile != "" {
		pem, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read public key: %w", err)
		}
		vc.PublicKeyPEM = string(pem)
	}
	verifier, err := auth.NewVerifier(vc)
	if err != nil {
		return nil, fmt.Errorf("failed to create token verifier: %w", err)
	}
	return verifier, nil
}

// runPlan runs one capture sequence and prints a progress line per notification.
func runPlan(ctx context.Context, orch *sequence.Orchestrator, plan model.CaptureSequenceConfig, log *logrus.Logger) error {
	done := make(chan struct{})
	orch.Subscribe(func(p sequence.Progress) {
		select {
		case <-done:
			return
		default:
		}
		s := p.Status
		fmt.Printf("%-15s %-15s step %d/%d\n", s.State, s.Filter, s.CurrentStep, s.TotalSteps)
	})
	defer close(done)

	final, err := orch.Run(ctx, plan)
	if errors.Is(err, context.Canceled) {
		log.Warn("Capture sequence interrupted")
		return nil
	}
	if err != nil {
		return fmt.Errorf("capture sequence failed: %w", err)
	}

	entry := log.WithFields(logrus.Fields{"state": final.State.String(), "steps": final.TotalSteps})
	if final.State != model.SequenceDone {
		entry.Warn("Capture sequence did not complete")
		return nil
	}
	entry.Info("Capture sequence complete")
	return nil
}
