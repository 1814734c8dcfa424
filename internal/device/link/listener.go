package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial.v1"

	"github.com/conoscope-control/conoctl/internal/device"
)

// runLoopStartTimeout bounds how long a fresh executor may take to report Running.
const runLoopStartTimeout = 5 * time.Second

// ExecutorFactory builds the executor behind one bridge client.
type ExecutorFactory func() device.Executor

// ServeConn runs a fresh executor for the lifetime of one client connection.
// It returns when the client quits, hangs up, or ctx is done.
func ServeConn(ctx context.Context, conn io.ReadWriteCloser, newExec ExecutorFactory, log *logrus.Logger) error {
	if log == nil {
		log = logrus.StandardLogger()
	}
	exec := newExec()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- exec.RunApp(runCtx) }()

	deadline := time.Now().Add(runLoopStartTimeout)
	for !exec.Running() {
		select {
		case err := <-runDone:
			conn.Close()
			return fmt.Errorf("executor run-loop exited at start: %w", err)
		case <-ctx.Done():
			conn.Close()
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
		if time.Now().After(deadline) {
			conn.Close()
			return fmt.Errorf("executor run-loop did not start within %s", runLoopStartTimeout)
		}
	}

	err := Serve(ctx, conn, exec, log)
	cancel()
	<-runDone
	return err
}

// ServeListener accepts bridge clients one at a time until ctx is done or
// the listener fails. The device has a single host, so a second client
// waits in the accept backlog.
func ServeListener(ctx context.Context, ln net.Listener, newExec ExecutorFactory, log *logrus.Logger) error {
	if log == nil {
		log = logrus.StandardLogger()
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept bridge client: %w", err)
		}

		entry := log.WithField("client", conn.RemoteAddr().String())
		entry.Info("Bridge client connected")
		if err := ServeConn(ctx, conn, newExec, log); err != nil && !errors.Is(err, io.EOF) && ctx.Err() == nil {
			entry.WithError(err).Warn("Bridge client ended with error")
		} else {
			entry.Info("Bridge client disconnected")
		}
	}
}

// ServeSerial serves bridge clients on a serial port until ctx is done. The
// port is reopened after each client quits.
func ServeSerial(ctx context.Context, path string, baudRate int, newExec ExecutorFactory, log *logrus.Logger) error {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}

	for ctx.Err() == nil {
		port, err := serial.Open(path, &serial.Mode{
			BaudRate: baudRate,
			DataBits: DefaultDataBits,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		})
		if err != nil {
			return fmt.Errorf("failed to open serial port %s: %w", path, err)
		}

		log.WithFields(logrus.Fields{"port": path, "baud": baudRate}).Info("Bridge serving serial port")
		if err := ServeConn(ctx, port, newExec, log); err != nil && !errors.Is(err, io.EOF) && ctx.Err() == nil {
			log.WithError(err).Warn("Serial bridge client ended with error")
		}
	}
	return nil
}

// Dial connects to a bridge over TCP.
func Dial(ctx context.Context, addr string, log *logrus.Logger) (*Link, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial bridge %s: %w", addr, err)
	}
	return New(conn, "tcp://"+addr, log), nil
}
