package it

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"grainstore/internal/record/httpstore"
)

// Daemon is one grainstored process under test, reached through its HTTP
// interface.
type Daemon struct {
	Addr    string
	cmd     *exec.Cmd
	logFile *os.File
	store   *httpstore.Store
}

// StartDaemon launches the binary on a free loopback port and waits until
// its health endpoint answers. extraArgs are appended to the command line,
// so a test can point the process at its own config file.
func StartDaemon(ctx context.Context, binaryPath string, extraArgs ...string) (*Daemon, error) {
	logDir := filepath.Join(".local", "it-logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	addr, err := freeAddr()
	if err != nil {
		return nil, err
	}

	logPath := filepath.Join(logDir, fmt.Sprintf("grainstored-%d.log", time.Now().UnixNano()))
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}

	args := append([]string{"-listen", addr}, extraArgs...)
	cmd := exec.CommandContext(ctx, binaryPath, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("start daemon: %w", err)
	}

	store, err := httpstore.Open(httpstore.Config{BaseURL: "http://" + addr}, nil)
	if err != nil {
		cmd.Process.Kill()
		logFile.Close()
		return nil, err
	}

	d := &Daemon{
		Addr:    addr,
		cmd:     cmd,
		logFile: logFile,
		store:   store,
	}
	if err := d.waitForReady(ctx, 10*time.Second); err != nil {
		d.Kill()
		return nil, fmt.Errorf("daemon on %s never became ready (log: %s): %w", addr, logPath, err)
	}
	return d, nil
}

// Store returns a record store speaking to the daemon.
func (d *Daemon) Store() *httpstore.Store {
	return d.store
}

// Stop shuts the daemon down gracefully, falling back to a hard kill when
// it does not exit in time.
func (d *Daemon) Stop() {
	if d.cmd == nil || d.cmd.Process == nil {
		return
	}
	d.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		d.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		d.cmd.Process.Kill()
		<-done
	}
	d.closeFiles()
}

// Kill terminates the daemon immediately, simulating a crash.
func (d *Daemon) Kill() {
	if d.cmd != nil && d.cmd.Process != nil {
		d.cmd.Process.Kill()
		d.cmd.Wait()
	}
	d.closeFiles()
}

func (d *Daemon) closeFiles() {
	if d.logFile != nil {
		d.logFile.Close()
		d.logFile = nil
	}
	if d.store != nil {
		d.store.Close()
	}
}

func (d *Daemon) waitForReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return fmt.Errorf("timeout waiting for daemon on %s", d.Addr)
			}
			pingCtx, cancel := context.WithTimeout(ctx, time.Second)
			err := d.store.Ping(pingCtx)
			cancel()
			if err == nil {
				return nil
			}
		}
	}
}

// freeAddr reserves a loopback port by binding and immediately releasing it.
func freeAddr() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("reserve port: %w", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr, nil
}
