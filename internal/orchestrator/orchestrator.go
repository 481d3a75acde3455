// Package orchestrator wires every daemon component together, enforces
// single-instance execution, and drives graceful shutdown.
package orchestrator

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/jasonberkes/ses-local/internal/activity"
	"github.com/jasonberkes/ses-local/internal/authstub"
	"github.com/jasonberkes/ses-local/internal/localapi"
)

// drainWindow bounds how long shutdown waits for each component's loop to
// return after cancellation.
const drainWindow = 5 * time.Second

// Component is one independently-running daemon loop: watchers, sync
// worker, dispatch worker. The intake and control-plane servers are not
// Components; Run serves them from the Intake and ControlPlane fields.
type Component struct {
	Name string
	Run  func(ctx context.Context) error
}

// Orchestrator starts every Component in order, serves the intake and
// control-plane HTTP listeners, and blocks until an OS interrupt or a
// control-plane shutdown request arrives.
type Orchestrator struct {
	HomeDir      string
	Notifier     *activity.Notifier
	Auth         authstub.AuthService
	License      authstub.LicenseService
	Intake       *localapi.IntakeServer
	ControlPlane *localapi.ControlPlane
	Components   []Component
}

// AcquireLock enforces single-instance execution via a process-scoped lock
// file at stateDir/daemon.lock (stateDir is ~/.ses by default, per
// config.Config.DaemonLockPath). If already held, the caller should print a
// notice and exit 0. This is not a process crash.
func AcquireLock(stateDir string) (*flock.Flock, bool, error) {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, false, err
	}
	lockPath := filepath.Join(stateDir, "daemon.lock")
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, false, err
	}
	return fl, locked, nil
}

// Run starts every component, the intake server, and the control-plane
// server, then blocks until ctx is cancelled by the caller, an OS interrupt,
// or a control-plane /api/shutdown request. Every component receives the
// same cancellation signal; each is given drainWindow to return before its
// failure to stop is logged and abandoned.
func (o *Orchestrator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if o.ControlPlane != nil {
		o.ControlPlane.Shutdown = cancel
	}

	var wg sync.WaitGroup
	stopped := make(chan string, len(o.Components)+2)

	for _, c := range o.Components {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Run(runCtx); err != nil {
				slog.Warn("component exited with error", "component", c.Name, "error", err)
			}
			stopped <- c.Name
		}()
	}

	var intakeSrv *http.Server
	if o.Intake != nil {
		intakeSrv = &http.Server{Addr: localapi.IntakeAddr, Handler: o.Intake.Handler()}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := intakeSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Warn("intake server exited with error", "error", err)
			}
			stopped <- "intake"
		}()
	}

	var cpListener net.Listener
	var cpSrv *http.Server
	if o.ControlPlane != nil {
		l, err := o.ControlPlane.Listen()
		if err != nil {
			slog.Warn("control plane failed to bind, continuing without it", "error", err)
		} else {
			cpListener = l
			cpSrv = &http.Server{Handler: o.ControlPlane.Handler()}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := cpSrv.Serve(cpListener); err != nil && err != http.ErrServerClosed {
					slog.Warn("control plane exited with error", "error", err)
				}
				stopped <- "control-plane"
			}()
		}
	}

	authState := o.Auth.GetState(runCtx)
	slog.Info("ses-local daemon started", "authenticated", authState.Authenticated)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
	case <-runCtx.Done():
		slog.Info("shutdown requested via control plane")
	}

	cancel()
	if intakeSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), drainWindow)
		_ = intakeSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	if cpSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), drainWindow)
		_ = cpSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainWindow):
		slog.Warn("one or more components did not drain within the shutdown window, abandoning")
	}

	return nil
}
