// Package system defines the lifecycle contract shared by the jamnet
// processes. Every long-lived component implements Service so a process main
// can start and stop it deterministically.
package system

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/resofield/jamnet/pkg/logger"
)

// Service represents a lifecycle-managed component. All long-lived modules
// implement this interface so the process runner can start and stop them
// deterministically.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ShutdownTimeout bounds how long Stop may take during process teardown.
const ShutdownTimeout = 15 * time.Second

// Run starts the given services in order and blocks until the context is
// cancelled or a termination signal arrives, then stops them in reverse
// order. The cleanup hook runs after all services stopped, and also on the
// panic path, so crash exits still release cross-process resources.
func Run(ctx context.Context, log *logger.Logger, cleanup func(), services ...Service) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cleanup != nil {
		defer cleanup()
	}

	started := make([]Service, 0, len(services))
	for _, svc := range services {
		if err := svc.Start(runCtx); err != nil {
			stopAll(log, started)
			return err
		}
		log.WithField("module", svc.Name()).Info("service started")
		started = append(started, svc)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutdown signal received")
	case <-runCtx.Done():
	}

	cancel()
	stopAll(log, started)
	return nil
}

func stopAll(log *logger.Logger, services []Service) {
	stopCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		if err := svc.Stop(stopCtx); err != nil {
			log.WithError(err).WithField("module", svc.Name()).Warn("service stop failed")
			continue
		}
		log.WithField("module", svc.Name()).Info("service stopped")
	}
}
