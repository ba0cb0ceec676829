package services

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/bitia-ru/container-volume-backup/pkg/types"
)

// Controller stops and starts the services of the workload the
// orchestrator belongs to.
type Controller interface {
	// Services lists the workload's services, excluding the orchestrator's own.
	Services(ctx context.Context) ([]string, error)
	Stop(ctx context.Context, service string) error
	Start(ctx context.Context, service string) error
}

// Batch issues stop and start requests for a set of services concurrently.
type Batch struct {
	controller Controller
	logger     *zap.Logger
}

func New(controller Controller, logger *zap.Logger) *Batch {
	return &Batch{controller: controller, logger: logger.Named("services")}
}

// ForContainer picks the controller matching how meta was deployed: the
// supervisor API for supervised containers, the runtime for compose projects.
func ForContainer(meta *types.ContainerMetadata, sup SupervisorAPI, runtime ContainerAPI, logger *zap.Logger) (*Batch, error) {
	switch {
	case meta.IsSupervised():
		if sup == nil {
			return nil, errors.WithMessage(types.ErrEnvironmentUnsupported, "supervised container but no supervisor address configured")
		}
		return New(NewSupervisorController(sup, meta.AppID(), meta.ServiceName()), logger), nil
	case meta.ProjectName() != "":
		return New(NewComposeController(runtime, meta.ProjectName(), meta.ServiceName()), logger), nil
	default:
		return nil, errors.WithMessage(types.ErrEnvironmentUnsupported, "container is neither supervised nor part of a compose project")
	}
}

// Services returns the service set the batch operates on.
func (b *Batch) Services(ctx context.Context) ([]string, error) {
	return b.controller.Services(ctx)
}

// StopAll stops every service and waits for all requests to finish. Every
// failure is reported, not just the first.
func (b *Batch) StopAll(ctx context.Context, services []string) error {
	return b.each(ctx, services, "stop", b.controller.Stop)
}

// StartAll starts every service and waits for all requests to finish. A
// failing service does not prevent the others from being started.
func (b *Batch) StartAll(ctx context.Context, services []string) error {
	return b.each(ctx, services, "start", b.controller.Start)
}

func (b *Batch) each(ctx context.Context, services []string, action string, fn func(context.Context, string) error) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(services))
	for _, svc := range services {
		wg.Add(1)
		go func(svc string) {
			defer wg.Done()
			b.logger.Info(action+" service", zap.String("service", svc))
			if err := fn(ctx, svc); err != nil {
				b.logger.Error("failed to "+action+" service", zap.String("service", svc), zap.Error(err))
				errCh <- err
			}
		}(svc)
	}
	go func() {
		wg.Wait()
		close(errCh)
	}()

	var errs error
	for err := range errCh {
		errs = multierr.Append(errs, err)
	}
	return errs
}
