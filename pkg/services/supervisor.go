package services

import (
	"context"
	"sort"
)

// SupervisorAPI is the subset of the supervisor client used to control services.
type SupervisorAPI interface {
	Services(ctx context.Context, appID string) ([]string, error)
	StopService(ctx context.Context, appID, service string) error
	StartService(ctx context.Context, appID, service string) error
}

// SupervisorController controls the services of a supervised application.
type SupervisorController struct {
	api   SupervisorAPI
	appID string
	self  string
}

func NewSupervisorController(api SupervisorAPI, appID, self string) *SupervisorController {
	return &SupervisorController{api: api, appID: appID, self: self}
}

func (c *SupervisorController) Services(ctx context.Context) ([]string, error) {
	all, err := c.api.Services(ctx, c.appID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(all))
	for _, svc := range all {
		if svc != c.self {
			out = append(out, svc)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (c *SupervisorController) Stop(ctx context.Context, service string) error {
	return c.api.StopService(ctx, c.appID, service)
}

func (c *SupervisorController) Start(ctx context.Context, service string) error {
	return c.api.StartService(ctx, c.appID, service)
}
