package services

import (
	"context"
	"sort"
	"sync"

	"github.com/bitia-ru/container-volume-backup/pkg/types"
)

// ContainerAPI is the subset of the runtime used to control compose services.
type ContainerAPI interface {
	ListContainers(ctx context.Context, labels map[string]string) ([]types.ContainerInfo, error)
	StopContainer(ctx context.Context, id string) error
	StartContainer(ctx context.Context, id string) error
}

// ComposeController controls the services of a compose project directly
// through the container runtime. Containers it stops are remembered so the
// same containers are started again.
type ComposeController struct {
	runtime ContainerAPI
	project string
	self    string

	mu      sync.Mutex
	stopped map[string][]string // service -> container ids
}

func NewComposeController(runtime ContainerAPI, project, self string) *ComposeController {
	return &ComposeController{
		runtime: runtime,
		project: project,
		self:    self,
		stopped: make(map[string][]string),
	}
}

func (c *ComposeController) Services(ctx context.Context) ([]string, error) {
	containers, err := c.runtime.ListContainers(ctx, map[string]string{types.LabelComposeProject: c.project})
	if err != nil {
		return nil, &types.ControlPlaneError{Call: "getServiceTopology", Err: err}
	}
	seen := make(map[string]bool)
	var out []string
	for _, ctr := range containers {
		svc := ctr.Labels[types.LabelComposeService]
		if svc == "" || svc == c.self || seen[svc] {
			continue
		}
		seen[svc] = true
		out = append(out, svc)
	}
	sort.Strings(out)
	return out, nil
}

func (c *ComposeController) Stop(ctx context.Context, service string) error {
	containers, err := c.runtime.ListContainers(ctx, map[string]string{
		types.LabelComposeProject: c.project,
		types.LabelComposeService: service,
	})
	if err != nil {
		return &types.ControlPlaneError{Call: "stopService", Service: service, Err: err}
	}
	for _, ctr := range containers {
		if err := c.runtime.StopContainer(ctx, ctr.ID); err != nil {
			return &types.ControlPlaneError{Call: "stopService", Service: service, Err: err}
		}
		c.mu.Lock()
		c.stopped[service] = append(c.stopped[service], ctr.ID)
		c.mu.Unlock()
	}
	return nil
}

func (c *ComposeController) Start(ctx context.Context, service string) error {
	c.mu.Lock()
	ids := c.stopped[service]
	delete(c.stopped, service)
	c.mu.Unlock()

	for i, id := range ids {
		if err := c.runtime.StartContainer(ctx, id); err != nil {
			// keep the rest so a later retry can still start them
			c.mu.Lock()
			c.stopped[service] = append(c.stopped[service], ids[i:]...)
			c.mu.Unlock()
			return &types.ControlPlaneError{Call: "startService", Service: service, Err: err}
		}
	}
	return nil
}
