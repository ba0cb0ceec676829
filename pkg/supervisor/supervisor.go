package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bitia-ru/container-volume-backup/pkg/types"
)

const defaultTimeout = 30 * time.Second

// Client talks to the device supervisor's local HTTP API.
type Client struct {
	address     string
	apiKey      string
	serviceName string
	http        *http.Client
	logger      *zap.Logger
}

// New creates a client. serviceName is the orchestrator's own service, used
// to look up its container id.
func New(address, apiKey, serviceName string, logger *zap.Logger) *Client {
	return &Client{
		address:     strings.TrimRight(address, "/"),
		apiKey:      apiKey,
		serviceName: serviceName,
		http:        &http.Client{Timeout: defaultTimeout},
		logger:      logger.Named("supervisor"),
	}
}

// HTTPStatusError is returned for any non-2xx response.
type HTTPStatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP error response: %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("HTTP error response: %s", e.Status)
}

type containerIDResponse struct {
	Status      string `json:"status"`
	ContainerID string `json:"containerId"`
}

// ContainerID returns the container id the supervisor assigned to the
// orchestrator's own service.
func (c *Client) ContainerID(ctx context.Context) (string, error) {
	if c.serviceName == "" {
		return "", &types.ControlPlaneError{Call: "getOwnContainerId", Err: errors.New("service name not configured")}
	}
	var resp containerIDResponse
	q := url.Values{"serviceName": {c.serviceName}}
	if err := c.do(ctx, http.MethodGet, "/v2/containerId", q, nil, &resp); err != nil {
		return "", &types.ControlPlaneError{Call: "getOwnContainerId", Service: c.serviceName, Err: err}
	}
	if resp.ContainerID == "" {
		return "", &types.ControlPlaneError{Call: "getOwnContainerId", Service: c.serviceName, Err: errors.Errorf("supervisor returned status %q without a container id", resp.Status)}
	}
	return resp.ContainerID, nil
}

type applicationState struct {
	AppID    int                     `json:"appId"`
	Services map[string]serviceState `json:"services"`
}

type serviceState struct {
	Status    string `json:"status"`
	ReleaseID int    `json:"releaseId"`
}

// Services returns the names of the services belonging to appID.
func (c *Client) Services(ctx context.Context, appID string) ([]string, error) {
	var state map[string]applicationState
	if err := c.do(ctx, http.MethodGet, "/v2/applications/state", nil, nil, &state); err != nil {
		return nil, &types.ControlPlaneError{Call: "getServiceTopology", Err: err}
	}

	id, err := strconv.Atoi(appID)
	if err != nil {
		return nil, &types.ControlPlaneError{Call: "getServiceTopology", Err: errors.Wrapf(err, "invalid app id %q", appID)}
	}
	for name, app := range state {
		if app.AppID != id {
			continue
		}
		c.logger.Debug("found application", zap.String("app", name), zap.Int("services", len(app.Services)))
		services := make([]string, 0, len(app.Services))
		for svc := range app.Services {
			services = append(services, svc)
		}
		return services, nil
	}
	return nil, &types.ControlPlaneError{Call: "getServiceTopology", Err: errors.Errorf("application %s not found", appID)}
}

type serviceRequest struct {
	ServiceName string `json:"serviceName"`
}

// StopService asks the supervisor to stop one service of appID.
func (c *Client) StopService(ctx context.Context, appID, service string) error {
	path := fmt.Sprintf("/v2/applications/%s/stop-service", url.PathEscape(appID))
	if err := c.do(ctx, http.MethodPost, path, nil, serviceRequest{ServiceName: service}, nil); err != nil {
		return &types.ControlPlaneError{Call: "stopService", Service: service, Err: err}
	}
	return nil
}

// StartService asks the supervisor to start one service of appID.
func (c *Client) StartService(ctx context.Context, appID, service string) error {
	path := fmt.Sprintf("/v2/applications/%s/start-service", url.PathEscape(appID))
	if err := c.do(ctx, http.MethodPost, path, nil, serviceRequest{ServiceName: service}, nil); err != nil {
		return &types.ControlPlaneError{Call: "startService", Service: service, Err: err}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	if c.address == "" {
		return errors.New("supervisor address not configured")
	}
	if query == nil {
		query = url.Values{}
	}
	query.Set("apikey", c.apiKey)
	u := c.address + path + "?" + query.Encode()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encoding request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("request", zap.String("method", method), zap.String("path", path))
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decoding %s response", path)
	}
	return nil
}
