// Package cpe talks to the GenieACS northbound API: device lookup by
// reported parameter, virtual parameter reads and setParameterValues
// task submission.
package cpe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/opsbot/pkg/backend"
)

const backendName = "cpe"

// ClientConfig holds GenieACS connection settings.
type ClientConfig struct {
	BaseURL  string
	Username string
	Password string
	Retry    backend.Policy
}

// Client is a GenieACS NBI client.
type Client struct {
	baseURL  string
	username string
	password string
	retry    backend.Policy
	http     *http.Client
	logger   *zap.Logger
}

// NewClient creates a GenieACS client.
func NewClient(cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("cpe base URL required")
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		retry:    cfg.Retry,
		http:     &http.Client{},
		logger:   logger,
	}, nil
}

// FindDeviceByParam queries for a device whose reported parameter path
// carries the given value. Absence is a first-class non-error outcome:
// found is false and err is nil when no device matches.
func (c *Client) FindDeviceByParam(ctx context.Context, path, value string) (device map[string]any, found bool, err error) {
	query, err := json.Marshal(map[string]string{path: value})
	if err != nil {
		return nil, false, backend.Permanent(backendName, "devices", err)
	}

	var devices []map[string]any
	err = c.retry.Do(ctx, c.logger, backendName+"/devices", func(ctx context.Context) error {
		u := c.baseURL + "/devices?query=" + url.QueryEscape(string(query))
		return c.getJSON(ctx, "devices", u, &devices)
	})
	if err != nil {
		return nil, false, err
	}
	if len(devices) == 0 {
		return nil, false, nil
	}
	return devices[0], true, nil
}

// FindDeviceByID fetches a device document by its GenieACS ID.
func (c *Client) FindDeviceByID(ctx context.Context, deviceID string) (map[string]any, error) {
	id := strings.TrimSpace(deviceID)
	if id == "" {
		return nil, backend.Permanent(backendName, "devices", fmt.Errorf("device ID required"))
	}
	query, _ := json.Marshal(map[string]string{"_id": id})

	var devices []map[string]any
	err := c.retry.Do(ctx, c.logger, backendName+"/devices", func(ctx context.Context) error {
		u := c.baseURL + "/devices?query=" + url.QueryEscape(string(query))
		return c.getJSON(ctx, "devices", u, &devices)
	})
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, backend.NotFound(backendName, "devices", fmt.Errorf("device %s absent", id))
	}
	return devices[0], nil
}

// Parameter is one TR-069 parameter assignment.
type Parameter struct {
	Path  string
	Value string
	Type  string
}

// SetParameters submits a setParameterValues task with a connection
// request. Fire-and-forget: success means the ACS accepted the task, not
// that the device applied it.
func (c *Client) SetParameters(ctx context.Context, deviceID string, params []Parameter) error {
	id := strings.TrimSpace(deviceID)
	if id == "" {
		return backend.Permanent(backendName, "tasks", fmt.Errorf("device ID required"))
	}
	if len(params) == 0 {
		return backend.Permanent(backendName, "tasks", fmt.Errorf("no parameters to set"))
	}

	values := make([][]any, 0, len(params))
	for _, p := range params {
		typ := p.Type
		if typ == "" {
			typ = "xsd:string"
		}
		values = append(values, []any{p.Path, p.Value, typ})
	}
	body, err := json.Marshal(map[string]any{
		"name":            "setParameterValues",
		"parameterValues": values,
	})
	if err != nil {
		return backend.Permanent(backendName, "tasks", err)
	}

	u := c.baseURL + "/devices/" + url.PathEscape(id) + "/tasks?connection_request"
	return c.retry.Do(ctx, c.logger, backendName+"/tasks", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
		if err != nil {
			return backend.Permanent(backendName, "tasks", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.SetBasicAuth(c.username, c.password)

		resp, err := c.http.Do(req)
		if err != nil {
			return backend.ClassifyTransport(backendName, "tasks", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &backend.Error{
				Backend: backendName,
				Op:      "tasks",
				Kind:    backend.ClassifyHTTP(resp.StatusCode),
				Err:     fmt.Errorf("status %d", resp.StatusCode),
			}
		}
		return nil
	})
}

func (c *Client) getJSON(ctx context.Context, op, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return backend.Permanent(backendName, op, err)
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return backend.ClassifyTransport(backendName, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &backend.Error{
			Backend: backendName,
			Op:      op,
			Kind:    backend.ClassifyHTTP(resp.StatusCode),
			Err:     fmt.Errorf("status %d", resp.StatusCode),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backend.Permanent(backendName, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
