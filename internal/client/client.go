package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	cerrors "cyclon/internal/errors"
	"cyclon/internal/events"
	"cyclon/internal/scheduler"
)

// Client is the thin HTTP client the CLI commands use against a running
// scheduler's command surface.
type Client struct {
	base string
	http *http.Client
}

// ErrUnreachable wraps connection-level failures so the CLI can map them
// to its own exit code.
type ErrUnreachable struct{ Err error }

func (e ErrUnreachable) Error() string { return fmt.Sprintf("scheduler unreachable: %v", e.Err) }
func (e ErrUnreachable) Unwrap() error { return e.Err }

// New creates a client for the given base URL, e.g. "http://host:8433".
func New(base string) *Client {
	return &Client{
		base: base,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return ErrUnreachable{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(data, &apiErr)
		msg := apiErr.Error
		if msg == "" {
			msg = resp.Status
		}
		if resp.StatusCode == http.StatusBadRequest {
			return cerrors.New(cerrors.KindInput, "%s", msg)
		}
		return fmt.Errorf("%s", msg)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Message delivers a task message.
func (c *Client) Message(msg events.Message) error {
	return c.do(http.MethodPost, "/api/v1/messages", msg, nil)
}

// Hold holds instances matching the "name.cycle" glob.
func (c *Client) Hold(matcher string) error {
	return c.do(http.MethodPost, "/api/v1/commands/hold", map[string]any{"matcher": matcher}, nil)
}

// Release releases held instances.
func (c *Client) Release(matcher string) error {
	return c.do(http.MethodPost, "/api/v1/commands/release", map[string]any{"matcher": matcher}, nil)
}

// SetHoldPoint holds the pool beyond a cycle.
func (c *Client) SetHoldPoint(point string) error {
	return c.do(http.MethodPost, "/api/v1/commands/hold-point", map[string]any{"point": point}, nil)
}

// ReleaseHoldPoint clears the pool-wide hold.
func (c *Client) ReleaseHoldPoint() error {
	return c.do(http.MethodDelete, "/api/v1/commands/hold-point", nil, nil)
}

// Trigger forces matching instances to run.
func (c *Client) Trigger(matcher string, newFlow bool) error {
	return c.do(http.MethodPost, "/api/v1/commands/trigger",
		map[string]any{"matcher": matcher, "new_flow": newFlow}, nil)
}

// Kill kills matching active instances.
func (c *Client) Kill(matcher string) error {
	return c.do(http.MethodPost, "/api/v1/commands/kill", map[string]any{"matcher": matcher}, nil)
}

// Remove drops matching instances from the pool.
func (c *Client) Remove(matcher string) error {
	return c.do(http.MethodPost, "/api/v1/commands/remove", map[string]any{"matcher": matcher}, nil)
}

// Insert adds an instance outside the graph's own spawning.
func (c *Client) Insert(name, point, flow string) error {
	return c.do(http.MethodPost, "/api/v1/commands/insert",
		map[string]any{"name": name, "point": point, "flow": flow}, nil)
}

// Poll schedules polls of matching active instances.
func (c *Client) Poll(matcher string) error {
	return c.do(http.MethodPost, "/api/v1/commands/poll", map[string]any{"matcher": matcher}, nil)
}

// Pause stops work release.
func (c *Client) Pause() error {
	return c.do(http.MethodPost, "/api/v1/commands/pause", struct{}{}, nil)
}

// Resume restarts work release.
func (c *Client) Resume() error {
	return c.do(http.MethodPost, "/api/v1/commands/resume", struct{}{}, nil)
}

// Reload re-reads workflow definitions from path on the scheduler host.
func (c *Client) Reload(path string) error {
	return c.do(http.MethodPost, "/api/v1/commands/reload", map[string]any{"path": path}, nil)
}

// Stop requests shutdown: mode clean, now, or after (with a point).
func (c *Client) Stop(mode, point string) error {
	return c.do(http.MethodPost, "/api/v1/commands/stop",
		map[string]any{"mode": mode, "point": point}, nil)
}

// Summary fetches the aggregate state.
func (c *Client) Summary() (scheduler.StateSummary, error) {
	var out scheduler.StateSummary
	err := c.do(http.MethodGet, "/api/v1/state", nil, &out)
	return out, err
}

// Tasks fetches the full graph snapshot.
func (c *Client) Tasks() ([]scheduler.TaskSnapshot, error) {
	var out []scheduler.TaskSnapshot
	err := c.do(http.MethodGet, "/api/v1/tasks", nil, &out)
	return out, err
}

// BroadcastPut adds setting overrides.
func (c *Client) BroadcastPut(points, namespaces []string, settings map[string]string) error {
	return c.do(http.MethodPost, "/api/v1/broadcast",
		map[string]any{"points": points, "namespaces": namespaces, "settings": settings}, nil)
}

// BroadcastClear removes setting overrides.
func (c *Client) BroadcastClear(points, namespaces, keys []string) error {
	return c.do(http.MethodDelete, "/api/v1/broadcast",
		map[string]any{"points": points, "namespaces": namespaces, "keys": keys}, nil)
}

// BroadcastDump lists the live overrides.
func (c *Client) BroadcastDump() ([]string, error) {
	var out struct {
		Settings []string `json:"settings"`
	}
	err := c.do(http.MethodGet, "/api/v1/broadcast", nil, &out)
	return out.Settings, err
}
