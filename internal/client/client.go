// Package client is the Go client for the picostack HTTP API, used by the
// CLI to reach a running daemon.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/ewiger/picostack/internal/registry"
)

// DefaultAddr is where the daemon listens unless configured otherwise.
const DefaultAddr = "127.0.0.1:8686"

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("picostack api: %s (HTTP %d)", e.Message, e.StatusCode)
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// CreateInstanceRequest describes a new instance.
type CreateInstanceRequest struct {
	Name     string `json:"name"`
	Image    string `json:"image"`
	Flavour  string `json:"flavour"`
	SSH      bool   `json:"ssh"`
	VNC      bool   `json:"vnc"`
	RDP      bool   `json:"rdp"`
	DiskFile string `json:"disk_file,omitempty"`
}

// Client talks to the daemon over HTTP, retrying transient failures.
type Client struct {
	http    *retryablehttp.Client
	baseURL string
}

// New creates a client for the daemon at addr ("host:port" or a URL).
func New(addr string) *Client {
	if addr == "" {
		addr = DefaultAddr
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = time.Second
	rc.RetryWaitMax = 10 * time.Second
	rc.Logger = nil
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &Client{http: rc, baseURL: strings.TrimRight(addr, "/")}
}

// Ping checks that the daemon answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/ping", nil, nil)
}

// --- Instances ---

// ListInstances returns all instances, optionally filtered by state.
func (c *Client) ListInstances(ctx context.Context, state string) ([]*registry.Instance, error) {
	path := "/v1/instances"
	if state != "" {
		path += "?state=" + url.QueryEscape(state)
	}
	var out []*registry.Instance
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetInstance returns one instance by name.
func (c *Client) GetInstance(ctx context.Context, name string) (*registry.Instance, error) {
	var out registry.Instance
	if err := c.doJSON(ctx, http.MethodGet, "/v1/instances/"+url.PathEscape(name), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateInstance registers a new instance; the daemon clones its disk on
// the next tick.
func (c *Client) CreateInstance(ctx context.Context, req CreateInstanceRequest) (*registry.Instance, error) {
	var out registry.Instance
	if err := c.doJSON(ctx, http.MethodPost, "/v1/instances", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Request asks for launch, terminate, trash or reset.
func (c *Client) Request(ctx context.Context, name, action string) (*registry.Instance, error) {
	var out registry.Instance
	path := "/v1/instances/" + url.PathEscape(name) + "/" + url.PathEscape(action)
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Images and flavours ---

func (c *Client) ListImages(ctx context.Context) ([]*registry.Image, error) {
	var out []*registry.Image
	if err := c.doJSON(ctx, http.MethodGet, "/v1/images", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SaveImage(ctx context.Context, img *registry.Image) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/images", img, img)
}

func (c *Client) ListFlavours(ctx context.Context) ([]*registry.Flavour, error) {
	var out []*registry.Flavour
	if err := c.doJSON(ctx, http.MethodGet, "/v1/flavours", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SaveFlavour(ctx context.Context, fl *registry.Flavour) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/flavours", fl, fl)
}

// --- Internal helpers ---

type envelope struct {
	Ok    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

// doJSON sends body as JSON and decodes the envelope's data into result.
// A nil result discards the data.
func (c *Client) doJSON(ctx context.Context, method, path string, body, result any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 400 {
			return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 400 || !env.Ok {
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if result == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, result)
}
