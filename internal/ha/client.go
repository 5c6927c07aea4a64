// Package ha talks to Home Assistant: REST calls, the persistent event
// WebSocket, and the per-token subscription fan-out.
package ha

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/hapass/internal/observability/logger"
)

const (
	restRetries     = 2
	restBackoffInit = time.Second
)

// State is one entry of the upstream /api/states list.
type State struct {
	EntityID   string          `json:"entity_id"`
	State      string          `json:"state"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

// StatusError is a non-2xx upstream response.
type StatusError struct{ Code int }

func (e *StatusError) Error() string { return fmt.Sprintf("ha: upstream returned %d", e.Code) }

// Client is the persistent REST client for the upstream API.
type Client struct {
	base  string
	token string
	http  *http.Client
	log   *zap.Logger
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  &http.Client{Timeout: timeout},
		log:   logger.Named("ha.client"),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode}
	}
	return b, nil
}

// doRetry retries transient failures (5xx, timeouts, connection errors) up
// to restRetries extra attempts with a linearly growing delay. 4xx is never
// retried: it will not get better.
func (c *Client) doRetry(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt <= restRetries; attempt++ {
		out, err := c.do(ctx, method, path, body)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if !transient(err) || attempt == restRetries {
			return nil, err
		}
		delay := restBackoffInit * time.Duration(attempt+1)
		c.log.Warn("upstream call failed, retrying",
			logger.Path(path), zap.Duration("delay", delay), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

func transient(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	// url.Error wrapping a refused/reset connection
	return strings.Contains(err.Error(), "connect")
}

// CallService invokes POST /api/services/{domain}/{service}.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) (json.RawMessage, error) {
	return c.doRetry(ctx, http.MethodPost, "/api/services/"+domain+"/"+service, data)
}

// GetStates fetches the full entity state list.
func (c *Client) GetStates(ctx context.Context) ([]State, error) {
	b, err := c.doRetry(ctx, http.MethodGet, "/api/states", nil)
	if err != nil {
		return nil, err
	}
	var states []State
	if err := json.Unmarshal(b, &states); err != nil {
		return nil, fmt.Errorf("ha: decode states: %w", err)
	}
	return states, nil
}

// ValidateConnectivity is called at startup; an error means the base URL or
// token is wrong and the process should not come up.
func (c *Client) ValidateConnectivity(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/api/", nil)
	return err
}
