package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

const clientTimeout = 90 * time.Second

// apiClient talks to a running svrl daemon
type apiClient struct {
	base string
	http *http.Client
}

// newAPIClient builds a client for the daemon listening on listen. An
// unspecified host is reached over loopback.
func newAPIClient(listen string) (*apiClient, error) {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", listen, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return &apiClient{
		base: "http://" + net.JoinHostPort(host, port),
		http: &http.Client{Timeout: clientTimeout},
	}, nil
}

// apiError is a non-2xx answer from the daemon
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.Status, e.Message)
}

// do sends a request and decodes a JSON answer into out when out is non-nil.
// It returns the HTTP status code.
func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body, out any) (int, error) {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	Debug("%s %s", method, target)
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to reach svrl daemon (is 'svrl serve' running?): %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		msg := string(data)
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		return resp.StatusCode, &apiError{Status: resp.StatusCode, Message: msg}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// clientFromConfig loads the config and returns a client for its daemon
func clientFromConfig() (*apiClient, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newAPIClient(cfg.Server.Listen)
}
