// Package gateway implements the RPC client for the Clawdbot gateway process.
// The gateway owns all live agent runs; this client is the only way the
// orchestration core creates, patches, drives, or inspects child sessions.
//
// Wire format: HTTP POST /rpc with a JSON envelope {method, params}; the
// gateway answers {ok, result} or {ok:false, error}. Every call carries an
// explicit timeout; RPC rejection and RPC timeout are always-possible
// failure modes the callers must handle.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Caller is the call/await abstraction the orchestration core consumes.
// result may be nil when the caller only needs the ack.
type Caller interface {
	Call(ctx context.Context, method string, params, result any) error
}

// ClientConfig configures the gateway RPC client.
type ClientConfig struct {
	// URL is the gateway base URL (e.g. "http://127.0.0.1:8085").
	URL string `yaml:"url"`

	// AuthToken is sent as a bearer token when non-empty.
	AuthToken string `yaml:"auth_token"`

	// TimeoutSeconds bounds each RPC call (default: 30).
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// DefaultClientConfig returns safe defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{URL: "http://127.0.0.1:8085", TimeoutSeconds: 30}
}

// Client is the HTTP implementation of Caller.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a gateway RPC client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.URL == "" {
		cfg.URL = DefaultClientConfig().URL
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = DefaultClientConfig().TimeoutSeconds
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		logger:     logger.With("component", "gateway-client"),
	}
}

type rpcEnvelope struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type rpcResponse struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Call invokes one gateway method. A non-nil result is filled from the
// response payload. Errors distinguish transport failure, non-2xx status,
// and gateway-reported rejection.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	body, err := json.Marshal(rpcEnvelope{Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	url := strings.TrimRight(c.cfg.URL, "/") + "/rpc"
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway call %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("gateway call %s: read response: %w", method, err)
	}

	c.logger.Debug("gateway call",
		"method", method,
		"status", resp.StatusCode,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gateway call %s: HTTP %d: %s", method, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var env rpcResponse
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("gateway call %s: decode response: %w", method, err)
	}
	if !env.OK {
		msg := env.Error
		if msg == "" {
			msg = "gateway rejected the call"
		}
		return fmt.Errorf("gateway call %s: %s", method, msg)
	}
	if result != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("gateway call %s: decode result: %w", method, err)
		}
	}
	return nil
}
