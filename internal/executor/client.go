// Bastion - Community Anomaly Detection and Sanction Engine
// Copyright 2026 Bastion Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bastion-dev/bastion

/*
client.go - Platform REST Client

This file provides the HTTP plumbing shared by every platform call: a
token-authenticated client with a rate limiter in front and a circuit
breaker around the request.

Circuit breaker configuration:
  - Max 3 concurrent requests in half-open state
  - 1 minute measurement window
  - 30 second timeout before attempting recovery
  - Opens after 60% failure rate with minimum 10 requests

Only transport failures and 5xx responses count as breaker failures.
A 4xx response is the platform telling us the request is unacceptable
(missing permission, unknown member); retrying it cannot help, so it
must not starve healthy traffic by tripping the breaker.
*/

//nolint:staticcheck // File documentation, not package doc
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/bastion-dev/bastion/internal/logging"
)

// Config controls the platform client.
type Config struct {
	// BaseURL is the platform API root, e.g. "https://platform.example/api/v1".
	BaseURL string `koanf:"base_url" json:"base_url"`

	// Token is the bot credential sent on every request.
	Token string `koanf:"token" json:"token"`

	// Timeout bounds a single HTTP request.
	Timeout time.Duration `koanf:"timeout" json:"timeout"`

	// RequestsPerSecond is the client-side rate limit toward the platform.
	RequestsPerSecond float64 `koanf:"requests_per_second" json:"requests_per_second"`

	// Burst is the rate limiter burst size.
	Burst int `koanf:"burst" json:"burst"`
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:           10 * time.Second,
		RequestsPerSecond: 25,
		Burst:             50,
	}
}

// ExecError is a platform-level rejection: the request reached the
// platform and was refused. Status carries the HTTP status code.
type ExecError struct {
	Op      string
	Status  int
	Message string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: platform returned %d: %s", e.Op, e.Status, e.Message)
}

// IsPlatformRejection reports whether err is a platform 4xx rejection.
func IsPlatformRejection(err error) bool {
	var pe *ExecError
	return errors.As(err, &pe) && pe.Status >= 400 && pe.Status < 500
}

// apiResponse is the decoupled HTTP result passed out of the breaker.
type apiResponse struct {
	status int
	body   []byte
}

// Client talks to the platform REST API. It implements
// detection.PunishmentExecutor, detection.ChannelDirectory,
// detection.MemberDirectory, and detection.TrustRegistry.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[*apiResponse]
}

// NewClient creates a platform client. Zero config values fall back to
// the defaults.
func NewClient(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}

	cb := gobreaker.NewCircuitBreaker[*apiResponse](gobreaker.Settings{
		Name:        "platform-api",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("platform breaker state transition")
		},
	})

	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		cb:      cb,
	}
}

// do performs one platform request: rate limit, breaker, request, status
// check. A 2xx returns the body; a 4xx/5xx returns an ExecError.
func (c *Client) do(ctx context.Context, op, method, path string, payload any, reason string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s: rate limit wait: %w", op, err)
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: encode payload: %w", op, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("Content-Type", "application/json")
	if reason != "" {
		req.Header.Set("X-Audit-Reason", reason)
	}

	resp, err := c.cb.Execute(func() (*apiResponse, error) {
		httpResp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if httpResp.StatusCode >= 500 {
			return nil, &ExecError{Op: op, Status: httpResp.StatusCode, Message: string(respBody)}
		}
		return &apiResponse{status: httpResp.StatusCode, body: respBody}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%s: platform unavailable: %w", op, err)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if resp.status >= 400 {
		return nil, &ExecError{Op: op, Status: resp.status, Message: string(resp.body)}
	}
	return resp.body, nil
}
