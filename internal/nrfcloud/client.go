// Package nrfcloud is the client for the device-management REST API that
// creates and cancels FOTA jobs on behalf of a tenant account.
package nrfcloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"fotaflow/internal/apperrors"
	"fotaflow/internal/config"
	"fotaflow/pkg/backoff"
	"fotaflow/pkg/circuitbreaker"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"
)

// StatusError is a non-2xx response from the API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// MetricsRecorder is an optional interface for recording API call metrics.
type MetricsRecorder interface {
	RecordExternalRequest(ctx context.Context, op string, success bool, durationSeconds float64)
}

// Client calls the device-management API with per-account credentials.
type Client struct {
	accounts config.Accounts
	http     *http.Client
	retry    backoff.Config
	breakers *circuitbreaker.Registry
	metrics  MetricsRecorder
	logger   *slog.Logger
}

// NewClient creates a client for the given accounts. metrics may be nil.
func NewClient(accounts config.Accounts, cfg Config, metrics MetricsRecorder) *Client {
	cfg = cfg.withDefaults()
	breakerCfg := cfg.Breaker
	breakerCfg.IsSuccessful = func(err error) bool {
		var se *StatusError
		return err == nil || (errors.As(err, &se) && se.StatusCode < 500)
	}

	return &Client{
		accounts: accounts,
		http:     &http.Client{Timeout: cfg.HTTPTimeout},
		retry:    cfg.Retry,
		breakers: circuitbreaker.NewRegistry(breakerCfg),
		metrics:  metrics,
		logger:   slog.With("component", "nrfcloud"),
	}
}

type createJobRequest struct {
	DeviceIdentifiers []string `json:"deviceIdentifiers"`
	BundleID          string   `json:"bundleId"`
}

type createJobResponse struct {
	JobID string `json:"jobId"`
}

// Submit creates a FOTA job that installs bundleID on deviceID and returns
// the external job ID. A request is only repeated when the API reports it
// was not processed, so a retry never creates a second job.
func (c *Client) Submit(ctx context.Context, account, deviceID, bundleID string) (string, error) {
	acc, err := c.account(account)
	if err != nil {
		return "", err
	}

	var resp createJobResponse
	body := createJobRequest{DeviceIdentifiers: []string{deviceID}, BundleID: bundleID}
	if err := c.call(ctx, "submit", acc, http.MethodPost, []string{"v1", "fota-jobs"}, body, &resp, submitRetryable); err != nil {
		return "", apperrors.Upstream("create FOTA job", err)
	}
	if resp.JobID == "" {
		return "", apperrors.Upstream("create FOTA job", errors.New("response has no jobId"))
	}

	c.logger.Info("FOTA job created", "account", account, "deviceId", deviceID, "bundleId", bundleID, "jobId", resp.JobID)
	return resp.JobID, nil
}

// Cancel requests cancellation of jobID. A job the API reports as already
// finished or unknown is logged and treated as cancelled.
func (c *Client) Cancel(ctx context.Context, account, jobID string) error {
	acc, err := c.account(account)
	if err != nil {
		return err
	}

	err = c.call(ctx, "cancel", acc, http.MethodPut, []string{"v1", "fota-jobs", jobID, "cancel"}, nil, nil, cancelRetryable)
	var se *StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusBadRequest, http.StatusNotFound, http.StatusConflict:
			c.logger.Warn("Cancel ignored, job not cancellable", "jobId", jobID, "status", se.StatusCode)
			return nil
		}
	}
	if err != nil {
		return apperrors.Upstream("cancel FOTA job", err)
	}

	c.logger.Info("FOTA job cancelled", "account", account, "jobId", jobID)
	return nil
}

func (c *Client) account(name string) (config.Account, error) {
	acc, ok := c.accounts[name]
	if !ok {
		return config.Account{}, apperrors.Validation("account", fmt.Sprintf("API key for account %s is not configured", name))
	}
	return acc, nil
}

// call performs one logical request with retry and the endpoint's breaker.
func (c *Client) call(ctx context.Context, op string, acc config.Account, method string, path []string, in, out any, retryable func(error) bool) error {
	endpoint, err := url.JoinPath(acc.APIEndpoint, path...)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	host := extractHost(acc.APIEndpoint)

	start := time.Now()
	err = backoff.Retry(ctx, &c.retry, func(attempt int) error {
		err := c.breakers.Execute(host, func() error {
			return c.do(ctx, acc.APIKey, method, endpoint, in, out)
		})
		if err == nil {
			return nil
		}
		if circuitbreaker.IsOpen(err) || !retryable(err) {
			return &backoff.Permanent{Err: err}
		}
		c.logger.Debug("Request failed, retrying", "op", op, "attempt", attempt, "error", err)
		return err
	})
	if c.metrics != nil {
		c.metrics.RecordExternalRequest(ctx, op, err == nil, time.Since(start).Seconds())
	}
	return err
}

func (c *Client) do(ctx context.Context, apiKey, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(msg)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// submitRetryable only accepts failures where the request was not processed.
func submitRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode == http.StatusServiceUnavailable
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// cancelRetryable accepts server errors and transport failures.
func cancelRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	return !errors.Is(err, context.Canceled)
}

func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}
