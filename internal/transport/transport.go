// Package transport sends commands to the spacecraft through the ground
// segment's command gateway.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Mode selects when the spacecraft runs a command.
type Mode string

const (
	// ModeImmediate runs the command on receipt and returns its data.
	ModeImmediate Mode = "immediate"
	// ModeScheduled stores the command on board for a later time.
	ModeScheduled Mode = "scheduled"
)

// ErrTimeout is returned when the gateway does not answer within the
// dispatch timeout.
var ErrTimeout = errors.New("command dispatch timed out")

// Request is one command dispatch.
type Request struct {
	CommandID   int            `json:"command_id"`
	CommandName string         `json:"command_name"`
	Args        map[string]any `json:"args,omitempty"`
	Mode        Mode           `json:"mode"`
	At          *time.Time     `json:"at,omitempty"`
}

// Response carries either immediate data or a scheduling acknowledgment.
type Response struct {
	Data         map[string]any `json:"data,omitempty"`
	Pending      bool           `json:"pending,omitempty"`
	ScheduledFor *time.Time     `json:"scheduled_for,omitempty"`
	ExecutedAt   *time.Time     `json:"executed_at,omitempty"`
}

// Payload returns the values worth persisting: the data block of an immediate
// response, or the acknowledgment of a scheduled one.
func (r Response) Payload() map[string]any {
	if !r.Pending {
		return r.Data
	}
	ack := map[string]any{"pending": true}
	if r.ScheduledFor != nil {
		ack["scheduled_for"] = r.ScheduledFor.UTC().Format(time.RFC3339)
	}
	return ack
}

// Transport is the command gateway contract.
type Transport interface {
	FirmwareVersion(ctx context.Context) (string, error)
	Send(ctx context.Context, req Request) (Response, error)
}

// maxBodyBytes caps a gateway response.
const maxBodyBytes = 1 << 20

// HTTPClient talks JSON to a command gateway:
//
//	GET  {base}/firmware  -> {"version": "1.2.0"}
//	POST {base}/commands  Request -> Response
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPClient creates a client for the gateway at baseURL. Timeouts come
// from the caller's context.
func NewHTTPClient(baseURL string, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// FirmwareVersion asks the gateway which firmware the spacecraft runs.
func (c *HTTPClient) FirmwareVersion(ctx context.Context) (string, error) {
	var out struct {
		Version string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/firmware", nil, &out); err != nil {
		return "", err
	}
	if out.Version == "" {
		return "", errors.New("gateway reported an empty firmware version")
	}
	return out.Version, nil
}

// Send dispatches one command and waits for the gateway's answer.
func (c *HTTPClient) Send(ctx context.Context, req Request) (Response, error) {
	var out Response
	if err := c.do(ctx, http.MethodPost, "/commands", req, &out); err != nil {
		return Response{}, fmt.Errorf("sending %s: %w", req.CommandName, err)
	}
	return out, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return fmt.Errorf("calling gateway: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return fmt.Errorf("reading response body: %w", err)
	}
	if len(raw) > maxBodyBytes {
		return fmt.Errorf("gateway response exceeds %d byte limit", maxBodyBytes)
	}
	if resp.StatusCode/100 != 2 {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		c.logger.Warn("gateway rejected request", "path", path, "status", resp.StatusCode)
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, msg)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
