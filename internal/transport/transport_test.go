package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestHTTPClientSend(t *testing.T) {
	executed := time.Date(2024, 4, 10, 12, 0, 5, 0, time.UTC)
	var got Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/gw/commands" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Response{Data: map[string]any{"uptime": 42.0}, ExecutedAt: &executed})
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL+"/gw/", testLogger())
	resp, err := c.Send(context.Background(), Request{
		CommandID: 1, CommandName: "ping", Args: map[string]any{"n": 1.0}, Mode: ModeImmediate,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.CommandName != "ping" || got.Mode != ModeImmediate || got.Args["n"] != 1.0 {
		t.Errorf("gateway received %+v", got)
	}
	if resp.Data["uptime"] != 42.0 || resp.ExecutedAt == nil || !resp.ExecutedAt.Equal(executed) {
		t.Errorf("response = %+v", resp)
	}
}

func TestHTTPClientFirmwareVersion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/firmware" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"version":"1.2.0"}`))
	}))
	defer server.Close()

	v, err := NewHTTPClient(server.URL, testLogger()).FirmwareVersion(context.Background())
	if err != nil || v != "1.2.0" {
		t.Errorf("FirmwareVersion = %q, %v", v, err)
	}
}

func TestHTTPClientErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		timeout time.Duration
		check   func(error) bool
	}{
		{
			name: "gateway error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "radio link down", http.StatusBadGateway)
			},
			check: func(err error) bool { return strings.Contains(err.Error(), "radio link down") },
		},
		{
			name: "bad json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("{"))
			},
			check: func(err error) bool { return strings.Contains(err.Error(), "decoding response") },
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(5 * time.Second):
				}
			},
			timeout: 50 * time.Millisecond,
			check:   func(err error) bool { return errors.Is(err, ErrTimeout) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			ctx := context.Background()
			if tt.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, tt.timeout)
				defer cancel()
			}
			_, err := NewHTTPClient(server.URL, testLogger()).Send(ctx, Request{CommandName: "ping"})
			if err == nil || !tt.check(err) {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func TestResponsePayload(t *testing.T) {
	at := time.Date(2024, 4, 10, 13, 0, 0, 0, time.UTC)
	immediate := Response{Data: map[string]any{"v": 1.0}}
	if p := immediate.Payload(); p["v"] != 1.0 {
		t.Errorf("immediate payload = %v", p)
	}
	pending := Response{Pending: true, ScheduledFor: &at, Data: map[string]any{"v": 1.0}}
	p := pending.Payload()
	if p["pending"] != true || p["scheduled_for"] != "2024-04-10T13:00:00Z" || p["v"] != nil {
		t.Errorf("pending payload = %v", p)
	}
}
