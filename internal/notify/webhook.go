// Package notify tells downstream consumers that a new ephemeris window is in
// service.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jumiknows/AleasatV2-sub002/internal/ephemeris"
	"github.com/jumiknows/AleasatV2-sub002/internal/metrics"
)

// EphemerisUpdated is the webhook body.
type EphemerisUpdated struct {
	StateID     string    `json:"state_id"`
	Source      string    `json:"source"`
	LoadedAt    time.Time `json:"loaded_at"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

// Webhook posts EphemerisUpdated to a URL after every refresh. Delivery is
// fire-and-forget: failures are logged and counted, never retried.
type Webhook struct {
	url        string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewWebhook creates a Webhook for url. token, when set, is sent as a bearer
// token.
func NewWebhook(url, token string, logger *slog.Logger) *Webhook {
	return &Webhook{
		url:   url,
		token: token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Hook is an ephemeris.Hook. It returns at once.
func (w *Webhook) Hook(ctx context.Context, snap *ephemeris.Snapshot) {
	body := EphemerisUpdated{
		StateID:     snap.StateID,
		Source:      snap.Source,
		LoadedAt:    snap.LoadedAt,
		WindowStart: snap.Start(),
		WindowEnd:   snap.End(),
	}
	ctx = context.WithoutCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		err := w.deliver(ctx, body)
		metrics.RecordWebhook(err)
		if err != nil {
			w.logger.Warn("ephemeris webhook failed", "url", w.url, "state_id", body.StateID, "error", err)
			return
		}
		w.logger.Debug("ephemeris webhook delivered", "url", w.url, "state_id", body.StateID)
	}()
}

// Wait blocks until in-flight deliveries finish.
func (w *Webhook) Wait() {
	w.wg.Wait()
}

func (w *Webhook) deliver(ctx context.Context, body EphemerisUpdated) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}
	return nil
}
