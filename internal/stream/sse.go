// Package stream pushes mission status transitions to callers over
// Server-Sent Events. Clients connect to GET /api/v1/stream/missions and
// receive one event per transition of a mission they own; operators receive
// every mission's transitions.
//
// SSE message format:
//
//	event: connected
//	data: {"subject":"alice"}
//
//	event: mission_status
//	data: {"mission_id":"...","user_id":"alice","status":"scheduled","at":"..."}
//
// Keep-alive comments (:\n\n) are sent every KeepaliveInterval. Events
// published while a client is disconnected are not replayed.
package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/jumiknows/AleasatV2-sub002/internal/auth"
	"github.com/jumiknows/AleasatV2-sub002/internal/httputil"
	"github.com/jumiknows/AleasatV2-sub002/internal/metrics"
	"github.com/jumiknows/AleasatV2-sub002/internal/model"
)

// Config holds streaming configuration.
type Config struct {
	MaxConcurrentPerIP int           // default 10
	MaxTotal           int           // default 1000
	KeepaliveInterval  time.Duration // default 30s
	Buffer             int           // queued events per client before drops (default 64)
	TrustProxy         bool
}

func (c *Config) setDefaults() {
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 64
	}
}

type subscriber struct {
	subject   string
	all       bool
	missionID string
	events    chan model.MissionEvent
}

func (s *subscriber) wants(ev model.MissionEvent) bool {
	if s.missionID != "" && s.missionID != ev.MissionID {
		return false
	}
	return s.all || s.subject == ev.UserID
}

// Handler fans mission events out to connected SSE clients.
type Handler struct {
	config  Config
	limiter *slots
	logger  *slog.Logger

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewHandler creates a streaming handler.
func NewHandler(config Config, logger *slog.Logger) *Handler {
	config.setDefaults()
	return &Handler{
		config:  config,
		limiter: newSlots(config.MaxConcurrentPerIP, config.MaxTotal),
		logger:  logger,
		subs:    make(map[*subscriber]struct{}),
	}
}

// Publish delivers ev to every interested client without blocking. A client
// whose buffer is full misses the event.
func (h *Handler) Publish(ev model.MissionEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if !s.wants(ev) {
			continue
		}
		select {
		case s.events <- ev:
		default:
			metrics.IncStreamEvents("dropped")
			h.logger.Warn("stream client too slow, event dropped", "subject", s.subject, "mission_id", ev.MissionID)
		}
	}
}

// Subscribers returns the number of connected clients.
func (h *Handler) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Handler) subscribe(s *subscriber) {
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
}

func (h *Handler) unsubscribe(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// HandleMissions serves the mission status stream.
// GET /api/v1/stream/missions?mission_id=...
func (h *Handler) HandleMissions(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	ip := httputil.ClientIP(r, h.config.TrustProxy)
	release, limit := h.limiter.take(ip)
	if release == nil {
		metrics.IncStreamEvents("rate_limit")
		perIP, total := h.limiter.held(ip)
		h.logger.Warn("stream refused",
			"remote_ip", ip,
			"limit", limit,
			"ip_streams", perIP,
			"total_streams", total,
		)
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusTooManyRequests, "too many concurrent streams")
		return
	}
	defer release()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub := &subscriber{
		subject:   id.Subject,
		all:       id.InGroup(auth.GroupOperators),
		missionID: r.URL.Query().Get("mission_id"),
		events:    make(chan model.MissionEvent, h.config.Buffer),
	}
	h.subscribe(sub)
	metrics.IncStreamsActive()

	start := time.Now()
	h.logger.Info("stream connected", "remote_ip", ip, "subject", id.Subject, "all_missions", sub.all)
	defer func() {
		h.unsubscribe(sub)
		metrics.DecStreamsActive()
		h.logger.Info("stream disconnected",
			"remote_ip", ip,
			"subject", id.Subject,
			"duration_seconds", int(time.Since(start).Seconds()),
		)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("could not clear write deadline", "error", err)
	}
	c := &client{w: w, flusher: flusher, rc: rc, logger: h.logger}

	// Jittered reconnect delay so a restart does not bring every client back at once.
	fmt.Fprintf(w, "retry: %d\n\n", 3000+rand.Intn(4000))
	if err := c.sendEvent("connected", map[string]string{"subject": id.Subject}); err != nil {
		return
	}

	keepalive := time.NewTicker(h.config.KeepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.events:
			if err := c.sendEvent("mission_status", ev); err != nil {
				h.logger.Warn("stream send error", "remote_ip", ip, "error", err)
				return
			}
			keepalive.Reset(h.config.KeepaliveInterval)
		case <-keepalive.C:
			if err := c.sendKeepalive(); err != nil {
				h.logger.Warn("stream keepalive error", "remote_ip", ip, "error", err)
				return
			}
		}
	}
}
