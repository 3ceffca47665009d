package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roman-kulish/location-relay/internal/fix"
	"github.com/roman-kulish/location-relay/internal/storage"
	"github.com/roman-kulish/location-relay/internal/wire"
)

const (
	pingInterval   = 15 * time.Second
	pongTimeout    = 30 * time.Second
	writeTimeout   = 5 * time.Second
	maxMessageSize = 1 << 20
)

// errorResponse is the reply sent back for a payload the server rejects.
type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// WithBearerToken requires clients to present the given token. An empty
// token disables authentication.
func WithBearerToken(token string) func(h *Handler) {
	return func(h *Handler) {
		h.bearerToken = token
	}
}

// Handler accepts websocket connections from relay producers, validates
// inbound fix envelopes and records them. Each connection gets its own
// ingest session.
type Handler struct {
	store  storage.Store
	logger *slog.Logger

	bearerToken string

	upgrader websocket.Upgrader
}

// NewHandler creates an ingest handler backed by the given store.
func NewHandler(store storage.Store, logger *slog.Logger, options ...func(h *Handler)) *Handler {
	h := Handler{
		store:  store,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}

	for _, option := range options {
		option(&h)
	}

	return &h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.bearerToken != "" && r.Header.Get("Authorization") != "Bearer "+h.bearerToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("remote", r.RemoteAddr), slog.Any("error", err))
		return
	}

	h.serve(r.Context(), conn, r.RemoteAddr)
}

func (h *Handler) serve(ctx context.Context, conn *websocket.Conn, remote string) {
	defer conn.Close()

	h.logger.Info("client connected", slog.String("remote", remote))

	sessionID, err := h.store.CreateSession(ctx, "websocket", remote, nil)
	if err != nil {
		h.logger.Error("creating session", slog.Any("error", err))
		return
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	// Write access is shared between the ping loop and error replies.
	writes := make(chan []byte, 8)
	done := make(chan struct{})
	go h.writePump(conn, writes, done)
	defer close(done)

	counts := make(map[fix.Source]uint64)
	defer func() {
		h.logger.Info("client disconnected",
			slog.String("remote", remote),
			slog.Int64("session", sessionID),
			slog.Uint64("iosFixes", counts[fix.SourceIOS]),
			slog.Uint64("watchFixes", counts[fix.SourceWatchOS]))
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("read failed", slog.String("remote", remote), slog.Any("error", err))
			}
			return
		}

		f, err := wire.DecodeEnvelope(data)
		if err != nil {
			h.reply(writes, errorResponse{Status: "error", Message: err.Error()})
			continue
		}

		if err = validateFix(f); err != nil {
			h.logger.Error("validation failed",
				slog.String("remote", remote),
				slog.Any("error", err))
			h.reply(writes, errorResponse{Status: "error", Message: err.Error()})
			continue
		}

		if _, err = h.store.StoreFix(ctx, sessionID, f, time.Now().UTC()); err != nil {
			h.logger.Error("storing fix", slog.Any("error", err))
			h.reply(writes, errorResponse{Status: "error", Message: "storage failure"})
			continue
		}

		counts[f.Source]++
		h.logger.Info("fix received",
			slog.String("source", string(f.Source)),
			slog.Uint64("seq", f.Sequence),
			slog.Float64("lat", f.Latitude),
			slog.Float64("lon", f.Longitude),
			slog.Float64("accuracy", f.HorizontalAccuracyMeters),
			slog.Float64("speed", f.SpeedMPS))
	}
}

// writePump serializes all writes to the connection and keeps the client
// alive with periodic pings.
func (h *Handler) writePump(conn *websocket.Conn, writes <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case payload := <-writes:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) reply(writes chan<- []byte, resp errorResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	select {
	case writes <- payload:
	default:
		h.logger.Warn("dropping error reply, write queue full")
	}
}

func validateFix(f fix.Fix) error {
	if f.Latitude < -90 || f.Latitude > 90 {
		return fmt.Errorf("validation error at 'lat': %f out of range", f.Latitude)
	}
	if f.Longitude < -180 || f.Longitude > 180 {
		return fmt.Errorf("validation error at 'lon': %f out of range", f.Longitude)
	}
	if f.Timestamp.IsZero() {
		return fmt.Errorf("validation error at 'ts_unix_ms': timestamp required")
	}
	switch f.Source {
	case fix.SourceIOS, fix.SourceWatchOS, fix.SourceAndroid, fix.SourceNMEA, fix.SourceSimulated:
	default:
		return fmt.Errorf("validation error at 'source': unknown source %q", f.Source)
	}
	return nil
}
