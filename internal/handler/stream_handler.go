package handler

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thakurdotdev/deploy/internal/middleware"
	"github.com/thakurdotdev/deploy/internal/models"
	"github.com/thakurdotdev/deploy/internal/pkg/response"
	"github.com/thakurdotdev/deploy/internal/service"
)

// Websocket keepalive tuning. Pongs must arrive within pongWait; pings go
// out with enough slack to make that deadline.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// streamMessage is the frame shape pushed to log stream clients.
type streamMessage struct {
	BuildID string `json:"buildId"`
	Data    string `json:"data"`
	Level   string `json:"level"`
}

// StreamHandler upgrades log requests to websockets and bridges the
// in-process log hub onto them. History is not replayed here; clients
// fetch GET /builds/{id}/logs first and then attach for anything new.
type StreamHandler struct {
	buildService service.BuildService
	logService   service.LogService
	upgrader     websocket.Upgrader
	logger       *slog.Logger

	// connected tracks open streams across all builds for the gauge.
	connected atomic.Int64
}

// NewStreamHandler creates a new stream handler. clientURL restricts the
// websocket origin; empty allows any origin, which is only sensible in
// development.
func NewStreamHandler(buildService service.BuildService, logService service.LogService, clientURL string, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{
		buildService: buildService,
		logService:   logService,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || clientURL == "" || origin == clientURL
			},
		},
		logger: logger.With(slog.String("component", "stream_handler")),
	}
}

// Stream handles GET /builds/{id}/logs/stream
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	id, ok := buildID(w, r)
	if !ok {
		return
	}

	// Reject unknown builds with a JSON 404 while the connection is still
	// plain HTTP.
	if _, err := h.buildService.Get(r.Context(), id); err != nil {
		response.Error(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own response.
		h.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	sub := h.logService.Subscribe(id)
	middleware.SetLogSubscribers(int(h.connected.Add(1)))
	defer func() {
		sub.Close()
		middleware.SetLogSubscribers(int(h.connected.Add(-1)))
		conn.Close()
	}()

	// Reader goroutine: the client sends nothing meaningful, but reads must
	// be drained for pong handling and to notice the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case entry := <-sub.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(h.toFrame(entry)); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-sub.Done():
			// Dropped for lagging. Tell the client before hanging up so it
			// can refetch history and reconnect.
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "stream lagged"),
				time.Now().Add(writeWait))
			return

		case <-closed:
			return

		case <-r.Context().Done():
			return
		}
	}
}

func (h *StreamHandler) toFrame(entry models.LogEntry) streamMessage {
	return streamMessage{
		BuildID: entry.BuildID.String(),
		Data:    entry.Message,
		Level:   entry.Level.String(),
	}
}
