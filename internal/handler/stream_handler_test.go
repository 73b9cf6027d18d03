package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/thakurdotdev/deploy/internal/loghub"
	"github.com/thakurdotdev/deploy/internal/models"
	apierrors "github.com/thakurdotdev/deploy/internal/pkg/errors"
)

func newStreamServer(t *testing.T, buildSvc *mockBuildService, hub *loghub.Hub) *httptest.Server {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewStreamHandler(buildSvc, &mockLogService{hub: hub}, "", logger)

	r := chi.NewRouter()
	r.Get("/builds/{id}/logs/stream", h.Stream)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

// waitSubscribers polls until the hub reports n subscribers for the build.
func waitSubscribers(t *testing.T, hub *loghub.Hub, buildID uuid.UUID, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Subscribers(buildID) == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscribers for %s never reached %d", buildID, n)
}

func TestStreamHandler_DeliversEntries(t *testing.T) {
	buildID := uuid.New()
	hub := loghub.NewHub()

	srv := newStreamServer(t, &mockBuildService{
		getFunc: func(ctx context.Context, id uuid.UUID) (*models.Build, error) {
			return &models.Build{ID: id, Status: models.BuildStatusBuilding}, nil
		},
	}, hub)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/builds/"+buildID.String()+"/logs/stream"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	resp.Body.Close()

	// The handler subscribes after the handshake; wait for it before
	// publishing or the entry lands on an empty topic.
	waitSubscribers(t, hub, buildID, 1)

	hub.Publish(models.LogEntry{
		BuildID: buildID,
		Level:   models.LogLevelInfo,
		Message: "Installing dependencies...",
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame streamMessage
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}

	if frame.BuildID != buildID.String() {
		t.Errorf("buildId = %q, want %q", frame.BuildID, buildID)
	}
	if frame.Data != "Installing dependencies..." {
		t.Errorf("data = %q, want install line", frame.Data)
	}
	if frame.Level != "info" {
		t.Errorf("level = %q, want info", frame.Level)
	}
}

func TestStreamHandler_UnknownBuildRejectsUpgrade(t *testing.T) {
	hub := loghub.NewHub()
	srv := newStreamServer(t, &mockBuildService{
		getFunc: func(ctx context.Context, id uuid.UUID) (*models.Build, error) {
			return nil, apierrors.NewNotFoundError("Build")
		},
	}, hub)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/builds/"+uuid.New().String()+"/logs/stream"), nil)
	if err == nil {
		t.Fatal("Dial() succeeded for an unknown build")
	}
	if resp == nil {
		t.Fatal("Dial() returned no HTTP response")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamHandler_UnsubscribesOnDisconnect(t *testing.T) {
	buildID := uuid.New()
	hub := loghub.NewHub()

	srv := newStreamServer(t, &mockBuildService{
		getFunc: func(ctx context.Context, id uuid.UUID) (*models.Build, error) {
			return &models.Build{ID: id, Status: models.BuildStatusBuilding}, nil
		},
	}, hub)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/builds/"+buildID.String()+"/logs/stream"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	resp.Body.Close()
	waitSubscribers(t, hub, buildID, 1)

	conn.Close()
	waitSubscribers(t, hub, buildID, 0)
}
