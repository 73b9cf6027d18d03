package handler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/thakurdotdev/deploy/internal/githubapp"
	"github.com/thakurdotdev/deploy/internal/models"
)

const testWebhookSecret = "super-secret-webhook-token"

type mockWebhookService struct {
	handlePushFunc         func(ctx context.Context, event *githubapp.PushEvent) (*models.PushResult, error)
	handleInstallationFunc func(ctx context.Context, event *githubapp.InstallationEvent) (*models.InstallationResult, error)
}

func (m *mockWebhookService) HandlePush(ctx context.Context, event *githubapp.PushEvent) (*models.PushResult, error) {
	if m.handlePushFunc != nil {
		return m.handlePushFunc(ctx, event)
	}
	return &models.PushResult{}, nil
}

func (m *mockWebhookService) HandleInstallation(ctx context.Context, event *githubapp.InstallationEvent) (*models.InstallationResult, error) {
	if m.handleInstallationFunc != nil {
		return m.handleInstallationFunc(ctx, event)
	}
	return &models.InstallationResult{}, nil
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// deliver posts a signed webhook and returns the recorder.
func deliver(h *WebhookHandler, event string, payload []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/github/webhook", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(githubapp.EventHeader, event)
	req.Header.Set(githubapp.DeliveryHeader, "delivery-1234")
	if signature != "" {
		req.Header.Set(githubapp.SignatureHeader, signature)
	}

	rec := httptest.NewRecorder()
	h.Handle(rec, req)
	return rec
}

func newWebhookHandler(svc *mockWebhookService) *WebhookHandler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWebhookHandler(svc, testWebhookSecret, logger)
}

func TestWebhookHandler_Ping(t *testing.T) {
	handler := newWebhookHandler(&mockWebhookService{})

	payload := []byte(`{"zen":"Keep it logically awesome."}`)
	rec := deliver(handler, "ping", payload, signPayload(testWebhookSecret, payload))

	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200. Body: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if resp["message"] != "pong" {
		t.Errorf("message = %q, want pong", resp["message"])
	}
}

func TestWebhookHandler_RejectsBadSignature(t *testing.T) {
	called := false
	handler := newWebhookHandler(&mockWebhookService{
		handlePushFunc: func(ctx context.Context, event *githubapp.PushEvent) (*models.PushResult, error) {
			called = true
			return &models.PushResult{}, nil
		},
	})

	payload := []byte(`{"ref":"refs/heads/main"}`)

	t.Run("wrong secret", func(t *testing.T) {
		rec := deliver(handler, "push", payload, signPayload("wrong-secret", payload))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("Status = %d, want 401", rec.Code)
		}
	})

	t.Run("missing header", func(t *testing.T) {
		rec := deliver(handler, "push", payload, "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("Status = %d, want 401", rec.Code)
		}
	})

	t.Run("signature over different bytes", func(t *testing.T) {
		rec := deliver(handler, "push", payload, signPayload(testWebhookSecret, []byte(`{"ref":"refs/heads/dev"}`)))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("Status = %d, want 401", rec.Code)
		}
	})

	if called {
		t.Error("service was invoked despite invalid signatures")
	}
}

func TestWebhookHandler_Push(t *testing.T) {
	var got *githubapp.PushEvent
	handler := newWebhookHandler(&mockWebhookService{
		handlePushFunc: func(ctx context.Context, event *githubapp.PushEvent) (*models.PushResult, error) {
			got = event
			return &models.PushResult{Processed: true, BuildsTriggered: 2}, nil
		},
	})

	payload := []byte(`{
		"ref": "refs/heads/main",
		"after": "4f2d1c0ab",
		"repository": {"id": 99, "full_name": "acme/web-app"},
		"head_commit": {"id": "4f2d1c0ab", "message": "feat: ship it"},
		"installation": {"id": 1234}
	}`)

	rec := deliver(handler, "push", payload, signPayload(testWebhookSecret, payload))

	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200. Body: %s", rec.Code, rec.Body.String())
	}
	if got == nil {
		t.Fatal("push event never reached the service")
	}
	if got.Branch() != "main" {
		t.Errorf("Branch() = %q, want main", got.Branch())
	}
	if got.Repository.ID != 99 {
		t.Errorf("Repository.ID = %d, want 99", got.Repository.ID)
	}

	var result models.PushResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if !result.Processed || result.BuildsTriggered != 2 {
		t.Errorf("result = %+v, want processed with 2 builds", result)
	}
}

func TestWebhookHandler_PushMalformedPayload(t *testing.T) {
	handler := newWebhookHandler(&mockWebhookService{})

	payload := []byte(`{"ref": 42}`)
	rec := deliver(handler, "push", payload, signPayload(testWebhookSecret, payload))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", rec.Code)
	}
}

func TestWebhookHandler_Installation(t *testing.T) {
	var got *githubapp.InstallationEvent
	handler := newWebhookHandler(&mockWebhookService{
		handleInstallationFunc: func(ctx context.Context, event *githubapp.InstallationEvent) (*models.InstallationResult, error) {
			got = event
			return &models.InstallationResult{Processed: true, Action: event.Action}, nil
		},
	})

	payload := []byte(`{
		"action": "created",
		"installation": {"id": 789, "account": {"login": "acme", "id": 55, "type": "Organization"}}
	}`)

	rec := deliver(handler, "installation", payload, signPayload(testWebhookSecret, payload))

	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200. Body: %s", rec.Code, rec.Body.String())
	}
	if got == nil {
		t.Fatal("installation event never reached the service")
	}
	if got.Installation.ID != 789 || got.Installation.Account.Login != "acme" {
		t.Errorf("event = %+v, want installation 789 for acme", got)
	}
}

func TestWebhookHandler_IgnoresUnknownEvents(t *testing.T) {
	handler := newWebhookHandler(&mockWebhookService{
		handlePushFunc: func(ctx context.Context, event *githubapp.PushEvent) (*models.PushResult, error) {
			t.Fatal("push handler invoked for a non-push event")
			return nil, nil
		},
	})

	payload := []byte(`{"action":"opened"}`)
	rec := deliver(handler, "pull_request", payload, signPayload(testWebhookSecret, payload))

	// Unknown events must 200 so the provider keeps delivering.
	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", rec.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if resp["event"] != "pull_request" {
		t.Errorf("event = %q, want pull_request", resp["event"])
	}
}
