package deployer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thakurdotdev/deploy/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCheckPort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ports/check", r.URL.Path)

		var body map[string]int
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, 8001, body["port"])

		json.NewEncoder(w).Encode(map[string]bool{"available": true})
	}))
	defer srv.Close()

	client := NewEngineClient(srv.URL, discardLogger())
	available, err := client.CheckPort(context.Background(), 8001)
	require.NoError(t, err)
	assert.True(t, available)
}

func TestCheckPortTaken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]bool{"available": false})
	}))
	defer srv.Close()

	client := NewEngineClient(srv.URL, discardLogger())
	available, err := client.CheckPort(context.Background(), 8001)
	require.NoError(t, err)
	assert.False(t, available)
}

func TestCheckPortRetriesTransportErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			// Drop the connection mid-response.
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		json.NewEncoder(w).Encode(map[string]bool{"available": true})
	}))
	defer srv.Close()

	client := NewEngineClient(srv.URL, discardLogger())
	available, err := client.CheckPort(context.Background(), 8001)
	require.NoError(t, err)
	assert.True(t, available)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCheckPortDoesNotRetryEngineErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "Bad Request", "message": "port out of range"})
	}))
	defer srv.Close()

	client := NewEngineClient(srv.URL, discardLogger())
	_, err := client.CheckPort(context.Background(), 80)
	require.Error(t, err)

	var engineErr *EngineError
	require.True(t, errors.As(err, &engineErr))
	assert.Equal(t, http.StatusBadRequest, engineErr.StatusCode)
	assert.Equal(t, "port out of range", engineErr.Detail)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "definitive replies must not be retried")
}

func TestUploadArtifact(t *testing.T) {
	content := "gzipped-tar-bytes"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/artifacts/upload", r.URL.Path)
		require.Equal(t, "b-123", r.URL.Query().Get("buildId"))
		require.Equal(t, "application/gzip", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Equal(t, content, string(body))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client := NewEngineClient(srv.URL, discardLogger())
	err := client.UploadArtifact(context.Background(), "b-123", strings.NewReader(content))
	require.NoError(t, err)
}

func TestActivate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/activate", r.URL.Path)

		var req ActivateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "proj-1", req.ProjectID)
		assert.Equal(t, "build-1", req.BuildID)
		assert.Equal(t, 8002, req.Port)
		assert.Equal(t, "vite", req.AppType)
		assert.Equal(t, "blog", req.Subdomain)
		assert.Equal(t, map[string]string{"API_URL": "x"}, req.EnvVars)

		json.NewEncoder(w).Encode(map[string]string{"status": "active"})
	}))
	defer srv.Close()

	client := NewEngineClient(srv.URL, discardLogger())
	err := client.Activate(context.Background(), ActivateRequest{
		ProjectID: "proj-1",
		BuildID:   "build-1",
		Port:      8002,
		AppType:   "vite",
		Subdomain: "blog",
		EnvVars:   map[string]string{"API_URL": "x"},
	})
	require.NoError(t, err)
}

func TestActivateSurfacesEngineFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]string{
			"error":   "Deployment Error",
			"message": "health check failed on port 8002",
		})
	}))
	defer srv.Close()

	client := NewEngineClient(srv.URL, discardLogger())
	err := client.Activate(context.Background(), ActivateRequest{BuildID: "build-1", Port: 8002})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health check failed")
}

func TestStopAndDelete(t *testing.T) {
	var gotStop StopRequest
	var gotDelete DeleteProjectRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/stop":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotStop))
		case "/projects/proj-1/delete":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotDelete))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewEngineClient(srv.URL, discardLogger())

	require.NoError(t, client.Stop(context.Background(), StopRequest{Port: 8002, ProjectID: "proj-1"}))
	assert.Equal(t, 8002, gotStop.Port)

	require.NoError(t, client.DeleteProject(context.Background(), "proj-1", DeleteProjectRequest{
		Port:      8002,
		Subdomain: "blog",
		BuildIDs:  []string{"b1", "b2"},
	}))
	assert.Equal(t, []string{"b1", "b2"}, gotDelete.BuildIDs)
}

func TestHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewEngineClient(srv.URL, discardLogger())
	assert.NoError(t, client.Healthy(context.Background()))

	srv.Close()
	assert.Error(t, client.Healthy(context.Background()))
}

func TestTriggerBuildRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/build", r.URL.Path)
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, `{"error":"Internal Server Error"}`, http.StatusInternalServerError)
			return
		}

		job, err := models.DecodeBuildJob(mustReadAll(t, r.Body))
		require.NoError(t, err)
		assert.Equal(t, "bun install && bun run build", job.BuildCommand)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := NewWorkerClient(srv.URL, discardLogger())
	err := client.TriggerBuild(context.Background(), &models.BuildJobData{
		BuildID:      uuid.New(),
		ProjectID:    uuid.New(),
		RepoURL:      "https://github.com/thakur/blog.git",
		BuildCommand: "bun install && bun run build",
		Framework:    models.FrameworkVite,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func mustReadAll(t *testing.T, r io.Reader) []byte {
	t.Helper()
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	return b
}
