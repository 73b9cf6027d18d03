package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngineServer(t *testing.T, e *Engine) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewHandler(e, discardLogger()).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func TestHandlerHealthEndpoints(t *testing.T) {
	srv := newEngineServer(t, newTestEngine(t, false, nil))

	code, body, _ := getPage(t, srv.URL+"/")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Deploy Engine is running", body)

	code, body, _ = getPage(t, srv.URL+"/health")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, body)

	code, _, _ = getPage(t, srv.URL+"/ready")
	assert.Equal(t, http.StatusOK, code)
}

func TestHandlerCheckPort(t *testing.T) {
	srv := newEngineServer(t, newTestEngine(t, false, nil))

	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	resp := postJSON(t, srv.URL+"/ports/check", fmt.Sprintf(`{"port": %d}`, port))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result map[string]bool
	decodeBody(t, resp, &result)
	assert.False(t, result["available"])
}

func TestHandlerCheckPortValidation(t *testing.T) {
	srv := newEngineServer(t, newTestEngine(t, false, nil))

	resp := postJSON(t, srv.URL+"/ports/check", `{"port": 0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/ports/check", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlerUploadActivateStopRoundTrip(t *testing.T) {
	e := newTestEngine(t, false, nil)
	srv := newEngineServer(t, e)

	projectID := uuid.NewString()
	buildID := uuid.NewString()
	port := freePort(t)

	archive := viteArchive(t, "<html>via-http</html>")
	resp, err := http.Post(srv.URL+"/artifacts/upload?buildId="+buildID,
		"application/gzip", bytes.NewReader(archive))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var uploaded map[string]string
	decodeBody(t, resp, &uploaded)
	assert.Equal(t, "Artifact received", uploaded["message"])
	assert.NotEmpty(t, uploaded["artifactPath"])

	activate := postJSON(t, srv.URL+"/activate", fmt.Sprintf(
		`{"projectId":%q,"buildId":%q,"port":%d,"appType":"vite"}`,
		projectID, buildID, port))
	require.Equal(t, http.StatusOK, activate.StatusCode)

	var ok map[string]bool
	decodeBody(t, activate, &ok)
	assert.True(t, ok["success"])

	code, body, _ := getPage(t, fmt.Sprintf("http://127.0.0.1:%d/", port))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "<html>via-http</html>", body)

	stop := postJSON(t, srv.URL+"/stop", fmt.Sprintf(`{"projectId":%q}`, projectID))
	require.Equal(t, http.StatusOK, stop.StatusCode)

	_, err = http.Get(fmt.Sprintf("http://127.0.0.1:%d/", port))
	require.Error(t, err)
}

func TestHandlerUploadValidation(t *testing.T) {
	srv := newEngineServer(t, newTestEngine(t, false, nil))

	resp, err := http.Post(srv.URL+"/artifacts/upload", "application/gzip", strings.NewReader("x"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/artifacts/upload?buildId=not-a-uuid", "application/gzip", strings.NewReader("x"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlerActivateValidation(t *testing.T) {
	srv := newEngineServer(t, newTestEngine(t, false, nil))
	projectID := uuid.NewString()
	buildID := uuid.NewString()

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{`},
		{"unknown app type", fmt.Sprintf(`{"projectId":%q,"buildId":%q,"port":8042,"appType":"rails"}`, projectID, buildID)},
		{"bad project id", fmt.Sprintf(`{"projectId":"nope","buildId":%q,"port":8042,"appType":"vite"}`, buildID)},
		{"bad build id", fmt.Sprintf(`{"projectId":%q,"buildId":"nope","port":8042,"appType":"vite"}`, projectID)},
		{"missing port", fmt.Sprintf(`{"projectId":%q,"buildId":%q,"appType":"vite"}`, projectID, buildID)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/activate", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestHandlerActivateFailure(t *testing.T) {
	srv := newEngineServer(t, newTestEngine(t, false, nil))

	// Valid request shape, but no artifact was ever uploaded.
	resp := postJSON(t, srv.URL+"/activate", fmt.Sprintf(
		`{"projectId":%q,"buildId":%q,"port":%d,"appType":"vite"}`,
		uuid.NewString(), uuid.NewString(), freePort(t)))
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var apiErr map[string]string
	decodeBody(t, resp, &apiErr)
	assert.Contains(t, apiErr["message"], "not found")
}

func TestHandlerStopValidation(t *testing.T) {
	srv := newEngineServer(t, newTestEngine(t, false, nil))

	resp := postJSON(t, srv.URL+"/stop", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/stop", `{"projectId":"not-a-uuid"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlerDeleteProject(t *testing.T) {
	srv := newEngineServer(t, newTestEngine(t, false, nil))

	// Empty body is fine; deleting a project with no state succeeds.
	resp, err := http.Post(srv.URL+"/projects/"+uuid.NewString()+"/delete", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	bad, err := http.Post(srv.URL+"/projects/not-a-uuid/delete", "application/json", nil)
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}
