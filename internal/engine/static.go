package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// assetExtensions lists build outputs that carry content hashes in their
// names and can be cached forever.
var assetExtensions = map[string]bool{
	".js": true, ".css": true, ".woff": true, ".woff2": true,
	".ttf": true, ".eot": true, ".svg": true, ".png": true,
	".jpg": true, ".jpeg": true, ".gif": true, ".ico": true,
	".webp": true, ".avif": true, ".mp4": true, ".webm": true,
}

// staticHandler serves a single-page app from a build output directory.
// Unknown paths fall back to the root index.html so client-side routes
// survive a hard refresh.
type staticHandler struct {
	root string
}

func (h *staticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := filepath.Clean(r.URL.Path)
	if path == "/" {
		path = "/index.html"
	}

	full := filepath.Join(h.root, path)
	info, err := os.Stat(full)
	if err != nil {
		index := filepath.Join(h.root, "index.html")
		if _, indexErr := os.Stat(index); indexErr == nil {
			http.ServeFile(w, r, index)
			return
		}
		http.NotFound(w, r)
		return
	}

	if info.IsDir() {
		index := filepath.Join(full, "index.html")
		if _, err := os.Stat(index); err != nil {
			http.NotFound(w, r)
			return
		}
		full = index
	}

	if assetExtensions[strings.ToLower(filepath.Ext(path))] {
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	} else {
		w.Header().Set("Cache-Control", "no-cache")
	}
	http.ServeFile(w, r, full)
}

// staticSite is one bound listener serving a project's static build.
type staticSite struct {
	port   int
	root   string
	server *http.Server
}

// StaticRegistry tracks the static file servers the engine runs in-process,
// one per project. Listeners bind the project's port directly and serve
// through the current symlink, so activating a newer build swaps content
// without rebinding.
type StaticRegistry struct {
	mu     sync.Mutex
	sites  map[string]*staticSite
	logger *slog.Logger
}

func NewStaticRegistry(logger *slog.Logger) *StaticRegistry {
	return &StaticRegistry{
		sites:  make(map[string]*staticSite),
		logger: logger.With(slog.String("component", "static")),
	}
}

// Serve ensures a listener for projectID on port serving root. A matching
// listener is left alone; a stale one is replaced.
func (reg *StaticRegistry) Serve(projectID string, port int, root string) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if site, ok := reg.sites[projectID]; ok {
		if site.port == port && site.root == root {
			return nil
		}
		reg.shutdownLocked(projectID, site)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to bind port %d: %w", port, err)
	}

	srv := &http.Server{
		Handler:           &staticHandler{root: root},
		ReadHeaderTimeout: 10 * time.Second,
	}
	reg.sites[projectID] = &staticSite{port: port, root: root, server: srv}

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			reg.logger.Error("static server stopped",
				slog.String("project_id", projectID),
				slog.Any("error", err))
		}
	}()

	reg.logger.Info("static server started",
		slog.String("project_id", projectID),
		slog.Int("port", port))
	return nil
}

// Stop shuts down the project's listener. Returns true when one was running.
func (reg *StaticRegistry) Stop(projectID string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	site, ok := reg.sites[projectID]
	if !ok {
		return false
	}
	reg.shutdownLocked(projectID, site)
	return true
}

// StopPort shuts down whichever project's listener holds port.
func (reg *StaticRegistry) StopPort(port int) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for id, site := range reg.sites {
		if site.port == port {
			reg.shutdownLocked(id, site)
			return true
		}
	}
	return false
}

// Serving reports whether a listener for projectID already holds port.
func (reg *StaticRegistry) Serving(projectID string, port int) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	site, ok := reg.sites[projectID]
	return ok && site.port == port
}

// Close shuts down every listener.
func (reg *StaticRegistry) Close() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for id, site := range reg.sites {
		reg.shutdownLocked(id, site)
	}
}

func (reg *StaticRegistry) shutdownLocked(projectID string, site *staticSite) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := site.server.Shutdown(ctx); err != nil {
		site.server.Close()
	}
	delete(reg.sites, projectID)
	reg.logger.Info("static server stopped",
		slog.String("project_id", projectID),
		slog.Int("port", site.port))
}
