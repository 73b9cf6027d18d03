// Package framework maps a project's framework onto build and runtime
// behavior: whether sources need an install step, whether the build output
// is served statically, and how the application process is started.
package framework

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/thakurdotdev/deploy/internal/models"
)

// Config describes one supported framework.
type Config struct {
	Framework       models.Framework
	DisplayName     string
	Backend         bool
	RequiresInstall bool
}

var registry = map[models.Framework]Config{
	models.FrameworkNextJS:  {Framework: models.FrameworkNextJS, DisplayName: "Next.js", RequiresInstall: true},
	models.FrameworkVite:    {Framework: models.FrameworkVite, DisplayName: "Vite"},
	models.FrameworkExpress: {Framework: models.FrameworkExpress, DisplayName: "Express", Backend: true, RequiresInstall: true},
	models.FrameworkHono:    {Framework: models.FrameworkHono, DisplayName: "Hono", Backend: true, RequiresInstall: true},
	models.FrameworkElysia:  {Framework: models.FrameworkElysia, DisplayName: "Elysia", Backend: true, RequiresInstall: true},
}

// Lookup returns the config for a framework.
func Lookup(f models.Framework) (Config, bool) {
	cfg, ok := registry[f]
	return cfg, ok
}

// IsBackend returns true for server frameworks started from an entry file.
func IsBackend(f models.Framework) bool {
	return registry[f].Backend
}

// RequiresInstall returns true when dependencies must be installed in the
// extracted artifact before start.
func RequiresInstall(f models.Framework) bool {
	return registry[f].RequiresInstall
}

// StaticRoot returns the directory to serve statically, relative to the
// extracted build, and whether the static path applies. Vite builds are
// always static; Next.js builds are static only when exported to out/.
func StaticRoot(f models.Framework, dir string) (string, bool) {
	switch f {
	case models.FrameworkVite:
		return "dist", true
	case models.FrameworkNextJS:
		if fileExists(filepath.Join(dir, "out")) {
			return "out", true
		}
	}
	return "", false
}

// StartCommand returns the argv used to launch a non-static app in dir.
func StartCommand(f models.Framework, port int, dir string) []string {
	switch f {
	case models.FrameworkNextJS:
		return []string{"bun", "run", "start", "--", "--port", strconv.Itoa(port)}
	case models.FrameworkVite:
		return nil // always served statically
	default:
		return BackendStartCommand(dir)
	}
}

// entryPattern pulls an entry file out of a package.json script line such
// as "bun run --watch src/index.ts" or "node dist/server.js".
var entryPattern = regexp.MustCompile(`(?:bun|node|tsx|ts-node|nodemon)\s+(?:run\s+)?(?:watch\s+)?(\S+\.(?:ts|js))`)

// commonEntries is the fallback scan order when package.json yields nothing.
var commonEntries = []string{
	"src/index.ts", "src/index.js",
	"src/server.ts", "src/server.js",
	"index.ts", "index.js",
	"server.ts", "server.js",
	"src/app.ts", "src/app.js",
}

// DetectEntryFile resolves a backend app's entry file relative to dir.
// Priority: the dev script (most reliable for TypeScript source), then the
// main field, then the src/ equivalent of a dist/ main, then the start
// script, then a scan of common entry locations. Returns "" if nothing
// matches.
func DetectEntryFile(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return findCommonEntry(dir)
	}

	var pkg struct {
		Main    string            `json:"main"`
		Scripts map[string]string `json:"scripts"`
	}
	if json.Unmarshal(data, &pkg) != nil {
		return findCommonEntry(dir)
	}

	if script, ok := pkg.Scripts["dev"]; ok {
		if entry := extractEntryFromScript(script); entry != "" && fileExists(filepath.Join(dir, entry)) {
			return entry
		}
	}

	if pkg.Main != "" && fileExists(filepath.Join(dir, pkg.Main)) {
		return pkg.Main
	}

	// A dist/ main usually has a shippable source twin.
	if strings.Contains(pkg.Main, "dist/") {
		srcEntry := strings.Replace(pkg.Main, "dist/", "src/", 1)
		srcEntry = strings.Replace(srcEntry, ".js", ".ts", 1)
		if fileExists(filepath.Join(dir, srcEntry)) {
			return srcEntry
		}
	}

	if script, ok := pkg.Scripts["start"]; ok {
		if entry := extractEntryFromScript(script); entry != "" && fileExists(filepath.Join(dir, entry)) {
			return entry
		}
	}

	return findCommonEntry(dir)
}

// BackendStartCommand builds the argv for a backend app: "bun run <entry>"
// when an entry file is found, otherwise the package's start script.
func BackendStartCommand(dir string) []string {
	if entry := DetectEntryFile(dir); entry != "" {
		return []string{"bun", "run", entry}
	}
	return []string{"bun", "run", "start"}
}

func extractEntryFromScript(script string) string {
	matches := entryPattern.FindStringSubmatch(script)
	if len(matches) > 1 {
		return strings.TrimPrefix(matches[1], "./")
	}
	return ""
}

func findCommonEntry(dir string) string {
	for _, entry := range commonEntries {
		if fileExists(filepath.Join(dir, entry)) {
			return entry
		}
	}
	return ""
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
