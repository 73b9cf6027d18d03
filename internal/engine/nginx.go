package engine

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/buildkite/roko"
)

// subdomainPattern matches one DNS label: lowercase alphanumerics with
// interior hyphens.
var subdomainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// reservedSubdomains are platform names a project can never claim.
var reservedSubdomains = map[string]bool{
	"www": true, "api": true, "admin": true, "dashboard": true,
	"deploy": true, "git": true, "db": true, "mail": true,
	"staging": true, "dev": true,
}

// SubdomainAllowed reports whether sub is a claimable subdomain.
func SubdomainAllowed(sub string) bool {
	s := strings.ToLower(strings.TrimSpace(sub))
	if s == "" || reservedSubdomains[s] {
		return false
	}
	return subdomainPattern.MatchString(s)
}

// Nginx writes per-project reverse proxy configuration and reloads the host
// nginx. Site files are written atomically so a crash never leaves a
// half-written config behind.
type Nginx struct {
	sitesDir   string
	enabledDir string
	baseDomain string
	reload     func() error
	logger     *slog.Logger
}

func NewNginx(sitesDir, enabledDir, baseDomain string, logger *slog.Logger) *Nginx {
	n := &Nginx{
		sitesDir:   sitesDir,
		enabledDir: enabledDir,
		baseDomain: baseDomain,
		logger:     logger.With(slog.String("component", "nginx")),
	}
	n.reload = n.reloadHost
	return n
}

// GenerateConfig renders the server blocks for one project subdomain:
// HTTP redirects to HTTPS, HTTPS proxies to the project's port.
func (n *Nginx) GenerateConfig(sub string, port int) string {
	return fmt.Sprintf(`
server {
    listen 80;
    server_name %s.%s;

    return 301 https://$host$request_uri;
}

server {
    listen 443 ssl;
    server_name %s.%s;

    ssl_certificate     /etc/letsencrypt/live/%s/fullchain.pem;
    ssl_certificate_key /etc/letsencrypt/live/%s/privkey.pem;

    ssl_protocols TLSv1.2 TLSv1.3;
    ssl_ciphers HIGH:!aNULL:!MD5;

    location / {
        proxy_pass http://localhost:%d;
        proxy_http_version 1.1;

        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection "upgrade";
        proxy_set_header Host $host;

        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;

        proxy_read_timeout 300;
        proxy_connect_timeout 300;
        proxy_send_timeout 300;
    }
}
`, sub, n.baseDomain, sub, n.baseDomain, n.baseDomain, n.baseDomain, port)
}

// CreateConfig writes and enables the proxy rule for sub, then reloads.
func (n *Nginx) CreateConfig(sub string, port int) error {
	if !SubdomainAllowed(sub) {
		return fmt.Errorf("invalid or reserved subdomain: %s", sub)
	}

	available := filepath.Join(n.sitesDir, sub+".conf")
	enabled := filepath.Join(n.enabledDir, sub+".conf")

	if err := writeFileAtomic(available, []byte(n.GenerateConfig(sub, port)), 0o644); err != nil {
		return fmt.Errorf("failed to write nginx config: %w", err)
	}

	if _, err := os.Lstat(enabled); os.IsNotExist(err) {
		if err := os.Symlink(available, enabled); err != nil {
			return fmt.Errorf("failed to enable nginx config: %w", err)
		}
	}

	return n.Reload()
}

// RemoveConfig drops the proxy rule for sub and reloads. Missing files are
// not an error.
func (n *Nginx) RemoveConfig(sub string) error {
	os.Remove(filepath.Join(n.enabledDir, sub+".conf"))
	os.Remove(filepath.Join(n.sitesDir, sub+".conf"))
	return n.Reload()
}

// CreateDefaultConfig installs the catch-all that answers unknown subdomains
// with a 404.
func (n *Nginx) CreateDefaultConfig() error {
	content := fmt.Sprintf(`
server {
    listen 80;
    server_name _ *.%s;
    add_header Content-Type text/plain;
    return 404 "Unknown subdomain. No project deployed.\n";
}

server {
    listen 443 ssl;
    server_name _ *.%s;

    ssl_certificate     /etc/letsencrypt/live/%s/fullchain.pem;
    ssl_certificate_key /etc/letsencrypt/live/%s/privkey.pem;

    add_header Content-Type text/plain;
    return 404 "Unknown subdomain. No project deployed.\n";
}
`, n.baseDomain, n.baseDomain, n.baseDomain, n.baseDomain)

	file := filepath.Join(n.sitesDir, "00-default.conf")
	if err := writeFileAtomic(file, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write default nginx config: %w", err)
	}

	return n.Reload()
}

// Reload validates the configuration and reloads nginx. Transient failures
// are retried.
func (n *Nginx) Reload() error {
	err := roko.NewRetrier(
		roko.WithMaxAttempts(3),
		roko.WithStrategy(roko.Constant(time.Second)),
	).Do(func(_ *roko.Retrier) error {
		return n.reload()
	})
	if err != nil {
		return fmt.Errorf("failed to reload nginx: %w", err)
	}
	return nil
}

func (n *Nginx) reloadHost() error {
	if out, err := exec.Command("sudo", "nginx", "-t").CombinedOutput(); err != nil {
		return fmt.Errorf("nginx config validation failed: %s", strings.TrimSpace(string(out)))
	}
	if out, err := exec.Command("sudo", "systemctl", "reload", "nginx").CombinedOutput(); err != nil {
		return fmt.Errorf("nginx reload failed: %s", strings.TrimSpace(string(out)))
	}
	return nil
}

// writeFileAtomic writes data to a temp file in path's directory and renames
// it into place.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
