// Package githubapp is a minimal GitHub App client covering what the
// platform needs: short-lived app JWTs, installation access tokens,
// installation and repository listings, and webhook signature checks.
package githubapp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/oauth2"

	"github.com/thakurdotdev/deploy/internal/config"
	"github.com/thakurdotdev/deploy/internal/models"
)

const (
	defaultBaseURL = "https://api.github.com"
	acceptHeader   = "application/vnd.github+json"

	// App JWTs are valid for ten minutes; issued-at is backdated to absorb
	// clock drift between us and GitHub.
	appJWTTTL  = 10 * time.Minute
	clockDrift = 60 * time.Second

	// Installation tokens live for an hour; refresh when less than this
	// margin remains so in-flight clones don't expire mid-fetch.
	tokenRefreshMargin = 5 * time.Minute
)

// Client talks to the GitHub App API on behalf of one app.
type Client struct {
	appID      string
	signingKey jwk.Key
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu     sync.Mutex
	tokens map[int64]cachedToken
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// Installation is the subset of GitHub's installation object the platform
// stores.
type Installation struct {
	ID      int64 `json:"id"`
	Account struct {
		Login string `json:"login"`
		ID    int64  `json:"id"`
		Type  string `json:"type"`
	} `json:"account"`
}

// NewClient loads the app's private key and returns a ready client. The key
// file must hold a PEM-encoded RSA private key as downloaded from the app
// settings page.
func NewClient(cfg config.GitHubConfig, logger *slog.Logger) (*Client, error) {
	if cfg.AppID == "" {
		return nil, fmt.Errorf("github app id is not set")
	}

	pemBytes, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading app private key: %w", err)
	}

	key, err := jwk.ParseKey(pemBytes, jwk.WithPEM(true))
	if err != nil {
		return nil, fmt.Errorf("parsing app private key: %w", err)
	}

	return &Client{
		appID:      cfg.AppID,
		signingKey: key,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger.With(slog.String("component", "githubapp")),
		tokens:     make(map[int64]cachedToken),
	}, nil
}

// AppJWT mints a short-lived RS256 token identifying the app itself, used
// for the /app/* endpoints and for exchanging installation tokens.
func (c *Client) AppJWT() (string, error) {
	now := time.Now()
	tok, err := jwt.NewBuilder().
		Issuer(c.appID).
		IssuedAt(now.Add(-clockDrift)).
		Expiration(now.Add(appJWTTTL)).
		Build()
	if err != nil {
		return "", fmt.Errorf("building app token: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, c.signingKey))
	if err != nil {
		return "", fmt.Errorf("signing app token: %w", err)
	}
	return string(signed), nil
}

// InstallationToken exchanges the app JWT for an installation access token,
// caching it until close to expiry. The returned token authenticates clones
// and repository listings for that installation.
func (c *Client) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	c.mu.Lock()
	if cached, ok := c.tokens[installationID]; ok && time.Until(cached.expiresAt) > tokenRefreshMargin {
		c.mu.Unlock()
		return cached.token, nil
	}
	c.mu.Unlock()

	appJWT, err := c.AppJWT()
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/app/installations/%d/access_tokens", c.baseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", acceptHeader)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting installation token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("installation token request returned %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decoding installation token: %w", err)
	}

	c.mu.Lock()
	c.tokens[installationID] = cachedToken{token: payload.Token, expiresAt: payload.ExpiresAt}
	c.mu.Unlock()

	c.logger.Debug("installation token issued",
		slog.Int64("installation_id", installationID),
		slog.Time("expires_at", payload.ExpiresAt))
	return payload.Token, nil
}

// ListInstallations returns every installation of the app.
func (c *Client) ListInstallations(ctx context.Context) ([]Installation, error) {
	appJWT, err := c.AppJWT()
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/app/installations?per_page=100", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building installations request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", acceptHeader)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing installations: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("installations request returned %d: %s", resp.StatusCode, body)
	}

	var installations []Installation
	if err := json.NewDecoder(resp.Body).Decode(&installations); err != nil {
		return nil, fmt.Errorf("decoding installations: %w", err)
	}
	return installations, nil
}

// ListRepositories returns all repositories visible to an installation,
// following pagination.
func (c *Client) ListRepositories(ctx context.Context, installationID int64) ([]models.Repository, error) {
	token, err := c.InstallationToken(ctx, installationID)
	if err != nil {
		return nil, err
	}

	// The installation token is a plain bearer credential; oauth2 handles
	// attaching it per request.
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(ctx, ts)
	httpClient.Timeout = 15 * time.Second

	var repos []models.Repository
	for page := 1; ; page++ {
		endpoint := fmt.Sprintf("%s/installation/repositories?per_page=100&page=%d", c.baseURL, page)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("building repositories request: %w", err)
		}
		req.Header.Set("Accept", acceptHeader)

		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("listing repositories: %w", err)
		}

		var payload struct {
			TotalCount   int                 `json:"total_count"`
			Repositories []models.Repository `json:"repositories"`
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, fmt.Errorf("repositories request returned %d: %s", resp.StatusCode, body)
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("decoding repositories: %w", err)
		}
		resp.Body.Close()

		repos = append(repos, payload.Repositories...)
		if len(payload.Repositories) == 0 || len(repos) >= payload.TotalCount {
			return repos, nil
		}
	}
}

// AuthenticatedCloneURL injects an installation token into an HTTPS clone
// URL. The token never appears in logs; callers log the bare URL instead.
func AuthenticatedCloneURL(repoURL, token string) (string, error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", fmt.Errorf("parsing clone url: %w", err)
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String(), nil
}
