package githubapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// Webhook request headers set by GitHub.
const (
	SignatureHeader = "X-Hub-Signature-256"
	EventHeader     = "X-GitHub-Event"
	DeliveryHeader  = "X-GitHub-Delivery"
)

var (
	// ErrMissingSignature is returned when the signature header is absent
	// or not in "sha256=<hex>" form.
	ErrMissingSignature = errors.New("missing or malformed webhook signature")

	// ErrSignatureMismatch is returned when the payload digest does not
	// match the signature.
	ErrSignatureMismatch = errors.New("webhook signature mismatch")
)

// VerifySignature checks a webhook payload against its X-Hub-Signature-256
// header value. Comparison is constant-time.
func VerifySignature(secret, payload []byte, signature string) error {
	if len(secret) == 0 {
		return errors.New("webhook secret is not configured")
	}

	hexDigest, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return ErrMissingSignature
	}
	want, err := hex.DecodeString(hexDigest)
	if err != nil {
		return ErrMissingSignature
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), want) {
		return ErrSignatureMismatch
	}
	return nil
}

// PushEvent is the subset of a push delivery the platform consumes.
type PushEvent struct {
	Ref   string `json:"ref"`
	After string `json:"after"`

	Repository struct {
		ID       int64  `json:"id"`
		FullName string `json:"full_name"`
	} `json:"repository"`

	HeadCommit *struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"head_commit"`

	Installation *struct {
		ID int64 `json:"id"`
	} `json:"installation"`
}

// Branch extracts the branch name from the push ref, or empty when the ref
// is not a branch (tags, notes).
func (e *PushEvent) Branch() string {
	branch, ok := strings.CutPrefix(e.Ref, "refs/heads/")
	if !ok {
		return ""
	}
	return branch
}

// InstallationEvent is the subset of an installation delivery the platform
// consumes. Action is "created", "deleted", or a suspension variant.
type InstallationEvent struct {
	Action string `json:"action"`

	Installation struct {
		ID      int64 `json:"id"`
		Account struct {
			Login string `json:"login"`
			ID    int64  `json:"id"`
			Type  string `json:"type"`
		} `json:"account"`
	} `json:"installation"`
}
