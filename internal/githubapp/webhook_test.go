package githubapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	secret := []byte("hook-secret")
	payload := []byte(`{"ref":"refs/heads/main","after":"abc123"}`)

	assert.NoError(t, VerifySignature(secret, payload, sign(secret, payload)))
}

func TestVerifySignatureMismatch(t *testing.T) {
	secret := []byte("hook-secret")
	payload := []byte(`{"ref":"refs/heads/main"}`)

	tampered := append([]byte(nil), payload...)
	tampered[0] = '['

	err := VerifySignature(secret, tampered, sign(secret, payload))
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestVerifySignatureWrongSecret(t *testing.T) {
	payload := []byte(`{}`)
	err := VerifySignature([]byte("right"), payload, sign([]byte("wrong"), payload))
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestVerifySignatureMalformedHeader(t *testing.T) {
	secret := []byte("hook-secret")
	payload := []byte(`{}`)

	for _, header := range []string{
		"",
		"sha1=deadbeef",
		"sha256=notahexstring!",
		"deadbeef",
	} {
		err := VerifySignature(secret, payload, header)
		assert.ErrorIs(t, err, ErrMissingSignature, "header %q", header)
	}
}

func TestVerifySignatureNoSecret(t *testing.T) {
	err := VerifySignature(nil, []byte(`{}`), "sha256=00")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrSignatureMismatch)
}

func TestPushEventDecoding(t *testing.T) {
	raw := []byte(`{
		"ref": "refs/heads/main",
		"after": "4f2d1e",
		"repository": {"id": 42, "full_name": "thakur/blog"},
		"head_commit": {"id": "4f2d1e", "message": "fix: nav overflow"},
		"installation": {"id": 7}
	}`)

	var e PushEvent
	require.NoError(t, json.Unmarshal(raw, &e))

	assert.Equal(t, "main", e.Branch())
	assert.Equal(t, "4f2d1e", e.After)
	assert.Equal(t, int64(42), e.Repository.ID)
	require.NotNil(t, e.HeadCommit)
	assert.Equal(t, "fix: nav overflow", e.HeadCommit.Message)
	require.NotNil(t, e.Installation)
	assert.Equal(t, int64(7), e.Installation.ID)
}

func TestInstallationEventDecoding(t *testing.T) {
	raw := []byte(`{
		"action": "created",
		"installation": {"id": 7, "account": {"login": "thakur", "id": 99, "type": "User"}}
	}`)

	var e InstallationEvent
	require.NoError(t, json.Unmarshal(raw, &e))

	assert.Equal(t, "created", e.Action)
	assert.Equal(t, int64(7), e.Installation.ID)
	assert.Equal(t, "thakur", e.Installation.Account.Login)
}
