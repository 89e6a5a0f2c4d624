package credential

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.db")
	s, err := OpenStore(path, "machine-passphrase")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Put(&Credential{
		ID:       "c1",
		Provider: "anthropic",
		Secret:   "sk-ant-secret-value",
		Refresh:  "refresh-material",
		Models:   []string{"claude-sonnet-x", "claude-haiku-*"},
		Priority: 7,
	}))

	got, err := s.List("anthropic")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "sk-ant-secret-value", got[0].Secret)
	assert.Equal(t, "refresh-material", got[0].Refresh)
	assert.Equal(t, []string{"claude-sonnet-x", "claude-haiku-*"}, got[0].Models)
	assert.Equal(t, 7, got[0].Priority)
}

func TestStoreSecretsEncryptedAtRest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.db")
	s, err := OpenStore(path, "pass")
	require.NoError(t, err)
	require.NoError(t, s.Put(&Credential{ID: "c1", Provider: "p", Secret: "plaintext-secret"}))

	var stored string
	require.NoError(t, s.db.QueryRow(`SELECT secret FROM credentials WHERE id = 'c1'`).Scan(&stored))
	assert.NotContains(t, stored, "plaintext-secret")
	assert.Contains(t, stored, cipherTextPrefix)
	require.NoError(t, s.Close())

	// Wrong passphrase cannot decrypt.
	s2, err := OpenStore(path, "wrong")
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()
	_, err = s2.List("p")
	assert.Error(t, err)
}

func TestStoreUpdateStats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.db")
	s, err := OpenStore(path, "pass")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Put(&Credential{ID: "c1", Provider: "p", Secret: "x"}))
	require.NoError(t, s.UpdateStats("c1", StatsDelta{Requests: 1, Successes: 1, InputTokens: 10, OutputTokens: 20}))
	require.NoError(t, s.UpdateStats("c1", StatsDelta{Requests: 1, Failures: 1}))

	got, err := s.List("p")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].Stats.Requests)
	assert.Equal(t, int64(1), got[0].Stats.Successes)
	assert.Equal(t, int64(1), got[0].Stats.Failures)
	assert.Equal(t, int64(10), got[0].Stats.InputTokens)
	assert.Equal(t, int64(20), got[0].Stats.OutputTokens)
}
