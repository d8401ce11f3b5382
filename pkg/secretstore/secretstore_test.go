package secretstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/clawbernetes/clawbernetes/pkg/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"
)

func testKey() []byte {
	return make([]byte, chacha20poly1305.KeySize)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secrets.db")
	store, err := Open(path, testKey())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestValidIdentifier(t *testing.T) {
	cases := map[string]bool{
		"db-password":    true,
		"a":              true,
		"api.key_v2":     true,
		"":               false,
		"-leading-dash":  false,
		"trailing-dash-": false,
		"trailing-dot.":  false,
		"Has-Upper":      false,
	}
	for id, want := range cases {
		assert.Equal(t, want, ValidIdentifier(id), "identifier %q", id)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	require.NoError(t, store.Put("db-password", []byte("hunter2"), AccessPolicy{}))

	value, err := store.Get("db-password", ids.New(), ids.New(), now)
	require.NoError(t, err)
	assert.Equal(t, []byte("hunter2"), value.Bytes())

	value.Release()
	assert.Nil(t, value.Bytes())
}

func TestGetEnforcesWorkloadAccessPolicy(t *testing.T) {
	store := newTestStore(t)
	workload := ids.New()
	other := ids.New()
	now := time.Now()

	require.NoError(t, store.Put("scoped", []byte("v"), AccessPolicy{AllowedWorkloads: []ids.ID{workload}}))

	_, err := store.Get("scoped", workload, ids.New(), now)
	assert.NoError(t, err)

	_, err = store.Get("scoped", other, ids.New(), now)
	assert.Error(t, err)
	assert.True(t, ids.Is(err, ids.AuthFailure))
}

func TestGetRejectsExpiredPolicy(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	require.NoError(t, store.Put("expiring", []byte("v"), AccessPolicy{ExpiresAt: now.Add(-time.Hour)}))

	_, err := store.Get("expiring", ids.New(), ids.New(), now)
	assert.Error(t, err)
}

func TestDeleteRemovesSecret(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	require.NoError(t, store.Put("gone-soon", []byte("v"), AccessPolicy{}))
	require.NoError(t, store.Delete("gone-soon", ids.New(), ids.New(), now))

	_, err := store.Get("gone-soon", ids.New(), ids.New(), now)
	assert.True(t, ids.Is(err, ids.NotFound))
}

func TestAuditLogRecordsEveryAttempt(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	require.NoError(t, store.Put("audited", []byte("v"), AccessPolicy{}))
	_, _ = store.Get("audited", ids.New(), ids.New(), now)
	_, _ = store.Get("missing", ids.New(), ids.New(), now)

	log := store.AuditLog()
	require.Len(t, log, 2)
	assert.True(t, log[0].Allowed)
	assert.False(t, log[1].Allowed)
}

func TestSecretValueEqualIsConstantTime(t *testing.T) {
	a := &SecretValue{plaintext: []byte("same")}
	b := &SecretValue{plaintext: []byte("same")}
	c := &SecretValue{plaintext: []byte("diff")}
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}
