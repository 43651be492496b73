package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bootstrapDoc = `
schema_version: "1.0.0"
rules:
  small_batches: "entries <= 10"
treasuries:
  - name: grants
    signers: [alice, bob, carol]
    threshold: 2
    deposit: 5000
    whitelist: [dave]
  - name: ops
    signers: [alice, erin]
    threshold: 1
`

func liteEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("LITE_MODE", "true")
	t.Setenv("DATABASE_URL", filepath.Join(dir, "treasury.db"))
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("RULES_FILE", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("LOG_LEVEL", "ERROR")
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("ADMIN_TOKEN_SECRET", "")
	return dir
}

func TestRun_Dispatch(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 0, Run([]string{"treasury", "help"}, &out, &errOut))
	assert.Contains(t, out.String(), "bootstrap")

	errOut.Reset()
	assert.Equal(t, 2, Run([]string{"treasury", "nope"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "Unknown command: nope")

	called := false
	orig := startServer
	startServer = func(stdout, stderr io.Writer) int { called = true; return 0 }
	defer func() { startServer = orig }()
	assert.Equal(t, 0, Run([]string{"treasury"}, &out, &errOut))
	assert.True(t, called)
}

func TestRun_Migrate(t *testing.T) {
	liteEnv(t)
	var out, errOut bytes.Buffer
	require.Equal(t, 0, Run([]string{"treasury", "migrate"}, &out, &errOut), errOut.String())
	assert.Contains(t, out.String(), "schema up to date")

	// Idempotent.
	require.Equal(t, 0, Run([]string{"treasury", "migrate"}, &out, &errOut), errOut.String())
}

func TestRun_Bootstrap(t *testing.T) {
	dir := liteEnv(t)
	path := filepath.Join(dir, "bootstrap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(bootstrapDoc), 0o600))

	var out, errOut bytes.Buffer
	require.Equal(t, 0, Run([]string{"treasury", "bootstrap", "--creator", "alice", path}, &out, &errOut), errOut.String())

	var result struct {
		Treasuries []struct {
			Treasury struct {
				ID      string `json:"id"`
				Name    string `json:"name"`
				Balance uint64 `json:"balance"`
			} `json:"treasury"`
			AdminToken string `json:"admin_token"`
		} `json:"treasuries"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	require.Len(t, result.Treasuries, 2)
	assert.Equal(t, "grants", result.Treasuries[0].Treasury.Name)
	assert.EqualValues(t, 5000, result.Treasuries[0].Treasury.Balance)
	assert.NotEmpty(t, result.Treasuries[1].AdminToken)

	// A later process still knows the creator as admin.
	ctx := context.Background()
	rt, err := setup(ctx, &errOut)
	require.NoError(t, err)
	defer rt.Close(ctx)
	_, err = rt.svc.AuthorizeAdmin(ctx, result.Treasuries[0].Treasury.ID, "alice")
	require.NoError(t, err)
}

func TestRun_BootstrapRejects(t *testing.T) {
	dir := liteEnv(t)
	var out, errOut bytes.Buffer

	assert.Equal(t, 2, Run([]string{"treasury", "bootstrap", "doc.yaml"}, &out, &errOut))

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("schema_version: \"1.0.0\"\nrules:\n  broken: \"entries +\"\n"), 0o600))
	assert.Equal(t, 1, Run([]string{"treasury", "bootstrap", "--creator", "alice", bad}, &out, &errOut))

	assert.Equal(t, 1, Run([]string{"treasury", "bootstrap", "--creator", "alice", filepath.Join(dir, "missing.yaml")}, &out, &errOut))
}

func TestRun_ServeRefusesWithoutSecret(t *testing.T) {
	dir := liteEnv(t)
	t.Setenv("ENVIRONMENT", "production")

	var out, errOut bytes.Buffer
	assert.Equal(t, 1, Run([]string{"treasury", "serve"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "ADMIN_TOKEN_SECRET")

	path := filepath.Join(dir, "bootstrap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(bootstrapDoc), 0o600))
	errOut.Reset()
	assert.Equal(t, 1, Run([]string{"treasury", "bootstrap", "--creator", "alice", path}, &out, &errOut))
	assert.Contains(t, errOut.String(), "ADMIN_TOKEN_SECRET")
}

func TestRun_Health(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	var out, errOut bytes.Buffer
	assert.Equal(t, 0, Run([]string{"treasury", "health", "--url", ok.URL}, &out, &errOut))
	assert.Equal(t, "OK\n", out.String())
	assert.Equal(t, 1, Run([]string{"treasury", "health", "--url", down.URL}, &out, &errOut))
}
