package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-treasury/pkg/api"
	"github.com/Mindburn-Labs/helm-treasury/pkg/authz"
	"github.com/Mindburn-Labs/helm-treasury/pkg/service"
	"github.com/Mindburn-Labs/helm-treasury/pkg/store"
)

type client struct {
	t   *testing.T
	srv *httptest.Server
}

func newTestServer(t *testing.T) *client {
	t.Helper()
	secret := []byte("api-test")
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	seq := 0
	svc, err := service.New(context.Background(), service.Options{
		Store:  store.NewMemoryStore(),
		Issuer: authz.NewIssuer(secret, time.Hour),
		Clock:  func() time.Time { return now },
		NewID:  func() string { seq++; return fmt.Sprintf("tr-%d", seq) },
	})
	require.NoError(t, err)

	srv := api.NewServer(svc, authz.NewVerifier(secret), nil)
	idem := api.NewMemoryIdempotencyStore(time.Hour)
	t.Cleanup(idem.Close)
	ts := httptest.NewServer(srv.Handler(nil, idem))
	t.Cleanup(ts.Close)
	return &client{t: t, srv: ts}
}

func (c *client) do(method, path, caller string, body any, headers ...string) (*http.Response, map[string]any) {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, c.srv.URL+path, &buf)
	require.NoError(c.t, err)
	if caller != "" {
		req.Header.Set(api.HeaderCaller, caller)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := c.srv.Client().Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (c *client) createTreasury() (string, string) {
	c.t.Helper()
	resp, body := c.do(http.MethodPost, "/v1/treasuries", "alice", map[string]any{
		"name":      "grants",
		"signers":   []string{"alice", "bob", "carol"},
		"threshold": 2,
	})
	require.Equal(c.t, http.StatusCreated, resp.StatusCode)
	tr := body["treasury"].(map[string]any)
	return tr["id"].(string), body["admin_token"].(string)
}

func TestServer_ProposalLifecycle(t *testing.T) {
	c := newTestServer(t)
	id, _ := c.createTreasury()
	assert.Equal(t, "tr-1", id)

	resp, body := c.do(http.MethodPost, "/v1/treasuries/"+id+"/deposit", "", map[string]any{"amount": 1000})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1000, body["balance"])

	resp, body = c.do(http.MethodPost, "/v1/treasuries/"+id+"/proposals", "alice", map[string]any{
		"transactions": []map[string]any{{"recipient": "dave", "amount": 300, "category": "ops"}},
		"category":     "ops",
		"description":  "contractor",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "tr-1/1", body["id"])
	assert.Equal(t, "/v1/treasuries/tr-1/proposals/1", resp.Header.Get("Location"))

	resp, body = c.do(http.MethodPost, "/v1/treasuries/tr-1/proposals/1/execute", "alice", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "InsufficientSignatures", body["kind"])

	resp, body = c.do(http.MethodPost, "/v1/treasuries/tr-1/proposals/1/approve", "dave", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "NotSigner", body["kind"])

	resp, _ = c.do(http.MethodPost, "/v1/treasuries/tr-1/proposals/1/approve", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = c.do(http.MethodPost, "/v1/treasuries/tr-1/proposals/1/execute", "carol", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["transfers"], 1)

	resp, body = c.do(http.MethodPost, "/v1/treasuries/tr-1/proposals/1/execute", "carol", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "ProposalAlreadyExecuted", body["kind"])

	_, body = c.do(http.MethodGet, "/v1/treasuries/tr-1", "", nil)
	assert.EqualValues(t, 700, body["balance"])

	_, body = c.do(http.MethodGet, "/v1/treasuries/tr-1/transfers", "", nil)
	assert.Len(t, body["transfers"], 1)

	_, body = c.do(http.MethodGet, "/v1/treasuries/tr-1/proposals", "", nil)
	assert.Len(t, body["proposals"], 1)
}

func TestServer_Errors(t *testing.T) {
	c := newTestServer(t)

	resp, _ := c.do(http.MethodPost, "/v1/treasuries", "", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := c.do(http.MethodPost, "/v1/treasuries", "alice", map[string]any{
		"name": "x", "signers": []string{"alice"}, "threshold": 2,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "InvalidThreshold", body["kind"])

	resp, _ = c.do(http.MethodPost, "/v1/treasuries", "alice", map[string]any{"bogus": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = c.do(http.MethodGet, "/v1/treasuries/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))

	id, _ := c.createTreasury()
	resp, body = c.do(http.MethodGet, "/v1/treasuries/"+id+"/proposals/9", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "ProposalNotFound", body["kind"])
}

func TestServer_AdminAuthority(t *testing.T) {
	c := newTestServer(t)
	id, token := c.createTreasury()
	require.NotEmpty(t, token)
	path := "/v1/treasuries/" + id

	resp, _ := c.do(http.MethodPost, path+"/freeze", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = c.do(http.MethodPost, path+"/freeze", "", nil, "Authorization", "Bearer not-a-token")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = c.do(http.MethodPost, path+"/freeze", "bob", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// The creator holds admin through the relationship graph.
	resp, body := c.do(http.MethodPost, path+"/freeze", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["emergency"].(map[string]any)["frozen"])

	resp, body = c.do(http.MethodPost, path+"/unfreeze", "", nil, "Authorization", "Bearer "+token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["emergency"].(map[string]any)["frozen"])

	resp, _ = c.do(http.MethodPost, path+"/admins", "alice", map[string]any{"address": "bob"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = c.do(http.MethodPost, path+"/signers", "bob", map[string]any{"address": "dave"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["signers"], 4)

	resp, body = c.do(http.MethodPut, path+"/threshold", "bob", map[string]any{"threshold": 3})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, body["threshold"])

	resp, body = c.do(http.MethodPut, path+"/limits/categories/ops", "bob", map[string]any{"daily": 500})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	limits := body["policy"].(map[string]any)["category_limits"].(map[string]any)
	assert.EqualValues(t, 500, limits["ops"].(map[string]any)["daily"])

	resp, _ = c.do(http.MethodPost, path+"/whitelist", "bob", map[string]any{"address": "dave"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = c.do(http.MethodDelete, path+"/whitelist/dave", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["policy"].(map[string]any)["whitelist"])

	resp, body = c.do(http.MethodPut, path+"/threshold", "bob", map[string]any{"threshold": 9})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "InvalidThreshold", body["kind"])

	// Capabilities are bound to their treasury.
	other, _ := c.createTreasury()
	resp, _ = c.do(http.MethodPost, "/v1/treasuries/"+other+"/freeze", "", nil, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestServer_IdempotentCreate(t *testing.T) {
	c := newTestServer(t)
	body := map[string]any{"name": "ops", "signers": []string{"alice", "bob"}, "threshold": 1}

	resp, first := c.do(http.MethodPost, "/v1/treasuries", "alice", body, "Idempotency-Key", "create-1")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, second := c.do(http.MethodPost, "/v1/treasuries", "alice", body, "Idempotency-Key", "create-1")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("Idempotent-Replayed"))
	assert.Equal(t, first["treasury"].(map[string]any)["id"], second["treasury"].(map[string]any)["id"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}
