package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeVault(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "test-token" {
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"errors": []string{"permission denied"}})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/secret/data/venues/bybit":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{
					"data":     map[string]interface{}{"api_key": "k", "api_secret": "s", "version": 3},
					"metadata": map[string]interface{}{"version": 1},
				},
			})
		case r.URL.Path == "/v1/secret/metadata/venues" && (r.Method == "LIST" || r.URL.Query().Get("list") == "true"):
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{"keys": []string{"binance", "bybit"}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"errors": []string{}})
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_ReadSecret(t *testing.T) {
	srv := newFakeVault(t)
	c, err := NewClient(Config{Address: srv.URL, Token: "test-token"})
	require.NoError(t, err)

	secret, err := c.ReadSecret(context.Background(), "venues/bybit")
	require.NoError(t, err)
	assert.Equal(t, "k", secret["api_key"])
	assert.Equal(t, "s", secret["api_secret"])
	assert.NotContains(t, secret, "version")

	_, err = c.ReadSecret(context.Background(), "venues/missing")
	assert.Error(t, err)
}

func TestClient_ListSecrets(t *testing.T) {
	srv := newFakeVault(t)
	c, err := NewClient(Config{Address: srv.URL, Token: "test-token"})
	require.NoError(t, err)

	keys, err := c.ListSecrets(context.Background(), "venues")
	require.NoError(t, err)
	assert.Equal(t, []string{"binance", "bybit"}, keys)
}

func TestClient_RequiresAddressAndToken(t *testing.T) {
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("VAULT_TOKEN", "")

	_, err := NewClient(Config{})
	assert.Error(t, err)

	_, err = NewClient(Config{Address: "http://127.0.0.1:8200"})
	assert.Error(t, err)
}
