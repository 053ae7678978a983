package credentials

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVault map[string]map[string]string

func (f fakeVault) ReadSecret(ctx context.Context, path string) (map[string]string, error) {
	s, ok := f[path]
	if !ok {
		return nil, errors.New("not found")
	}
	return s, nil
}

func TestResolver_Env(t *testing.T) {
	env := map[string]string{
		"KUCOIN_API_KEY":        "key",
		"KUCOIN_API_SECRET":     "secret",
		"KUCOIN_API_PASSPHRASE": "phrase",
	}
	r := NewResolver(nil)
	r.SetLookup(func(k string) string { return env[k] })

	creds, err := r.Resolve(context.Background(), "env:kucoin")
	require.NoError(t, err)
	assert.Equal(t, "key", creds.APIKey)
	assert.Equal(t, "secret", creds.APISecret)
	assert.Equal(t, "phrase", creds.Passphrase)

	_, err = r.Resolve(context.Background(), "env:BINANCE")
	assert.Error(t, err)
}

func TestResolver_Vault(t *testing.T) {
	r := NewResolver(fakeVault{
		"venues/bybit":   {"api_key": "k", "api_secret": "s"},
		"venues/legacy":  {"api_key": "k", "secret_key": "s2"},
		"venues/partial": {"api_key": "k"},
	})

	creds, err := r.Resolve(context.Background(), "vault:venues/bybit")
	require.NoError(t, err)
	assert.Equal(t, "s", creds.APISecret)

	creds, err = r.Resolve(context.Background(), "vault:venues/legacy")
	require.NoError(t, err)
	assert.Equal(t, "s2", creds.APISecret)

	_, err = r.Resolve(context.Background(), "vault:venues/partial")
	assert.Error(t, err)

	_, err = r.Resolve(context.Background(), "vault:venues/missing")
	assert.Error(t, err)
}

func TestResolver_EmptyAndUnknown(t *testing.T) {
	r := NewResolver(nil)

	creds, err := r.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, creds.Empty())

	_, err = r.Resolve(context.Background(), "vault:venues/bybit")
	assert.Error(t, err)

	_, err = r.Resolve(context.Background(), "plaintext-secret-value")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret-value")
}
