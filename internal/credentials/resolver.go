package credentials

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/mExOms/gateway/pkg/types"
	"github.com/sirupsen/logrus"
)

const (
	prefixEnv   = "env:"
	prefixVault = "vault:"
)

// SecretReader reads a KV secret; *vault.Client satisfies it
type SecretReader interface {
	ReadSecret(ctx context.Context, path string) (map[string]string, error)
}

// Resolver turns opaque credential references from venue config into keys
type Resolver struct {
	vault  SecretReader
	lookup func(string) string
	logger *logrus.Entry
}

// NewResolver creates a resolver; vault may be nil when no vault: references are used
func NewResolver(vault SecretReader) *Resolver {
	return &Resolver{
		vault:  vault,
		lookup: os.Getenv,
		logger: logrus.WithField("component", "credentials"),
	}
}

// SetLookup replaces the environment lookup, for tests
func (r *Resolver) SetLookup(lookup func(string) string) {
	r.lookup = lookup
}

// Resolve resolves a reference. An empty reference yields empty credentials, which
// restricts the venue to public endpoints.
//
//	env:BYBIT        -> BYBIT_API_KEY, BYBIT_API_SECRET, BYBIT_API_PASSPHRASE
//	vault:venues/x   -> KV v2 fields api_key, api_secret (or secret_key), passphrase
func (r *Resolver) Resolve(ctx context.Context, ref string) (types.Credentials, error) {
	switch {
	case ref == "":
		return types.Credentials{}, nil
	case strings.HasPrefix(ref, prefixEnv):
		return r.fromEnv(strings.TrimPrefix(ref, prefixEnv))
	case strings.HasPrefix(ref, prefixVault):
		return r.fromVault(ctx, strings.TrimPrefix(ref, prefixVault))
	default:
		return types.Credentials{}, fmt.Errorf("unsupported credential reference %q", redact(ref))
	}
}

func (r *Resolver) fromEnv(name string) (types.Credentials, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return types.Credentials{}, fmt.Errorf("empty env credential name")
	}
	creds := types.Credentials{
		APIKey:     r.lookup(name + "_API_KEY"),
		APISecret:  r.lookup(name + "_API_SECRET"),
		Passphrase: r.lookup(name + "_API_PASSPHRASE"),
	}
	if creds.Empty() {
		return types.Credentials{}, fmt.Errorf("%s_API_KEY and %s_API_SECRET must both be set", name, name)
	}
	r.logger.WithField("source", prefixEnv+name).Debug("Resolved credentials")
	return creds, nil
}

func (r *Resolver) fromVault(ctx context.Context, path string) (types.Credentials, error) {
	if r.vault == nil {
		return types.Credentials{}, fmt.Errorf("vault reference %q used but vault is not configured", path)
	}
	secret, err := r.vault.ReadSecret(ctx, path)
	if err != nil {
		return types.Credentials{}, fmt.Errorf("failed to resolve vault credentials: %w", err)
	}
	creds := types.Credentials{
		APIKey:     secret["api_key"],
		APISecret:  secret["api_secret"],
		Passphrase: secret["passphrase"],
	}
	if creds.APISecret == "" {
		creds.APISecret = secret["secret_key"]
	}
	if creds.Empty() {
		return types.Credentials{}, fmt.Errorf("vault secret %s has no api_key/api_secret", path)
	}
	r.logger.WithField("source", prefixVault+path).Debug("Resolved credentials")
	return creds, nil
}

func redact(ref string) string {
	if len(ref) > 6 {
		return ref[:6] + "..."
	}
	return ref
}
