package vault

import (
	"context"
	"fmt"
	"os"
	"strings"

	vault "github.com/hashicorp/vault/api"
	"github.com/sirupsen/logrus"
)

// Client wraps the Vault API client for KV v2 reads
type Client struct {
	client *vault.Client
	mount  string
	logger *logrus.Entry
}

// Config holds Vault configuration
type Config struct {
	Address string `mapstructure:"address"`
	Token   string `mapstructure:"token"`
	// Mount is the KV v2 mount, "secret" by default
	Mount string `mapstructure:"mount"`
}

// NewClient creates a new Vault client; address and token fall back to VAULT_ADDR and VAULT_TOKEN
func NewClient(config Config) (*Client, error) {
	if config.Address == "" {
		config.Address = os.Getenv("VAULT_ADDR")
	}
	if config.Token == "" {
		config.Token = os.Getenv("VAULT_TOKEN")
	}
	if config.Address == "" {
		return nil, fmt.Errorf("vault address is not configured")
	}
	if config.Token == "" {
		return nil, fmt.Errorf("vault token is not configured")
	}
	if config.Mount == "" {
		config.Mount = "secret"
	}

	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = config.Address

	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(config.Token)

	return &Client{
		client: client,
		mount:  strings.Trim(config.Mount, "/"),
		logger: logrus.WithField("component", "vault"),
	}, nil
}

// Health checks that Vault is reachable and unsealed
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault is not healthy: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

// ReadSecret returns the string fields of the latest version of a KV v2 secret
func (c *Client) ReadSecret(ctx context.Context, path string) (map[string]string, error) {
	fullPath := fmt.Sprintf("%s/data/%s", c.mount, strings.Trim(path, "/"))

	secret, err := c.client.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no secret found at %s", path)
	}

	// Extract data field
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format at %s", path)
	}

	result := make(map[string]string, len(data))
	for k, v := range data {
		if str, ok := v.(string); ok {
			result[k] = str
		}
	}

	c.logger.WithField("path", path).Debug("Read secret")
	return result, nil
}

// ListSecrets lists the keys under a KV v2 folder
func (c *Client) ListSecrets(ctx context.Context, path string) ([]string, error) {
	fullPath := fmt.Sprintf("%s/metadata/%s", c.mount, strings.Trim(path, "/"))

	secret, err := c.client.Logical().ListWithContext(ctx, fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return []string{}, nil
	}

	keysInterface, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return []string{}, nil
	}

	keys := make([]string, 0, len(keysInterface))
	for _, k := range keysInterface {
		if s, ok := k.(string); ok {
			keys = append(keys, s)
		}
	}
	return keys, nil
}
