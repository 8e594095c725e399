// Package vault loads service secrets from HashiCorp Vault's KV v2 engine.
package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"github.com/LeeeWayyy/trading-platform-sub016/config"
)

// Secrets are the credentials the gateway needs at startup
type Secrets struct {
	BrokerAPIKey    string `json:"broker_api_key"`
	BrokerAPISecret string `json:"broker_api_secret"`
	WebhookSecret   string `json:"webhook_secret"`
	JWTSecret       string `json:"jwt_secret"`
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
	config config.VaultConfig
	mu     sync.RWMutex
	cached *Secrets
}

// NewClient creates a new Vault client. A disabled config yields a client
// whose reads return no secrets so environment values stay in effect.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{client: client, config: cfg}, nil
}

// GetSecrets reads the service secret, caching the first successful read
func (c *Client) GetSecrets(ctx context.Context) (*Secrets, error) {
	c.mu.RLock()
	if c.cached != nil {
		s := *c.cached
		c.mu.RUnlock()
		return &s, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return &Secrets{}, nil
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.config.SecretPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no secret at %s", c.config.SecretPath)
	}

	// KV v2 nests the payload under "data"
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format at %s", c.config.SecretPath)
	}

	s := &Secrets{
		BrokerAPIKey:    getString(data, "broker_api_key"),
		BrokerAPISecret: getString(data, "broker_api_secret"),
		WebhookSecret:   getString(data, "webhook_secret"),
		JWTSecret:       getString(data, "jwt_secret"),
	}

	c.mu.Lock()
	c.cached = s
	c.mu.Unlock()

	out := *s
	return &out, nil
}

// Apply overlays non-empty secrets onto cfg
func (s *Secrets) Apply(cfg *config.Config) {
	if s.BrokerAPIKey != "" {
		cfg.Broker.APIKey = s.BrokerAPIKey
	}
	if s.BrokerAPISecret != "" {
		cfg.Broker.APISecret = s.BrokerAPISecret
	}
	if s.WebhookSecret != "" {
		cfg.Webhook.Secret = s.WebhookSecret
	}
	if s.JWTSecret != "" {
		cfg.Auth.JWTSecret = s.JWTSecret
	}
}

// LoadInto reads secrets and overlays them onto cfg
func (c *Client) LoadInto(ctx context.Context, cfg *config.Config) error {
	s, err := c.GetSecrets(ctx)
	if err != nil {
		return err
	}
	s.Apply(cfg)
	return nil
}

// ClearCache forces the next GetSecrets to read from Vault
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}

	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}

	return nil
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		switch v := val.(type) {
		case string:
			return v
		case json.Number:
			return v.String()
		}
	}
	return ""
}
