package secrets

import (
	"context"
	"fmt"

	vault "github.com/hashicorp/vault/api"

	"github.com/noetl/noetl-go/template"
)

// VaultConfig configures the Vault-backed resolver.
type VaultConfig struct {
	// Address of the Vault server, e.g. http://vault:8200.
	Address string

	// Token used for authentication.
	Token string

	// PathPrefix is the KV mount prefix, default "secret".
	PathPrefix string
}

// Vault resolves credentials from a HashiCorp Vault KV v2 mount. A key maps
// to <prefix>/data/<key>; every string field of the secret becomes a
// credential field.
type Vault struct {
	client *vault.Client
	prefix string
}

// NewVault creates a Vault resolver and verifies connectivity.
func NewVault(cfg VaultConfig) (*Vault, error) {
	vc := vault.DefaultConfig()
	if cfg.Address != "" {
		vc.Address = cfg.Address
	}

	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	if _, err := client.Sys().Health(); err != nil {
		return nil, fmt.Errorf("connect to vault: %w", err)
	}

	prefix := cfg.PathPrefix
	if prefix == "" {
		prefix = "secret"
	}
	return &Vault{client: client, prefix: prefix}, nil
}

// Resolve implements Resolver.
func (v *Vault) Resolve(ctx context.Context, key string) (Credential, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.prefix+"/data/"+key)
	if err != nil {
		return Credential{}, fmt.Errorf("read secret %q: %w", key, err)
	}
	if secret == nil {
		return Credential{}, ErrNotFound
	}

	// KV v2 nests the fields under "data".
	data := secret.Data
	if nested, ok := secret.Data["data"].(map[string]any); ok {
		data = nested
	}

	fields := make(map[string]template.Sensitive)
	typ := "vault"
	for name, raw := range data {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		if name == "type" {
			typ = s
			continue
		}
		fields[name] = template.NewSensitive(s)
	}
	if len(fields) == 0 {
		return Credential{}, ErrNotFound
	}
	return Credential{Type: typ, Fields: fields}, nil
}
