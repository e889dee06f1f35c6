package variables

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// DefaultEnvPrefix is prepended to upper-snake variable names when reading
// the process environment.
const DefaultEnvPrefix = "SPIN_VARIABLE_"

// EnvProvider reads variables from the process environment. A variable
// "api_key" maps to "<prefix>API_KEY".
type EnvProvider struct {
	prefix string
	getenv func(string) (string, bool)
}

// NewEnvProvider creates an env provider. A nil getenv uses os.LookupEnv.
func NewEnvProvider(prefix string, getenv func(string) (string, bool)) *EnvProvider {
	if getenv == nil {
		getenv = os.LookupEnv
	}
	return &EnvProvider{prefix: prefix, getenv: getenv}
}

// Get implements expressions.Provider.
func (p *EnvProvider) Get(_ context.Context, key string) (*string, error) {
	value, ok := p.getenv(p.prefix + strings.ToUpper(key))
	if !ok {
		return nil, nil
	}
	return &value, nil
}

// StaticProvider serves variables from an inline table.
type StaticProvider struct {
	values map[string]string
}

// NewStaticProvider creates a static provider over values.
func NewStaticProvider(values map[string]string) *StaticProvider {
	return &StaticProvider{values: values}
}

// Get implements expressions.Provider.
func (p *StaticProvider) Get(_ context.Context, key string) (*string, error) {
	value, ok := p.values[key]
	if !ok {
		return nil, nil
	}
	return &value, nil
}

// VaultProvider reads variables from a HashiCorp Vault KV v2 mount. Each
// variable is a secret at <mount>/data/<key> with a "value" field.
type VaultProvider struct {
	url    string
	token  string
	mount  string
	client *http.Client
}

// NewVaultProvider creates a vault provider. An empty mount defaults to
// "secret".
func NewVaultProvider(addr, token, mount string) *VaultProvider {
	if mount == "" {
		mount = "secret"
	}
	return &VaultProvider{
		url:    strings.TrimRight(addr, "/"),
		token:  token,
		mount:  mount,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// vaultSecret is the KV v2 read response envelope.
type vaultSecret struct {
	Data struct {
		Data map[string]string `json:"data"`
	} `json:"data"`
}

// Get implements expressions.Provider.
func (p *VaultProvider) Get(ctx context.Context, key string) (*string, error) {
	target := fmt.Sprintf("%s/v1/%s/data/%s", p.url, p.mount, url.PathEscape(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Vault-Token", p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vault returned status %d for %q", resp.StatusCode, key)
	}

	var secret vaultSecret
	if err := json.NewDecoder(resp.Body).Decode(&secret); err != nil {
		return nil, fmt.Errorf("vault response: %w", err)
	}
	value, ok := secret.Data.Data["value"]
	if !ok {
		return nil, nil
	}
	return &value, nil
}
