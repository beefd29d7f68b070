package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/subpay/tee-subscription-backend/interfaces"
)

// VaultStore persists sealed records in HashiCorp Vault's KV v2 engine.
// Even though Vault encrypts at rest itself, records are stored already
// sealed to the enclave; Vault only ever sees ciphertext.
type VaultStore struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultStore creates a Vault-backed record store.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: path within the mount (e.g. "keyvault")
//   - token: Vault token for authentication
//   - log: structured logger
func NewVaultStore(address, mountPath, dataPath, token string, log *slog.Logger) (*VaultStore, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.HttpClient = &http.Client{Timeout: 30 * time.Second}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mountPath = strings.TrimSuffix(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultStore{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", address, mountPath, dataPath),
	}, nil
}

// Put stores a sealed record under the given key.
func (s *VaultStore) Put(ctx context.Context, key string, data []byte) error {
	path := s.secretPath(key)

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"record": base64.StdEncoding.EncodeToString(data),
		},
	}

	if _, err := s.client.Logical().WriteWithContext(ctx, path, secretData); err != nil {
		s.log.Error("Failed to write record to Vault",
			slog.String("path", path), "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	s.log.Debug("Stored sealed record in Vault", slog.String("key", key))
	return nil
}

// Get retrieves a sealed record or ErrRecordNotFound.
func (s *VaultStore) Get(ctx context.Context, key string) ([]byte, error) {
	path := s.secretPath(key)

	secret, err := s.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		s.log.Error("Failed to read record from Vault",
			slog.String("path", path), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrRecordNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid data format in Vault response")
	}
	encoded, ok := data["record"].(string)
	if !ok {
		return nil, fmt.Errorf("record key not found in Vault data")
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid record encoding: %w", err)
	}
	return raw, nil
}

// Delete removes a record's data and version history. Absent records are
// not an error.
func (s *VaultStore) Delete(ctx context.Context, key string) error {
	path := fmt.Sprintf("%s/metadata/%s/%s", s.mountPath, s.dataPath, escapeKey(key))

	if _, err := s.client.Logical().DeleteWithContext(ctx, path); err != nil {
		s.log.Error("Failed to delete record from Vault",
			slog.String("path", path), "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	return nil
}

// List returns all record keys with the given prefix.
func (s *VaultStore) List(ctx context.Context, prefix string) ([]string, error) {
	path := fmt.Sprintf("%s/metadata/%s", s.mountPath, s.dataPath)

	secret, err := s.client.Logical().ListWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	rawKeys, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, nil
	}

	var keys []string
	for _, raw := range rawKeys {
		name, ok := raw.(string)
		if !ok {
			continue
		}
		key := unescapeKey(name)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Available checks that Vault is initialized and unsealed.
func (s *VaultStore) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := s.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		s.log.Debug("Vault health check failed", "err", err)
		return false
	}

	if !health.Initialized || health.Sealed {
		s.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}
	return true
}

// Name returns an identifier for logging.
func (s *VaultStore) Name() string {
	return fmt.Sprintf("vault-%s-%s", s.mountPath, s.dataPath)
}

// LocationURI returns the URI identifying this store.
func (s *VaultStore) LocationURI() string {
	return s.locationURI
}

func (s *VaultStore) secretPath(key string) string {
	return fmt.Sprintf("%s/data/%s/%s", s.mountPath, s.dataPath, escapeKey(key))
}
