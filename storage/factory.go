package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/subpay/tee-subscription-backend/interfaces"
)

// Factory creates record stores from location URIs.
type Factory struct {
	log *slog.Logger
}

// NewFactory creates a record store factory.
func NewFactory(log *slog.Logger) *Factory {
	return &Factory{log: log}
}

// RecordStoreFor creates a record store from a location URI.
//
// Supported schemes:
//   - file:// local filesystem
//   - vault:// HashiCorp Vault KV v2
//   - s3:// Amazon S3 or compatible object storage
func (f *Factory) RecordStoreFor(locationURI string) (interfaces.RecordStore, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("invalid record store URI: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return f.createFileStore(u)
	case "vault":
		return f.createVaultStore(u)
	case "s3":
		return f.createS3Store(u)
	default:
		return nil, fmt.Errorf("unsupported record store scheme: %s", u.Scheme)
	}
}

// createFileStore handles file:///absolute/path URIs.
func (f *Factory) createFileStore(u *url.URL) (interfaces.RecordStore, error) {
	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("empty path in file URI: %s", u.String())
	}
	return NewFileStore(path, f.log)
}

// createVaultStore handles vault://host:port/mount/path?token=... URIs.
// The scheme of the Vault server itself defaults to https and can be
// overridden with ?scheme=http for development.
func (f *Factory) createVaultStore(u *url.URL) (interfaces.RecordStore, error) {
	query := u.Query()

	serverScheme := query.Get("scheme")
	if serverScheme == "" {
		serverScheme = "https"
	}
	address := fmt.Sprintf("%s://%s", serverScheme, u.Host)

	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if len(parts) < 2 {
		return nil, fmt.Errorf("vault URI must include mount and data path: %s", u.String())
	}

	return NewVaultStore(address, parts[0], parts[1], query.Get("token"), f.log)
}

// createS3Store handles s3://ACCESS_KEY:SECRET_KEY@bucket/prefix?region=...
// URIs.
func (f *Factory) createS3Store(u *url.URL) (interfaces.RecordStore, error) {
	query := u.Query()
	region := query.Get("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	return NewS3Store(
		u.Host,
		strings.TrimPrefix(u.Path, "/"),
		region,
		query.Get("endpoint"),
		accessKey,
		secretKey,
		f.log,
	)
}
