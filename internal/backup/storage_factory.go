package backup

import (
	"context"
	"fmt"
	"strings"

	"app-backup/internal/config"
	"app-backup/internal/logging"
)

// Transport provider names
const (
	ProviderSFTP  = "sftp"
	ProviderS3    = "s3"
	ProviderAzure = "azure"
	ProviderGCS   = "gcs"
)

// GetSupportedProviders returns the transport providers that can be configured
func GetSupportedProviders() []string {
	return []string{ProviderSFTP, ProviderS3, ProviderAzure, ProviderGCS}
}

// NewTransporter builds the configured transporter, or nil when transport is off
func NewTransporter(ctx context.Context, cfg config.TransportConfig, logger *logging.Logger) (Transporter, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	store, err := newRemoteStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	provider := cfg.Provider
	if provider == "" {
		provider = ProviderSFTP
	}
	return newStoreTransporter(provider, store, RetryPolicy{
		Attempts: cfg.Attempts,
		Delay:    cfg.RetryDelay,
		Timeout:  cfg.Timeout,
	}, logger), nil
}

func newRemoteStore(ctx context.Context, cfg config.TransportConfig, logger *logging.Logger) (remoteStore, error) {
	switch cfg.Provider {
	case ProviderSFTP, "":
		if cfg.SFTP == nil {
			return nil, NewConfigurationError("sftp transport configuration is required", nil)
		}
		return newSFTPStore(*cfg.SFTP, cfg.Timeout, logger)

	case ProviderS3:
		if cfg.S3 == nil {
			return nil, NewConfigurationError("s3 transport configuration is required", nil)
		}
		return newS3Store(*cfg.S3)

	case ProviderAzure:
		if cfg.Azure == nil {
			return nil, NewConfigurationError("azure transport configuration is required", nil)
		}
		return newAzureStore(*cfg.Azure)

	case ProviderGCS:
		if cfg.GCS == nil {
			return nil, NewConfigurationError("gcs transport configuration is required", nil)
		}
		return newGCSStore(ctx, *cfg.GCS)

	default:
		return nil, NewConfigurationError(fmt.Sprintf("unsupported transport provider: %s (supported: %s)",
			cfg.Provider, strings.Join(GetSupportedProviders(), ", ")), nil)
	}
}
