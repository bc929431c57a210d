package backup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"app-backup/internal/config"
)

func TestNewRemoteStore(t *testing.T) {
	ctx := context.Background()

	t.Run("s3", func(t *testing.T) {
		store, err := newRemoteStore(ctx, config.TransportConfig{
			Provider: ProviderS3,
			S3:       &config.S3Config{Bucket: "b", Region: "eu-west-1", Prefix: "p"},
		}, nil)
		require.NoError(t, err)
		assert.IsType(t, &s3Store{}, store)
		assert.Equal(t, "s3://b/p", store.String())
	})

	t.Run("azure", func(t *testing.T) {
		store, err := newRemoteStore(ctx, config.TransportConfig{
			Provider: ProviderAzure,
			Azure:    &config.AzureConfig{AccountName: "acct", AccountKey: "a2V5", ContainerName: "c"},
		}, nil)
		require.NoError(t, err)
		assert.IsType(t, &azureStore{}, store)
	})

	tests := []struct {
		name string
		cfg  config.TransportConfig
	}{
		{"sftp without section", config.TransportConfig{Provider: ProviderSFTP}},
		{"default provider without section", config.TransportConfig{}},
		{"sftp missing host", config.TransportConfig{Provider: ProviderSFTP, SFTP: &config.SFTPConfig{User: "u", RemotePath: "/r"}}},
		{"s3 without section", config.TransportConfig{Provider: ProviderS3}},
		{"s3 without bucket", config.TransportConfig{Provider: ProviderS3, S3: &config.S3Config{}}},
		{"azure without section", config.TransportConfig{Provider: ProviderAzure}},
		{"azure without container", config.TransportConfig{Provider: ProviderAzure, Azure: &config.AzureConfig{AccountName: "a"}}},
		{"gcs without section", config.TransportConfig{Provider: ProviderGCS}},
		{"unknown provider", config.TransportConfig{Provider: "ftp"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newRemoteStore(ctx, tt.cfg, nil)
			require.Error(t, err)
			assert.Equal(t, BackupErrorTypeConfiguration, ErrorTypeOf(err))
		})
	}
}
