package backup

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/Azure/azure-storage-blob-go/azblob"

	"app-backup/internal/config"
)

// azureStore keeps artifacts as block blobs in one container
type azureStore struct {
	containerURL  azblob.ContainerURL
	containerName string
	prefix        string
}

func newAzureStore(cfg config.AzureConfig) (*azureStore, error) {
	if cfg.AccountName == "" || cfg.ContainerName == "" {
		return nil, NewConfigurationError("azure account_name and container_name are required", nil)
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, NewConfigurationError("failed to create Azure credentials", err)
	}

	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	serviceURL, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName))
	if err != nil {
		return nil, NewConfigurationError("failed to parse Azure service URL", err)
	}

	return &azureStore{
		containerURL:  azblob.NewServiceURL(*serviceURL, pipeline).NewContainerURL(cfg.ContainerName),
		containerName: cfg.ContainerName,
		prefix:        cfg.Prefix,
	}, nil
}

func (az *azureStore) Put(ctx context.Context, localPath, name string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	blobName := joinKey(az.prefix, name)
	blobURL := az.containerURL.NewBlockBlobURL(blobName)
	_, err = azblob.UploadFileToBlockBlob(ctx, f, blobURL, azblob.UploadToBlockBlobOptions{
		BlockSize:   4 * 1024 * 1024,
		Parallelism: 4,
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{
			ContentType: "application/octet-stream",
		},
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("azure://%s/%s", az.containerName, blobName), nil
}

func (az *azureStore) Size(ctx context.Context, name string) (int64, error) {
	blobURL := az.containerURL.NewBlobURL(joinKey(az.prefix, name))
	props, err := blobURL.GetProperties(ctx, azblob.BlobAccessConditions{}, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		return 0, err
	}
	return props.ContentLength(), nil
}

func (az *azureStore) List(ctx context.Context) ([]Artifact, error) {
	prefix := joinKey(az.prefix, "")
	var artifacts []Artifact
	for marker := (azblob.Marker{}); marker.NotDone(); {
		resp, err := az.containerURL.ListBlobsFlatSegment(ctx, marker, azblob.ListBlobsSegmentOptions{
			Prefix: prefix,
		})
		if err != nil {
			return nil, NewTransportError("failed to list Azure blobs", err).WithContext("container", az.containerName)
		}
		for _, blob := range resp.Segment.BlobItems {
			rest := strings.TrimPrefix(blob.Name, prefix)
			if strings.Contains(rest, "/") {
				continue
			}
			var size int64
			if blob.Properties.ContentLength != nil {
				size = *blob.Properties.ContentLength
			}
			name := path.Base(blob.Name)
			artifacts = append(artifacts, Artifact{
				Name:      name,
				CreatedAt: blob.Properties.LastModified,
				Size:      size,
				Encrypted: isEncryptedName(name),
			})
		}
		marker = resp.NextMarker
	}
	return artifacts, nil
}

func (az *azureStore) Delete(ctx context.Context, name string) error {
	if err := checkArtifactName(name); err != nil {
		return err
	}
	blobURL := az.containerURL.NewBlobURL(joinKey(az.prefix, name))
	if _, err := blobURL.Delete(ctx, azblob.DeleteSnapshotsOptionInclude, azblob.BlobAccessConditions{}); err != nil {
		return NewTransportError("failed to delete Azure blob", err).WithContext("name", name)
	}
	return nil
}

func (az *azureStore) String() string {
	return fmt.Sprintf("azure://%s/%s", az.containerName, strings.Trim(az.prefix, "/"))
}

func (az *azureStore) Close() error {
	return nil
}
