package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"app-backup/internal/config"
)

// gcsStore keeps artifacts as objects in a Cloud Storage bucket
type gcsStore struct {
	client *storage.Client
	bucket string
	prefix string
}

func newGCSStore(ctx context.Context, cfg config.GCSConfig) (*gcsStore, error) {
	if cfg.Bucket == "" {
		return nil, NewConfigurationError("gcs bucket is required", nil)
	}

	var opts []option.ClientOption
	if cfg.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsPath))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, NewConfigurationError("failed to create GCS client", err)
	}

	return &gcsStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (g *gcsStore) object(name string) *storage.ObjectHandle {
	return g.client.Bucket(g.bucket).Object(joinKey(g.prefix, name))
}

func (g *gcsStore) Put(ctx context.Context, localPath, name string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	w := g.object(name).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return fmt.Sprintf("gs://%s/%s", g.bucket, joinKey(g.prefix, name)), nil
}

func (g *gcsStore) Size(ctx context.Context, name string) (int64, error) {
	attrs, err := g.object(name).Attrs(ctx)
	if err != nil {
		return 0, err
	}
	return attrs.Size, nil
}

func (g *gcsStore) List(ctx context.Context) ([]Artifact, error) {
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{
		Prefix:    joinKey(g.prefix, ""),
		Delimiter: "/",
	})

	var artifacts []Artifact
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, NewTransportError("failed to list GCS objects", err).WithContext("bucket", g.bucket)
		}
		if attrs.Name == "" {
			// synthetic directory entry
			continue
		}
		name := path.Base(attrs.Name)
		artifacts = append(artifacts, Artifact{
			Name:      name,
			CreatedAt: attrs.Created,
			Size:      attrs.Size,
			Encrypted: isEncryptedName(name),
		})
	}
	return artifacts, nil
}

func (g *gcsStore) Delete(ctx context.Context, name string) error {
	if err := checkArtifactName(name); err != nil {
		return err
	}
	if err := g.object(name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return NewTransportError("failed to delete GCS object", err).WithContext("name", name)
	}
	return nil
}

func (g *gcsStore) String() string {
	return fmt.Sprintf("gs://%s/%s", g.bucket, strings.Trim(g.prefix, "/"))
}

func (g *gcsStore) Close() error {
	return g.client.Close()
}
