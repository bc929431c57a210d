package backup

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"app-backup/internal/config"
)

// s3Store keeps artifacts as objects under a bucket prefix
type s3Store struct {
	client   *s3.S3
	uploader *s3manager.Uploader
	bucket   string
	prefix   string
}

func newS3Store(cfg config.S3Config) (*s3Store, error) {
	if cfg.Bucket == "" {
		return nil, NewConfigurationError("s3 bucket is required", nil)
	}

	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, NewConfigurationError("failed to create AWS session", err)
	}

	client := s3.New(sess)
	return &s3Store{
		client:   client,
		uploader: s3manager.NewUploaderWithClient(client),
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
	}, nil
}

func (s *s3Store) Put(ctx context.Context, localPath, name string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	key := joinKey(s.prefix, name)
	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func (s *s3Store) Size(ctx context.Context, name string) (int64, error) {
	out, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinKey(s.prefix, name)),
	})
	if err != nil {
		return 0, err
	}
	return aws.Int64Value(out.ContentLength), nil
}

// List returns objects directly under the prefix
func (s *s3Store) List(ctx context.Context) ([]Artifact, error) {
	prefix := joinKey(s.prefix, "")
	var artifacts []Artifact
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			name := path.Base(aws.StringValue(obj.Key))
			if strings.HasSuffix(aws.StringValue(obj.Key), "/") {
				continue
			}
			artifacts = append(artifacts, Artifact{
				Name:      name,
				CreatedAt: aws.TimeValue(obj.LastModified),
				Size:      aws.Int64Value(obj.Size),
				Encrypted: isEncryptedName(name),
			})
		}
		return true
	})
	if err != nil {
		return nil, NewTransportError("failed to list S3 objects", err).WithContext("bucket", s.bucket)
	}
	return artifacts, nil
}

func (s *s3Store) Delete(ctx context.Context, name string) error {
	if err := checkArtifactName(name); err != nil {
		return err
	}
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinKey(s.prefix, name)),
	})
	if err != nil {
		return NewTransportError("failed to delete S3 object", err).WithContext("name", name)
	}
	return nil
}

func (s *s3Store) String() string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, strings.Trim(s.prefix, "/"))
}

func (s *s3Store) Close() error {
	return nil
}
