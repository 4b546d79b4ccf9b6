package host

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// RemoteConfig points at an S3-compatible bucket for offsite backup copies.
type RemoteConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Enabled reports whether offsite copies are configured.
func (c RemoteConfig) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

// S3Uploader copies backups into an S3-compatible bucket.
type S3Uploader struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Uploader creates an uploader for cfg.
func NewS3Uploader(cfg RemoteConfig) (*S3Uploader, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &S3Uploader{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Upload stores localPath under <prefix>/<basename>.
func (u *S3Uploader) Upload(ctx context.Context, localPath string) (string, error) {
	object := path.Join(u.prefix, filepath.Base(localPath))

	contentType := "application/octet-stream"
	switch {
	case strings.HasSuffix(localPath, ".tar.gz"):
		contentType = "application/gzip"
	case strings.HasSuffix(localPath, ".sql"):
		contentType = "application/sql"
	}

	if _, err := u.client.FPutObject(ctx, u.bucket, object, localPath, minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return "", fmt.Errorf("upload %s to %s/%s: %w", localPath, u.bucket, object, err)
	}
	return object, nil
}
