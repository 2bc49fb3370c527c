// Package s3 provides a BlobStore backed by Amazon S3 or an S3 compatible
// object store.
package s3

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appstorage "github.com/JakeFAU/unicore-bridge/internal/storage"
)

// Config identifies the bucket and how to reach it.
type Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
	// AccessKeyID and SecretAccessKey override the default credential
	// chain when both are set.
	AccessKeyID     string
	SecretAccessKey string
	// ForcePathStyle is implied by a custom Endpoint.
	ForcePathStyle bool
}

// BlobStore writes relayed outputs to an S3 bucket.
type BlobStore struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ appstorage.BlobStore = (*BlobStore)(nil)

// New loads the AWS configuration and builds the store.
func New(ctx context.Context, cfg Config) (*BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})
	return &BlobStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	if awsCfg.Region == "" {
		awsCfg.Region = "us-east-1"
	}
	return awsCfg, nil
}

// PutObject uploads r under prefix/key and returns an s3:// URI. Bodies
// that cannot seek are spooled to a temporary file first so the request
// can carry a content length and be signed.
func (s *BlobStore) PutObject(ctx context.Context, key string, contentType string, r io.Reader) (string, error) {
	if err := appstorage.CheckKey(key); err != nil {
		return "", err
	}
	body, size, cleanup, err := seekable(r)
	if err != nil {
		return "", err
	}
	defer cleanup()

	name := appstorage.ObjectKey(s.prefix, key)
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(name),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("put object %s: %w", name, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, name), nil
}

func seekable(r io.Reader) (io.ReadSeeker, int64, func(), error) {
	if rs, ok := r.(io.ReadSeeker); ok {
		size, err := rs.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, 0, nil, fmt.Errorf("measure body: %w", err)
		}
		if _, err := rs.Seek(0, io.SeekStart); err != nil {
			return nil, 0, nil, fmt.Errorf("rewind body: %w", err)
		}
		return rs, size, func() {}, nil
	}
	f, size, cleanup, err := appstorage.Spool(r)
	if err != nil {
		return nil, 0, nil, err
	}
	return f, size, cleanup, nil
}
