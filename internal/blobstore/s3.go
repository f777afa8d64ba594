// Package blobstore implements adapters.BlobStore against S3-compatible
// object storage: originals are downloaded for sanitizing/scanning/
// detonation, and sanitized artifacts are uploaded back under a
// post-cdr/<engine>/ prefix. Every container_name in a batch job request
// maps to one S3 bucket.
package blobstore

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/oriys/cdrguard/internal/adapters"
	"github.com/oriys/cdrguard/internal/circuitbreaker"
)

// Config is the S3 client configuration.
type Config struct {
	Region          string
	Endpoint        string // non-empty for S3-compatible stores (MinIO, etc.)
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// Store is an adapters.BlobStore backed by S3.
type Store struct {
	client  *s3.Client
	breaker *circuitbreaker.Breaker
}

// SetBreaker installs a circuit breaker guarding List/Download/Upload
// calls. A nil breaker (the default) leaves calls unguarded.
func (s *Store) SetBreaker(b *circuitbreaker.Breaker) { s.breaker = b }

// guard runs fn directly, or through the breaker if one is installed.
func (s *Store) guard(ctx context.Context, fn func(context.Context) error) error {
	if s.breaker == nil {
		return fn(ctx)
	}
	return s.breaker.Run(ctx, fn)
}

// New loads an AWS config (static credentials if supplied, the default
// credential chain otherwise) and builds the S3 client.
func New(ctx context.Context, cfg Config) (*Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &Store{client: client}, nil
}

// List returns every object key under prefix in container, used by phase 1
// planning when a batch job request omits an explicit file list and falls
// back to scanning the whole container.
func (s *Store) List(ctx context.Context, container, prefix string) ([]string, error) {
	var keys []string
	err := s.guard(ctx, func(ctx context.Context) error {
		paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(container),
			Prefix: aws.String(prefix),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return fmt.Errorf("list objects in %s/%s: %w", container, prefix, err)
			}
			for _, obj := range page.Contents {
				keys = append(keys, aws.ToString(obj.Key))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Download writes the object at path to localDest.
func (s *Store) Download(ctx context.Context, container, path, localDest string) error {
	return s.guard(ctx, func(ctx context.Context) error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(container),
			Key:    aws.String(path),
		})
		if err != nil {
			return fmt.Errorf("get object %s/%s: %w", container, path, err)
		}
		defer out.Body.Close()

		f, err := os.Create(localDest)
		if err != nil {
			return fmt.Errorf("create local dest %s: %w", localDest, err)
		}
		defer f.Close()

		if _, err := f.ReadFrom(out.Body); err != nil {
			return fmt.Errorf("write local dest %s: %w", localDest, err)
		}
		return nil
	})
}

// Upload puts the local file at path in container.
func (s *Store) Upload(ctx context.Context, container, localSrc, path string) error {
	return s.guard(ctx, func(ctx context.Context) error {
		f, err := os.Open(localSrc)
		if err != nil {
			return fmt.Errorf("open local file %s: %w", localSrc, err)
		}
		defer f.Close()

		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(container),
			Key:    aws.String(path),
			Body:   f,
		})
		if err != nil {
			return fmt.Errorf("put object %s/%s: %w", container, path, err)
		}
		return nil
	})
}

var _ adapters.BlobStore = (*Store)(nil)
