package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/noah-isme/coi-compliance-api/pkg/config"
)

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Storage stores documents in an S3 bucket.
type S3Storage struct {
	client        objectPutter
	bucket        string
	region        string
	prefix        string
	publicBaseURL string
}

// NewS3Storage loads the default AWS credential chain for the configured region. S3Endpoint
// switches to path-style addressing for S3 compatible services.
func NewS3Storage(ctx context.Context, cfg config.StorageConfig) (*S3Storage, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("storage: S3_BUCKET is required for the s3 driver")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Storage(client, cfg), nil
}

func newS3Storage(client objectPutter, cfg config.StorageConfig) *S3Storage {
	return &S3Storage{
		client:        client,
		bucket:        cfg.S3Bucket,
		region:        cfg.S3Region,
		prefix:        strings.Trim(cfg.S3Prefix, "/"),
		publicBaseURL: strings.TrimRight(cfg.S3PublicBaseURL, "/"),
	}
}

// Put uploads r under the configured prefix with server side encryption.
func (s *S3Storage) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return "", err
	}

	input := &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(objectKey),
		Body:                 r,
		ContentType:          aws.String(contentType),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	}
	if size > 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("put s3 object %s: %w", objectKey, err)
	}
	return s.objectURL(objectKey), nil
}

// Delete removes the object stored under key. S3 reports success for missing keys.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	}); err != nil {
		return fmt.Errorf("delete s3 object %s: %w", objectKey, err)
	}
	return nil
}

func (s *S3Storage) objectKey(key string) (string, error) {
	clean, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	if s.prefix == "" {
		return clean, nil
	}
	return path.Join(s.prefix, clean), nil
}

func (s *S3Storage) objectURL(objectKey string) string {
	escaped := (&url.URL{Path: objectKey}).EscapedPath()
	if s.publicBaseURL != "" {
		return fmt.Sprintf("%s/%s", s.publicBaseURL, escaped)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, escaped)
}
