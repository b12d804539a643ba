// Package storage uploads message attachments to S3-compatible object storage.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
)

var ErrDisabled = errors.New("object storage is not configured; set S3_* to enable attachments")

type Config struct {
	Region        string
	Endpoint      string
	AccessKeyID   string
	SecretKey     string
	UsePathStyle  bool
	PublicBaseURL string // prefix of returned URLs; defaults to Endpoint
}

type putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 stores attachment bytes and returns their public URL.
type S3 struct {
	client  putter
	baseURL string
	log     zerolog.Logger
}

// NewS3 returns a disabled uploader when credentials are missing.
func NewS3(ctx context.Context, cfg Config, log zerolog.Logger) (*S3, error) {
	logger := log.With().Str("component", "s3-storage").Logger()
	baseURL := strings.TrimRight(cfg.PublicBaseURL, "/")
	if baseURL == "" {
		baseURL = strings.TrimRight(cfg.Endpoint, "/")
	}
	if baseURL == "" && cfg.Region != "" {
		baseURL = fmt.Sprintf("https://s3.%s.amazonaws.com", cfg.Region)
	}
	st := &S3{baseURL: baseURL, log: logger}

	if strings.TrimSpace(cfg.AccessKeyID) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
		logger.Warn().Msg("S3 credentials are not set; attachment uploads are disabled")
		return st, nil
	}

	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		if cfg.Endpoint != "" {
			return aws.Endpoint{
				URL:           cfg.Endpoint,
				PartitionID:   "aws",
				SigningRegion: cfg.Region,
			}, nil
		}
		return aws.Endpoint{}, &aws.EndpointNotFoundError{}
	})

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, "")),
		awsconfig.WithEndpointResolverWithOptions(resolver),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	st.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
	})
	return st, nil
}

// Upload stores data under bucket/path with its detected content type.
func (s *S3) Upload(ctx context.Context, bucket, path string, data []byte) (string, error) {
	if s.client == nil {
		return "", ErrDisabled
	}
	contentType := mimetype.Detect(data).String()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(path),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		s.log.Error().Err(err).Str("bucket", bucket).Str("key", path).Msg("put object")
		return "", fmt.Errorf("put object %s/%s: %w", bucket, path, err)
	}
	s.log.Debug().Str("bucket", bucket).Str("key", path).Str("content_type", contentType).Int("size", len(data)).Msg("attachment uploaded")
	return s.publicURL(bucket, path), nil
}

func (s *S3) publicURL(bucket, path string) string {
	return s.baseURL + "/" + url.PathEscape(bucket) + "/" + (&url.URL{Path: path}).EscapedPath()
}
