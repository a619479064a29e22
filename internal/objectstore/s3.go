package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"recipe-ingestion/internal/config"
	"recipe-ingestion/internal/models"
)

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ImageS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ImageS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ImageS3Endpoint)
		}
		o.UsePathStyle = cfg.ImageS3PathStyle
	}), nil
}

type s3Backend struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	ttl     time.Duration
}

func newS3Backend(client *s3.Client, bucket string, ttl time.Duration) *s3Backend {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &s3Backend{client: client, presign: s3.NewPresignClient(client), bucket: bucket, ttl: ttl}
}

func (s *s3Backend) Upload(ctx context.Context, key string, body []byte, contentType string) (models.ImageRef, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return models.ImageRef{}, fmt.Errorf("put object: %w", err)
	}
	return models.ImageRef{Kind: KindS3, Value: fmt.Sprintf("s3://%s/%s", s.bucket, key)}, nil
}

func (s *s3Backend) URL(ctx context.Context, ref models.ImageRef) (string, error) {
	if ref.Kind != KindS3 {
		return "", fmt.Errorf("image ref %d: %s refs are not stored in S3", ref.Index, ref.Kind)
	}
	bucket, key, err := parseS3(ref.Value)
	if err != nil {
		return "", err
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return "", fmt.Errorf("presign: %w", err)
	}
	return req.URL, nil
}

// parseS3 splits s3://bucket/key.
func parseS3(v string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(v, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 uri: %q", v)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 uri needs bucket and key: %q", v)
	}
	return bucket, key, nil
}
