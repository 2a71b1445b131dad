package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/config"
)

// Uploader persists report artifacts (migration reports, quarantine exports).
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// New returns an S3 uploader when a bucket is configured and a local one otherwise.
func New(ctx context.Context, cfg config.Config) (Uploader, error) {
	if cfg.ArchiveS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &S3Uploader{client: client, bucket: cfg.ArchiveS3Bucket}, nil
	}
	baseDir := cfg.ArchiveDir
	if baseDir == "" {
		baseDir = "./reports"
	}
	return NewLocal(baseDir), nil
}

// UploadJSON marshals v with indentation and uploads it under key.
func UploadJSON(ctx context.Context, u Uploader, key string, v any) (string, error) {
	if u == nil {
		return "", errors.New("archive: no uploader configured")
	}
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	return u.Upload(ctx, key, body, "application/json")
}

// newS3Client targets AWS unless an endpoint is configured, which points it
// at an S3-compatible store such as MinIO.
func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

func sanitizeKey(key string) (string, error) {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	key = strings.TrimPrefix(key, "/")
	if key == "" || key == "." {
		return "", errors.New("archive: empty key")
	}
	return key, nil
}

// LocalUploader writes artifacts beneath a base directory.
type LocalUploader struct {
	baseDir string
}

func NewLocal(baseDir string) *LocalUploader {
	return &LocalUploader{baseDir: baseDir}
}

func (l *LocalUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	key, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// S3Uploader puts artifacts into a bucket; the endpoint may be S3-compatible (MinIO).
type S3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
