// Package storage stores opaque objects by key, either in an S3 bucket or in
// a local directory.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/creachadair/atomicfile"

	"gexchange/config"
	"gexchange/logger"
)

// ErrNotFound is returned by Get when no object is stored under the key.
var ErrNotFound = errors.New("object not found")

// ObjectStore is a flat key/value store for whole objects.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// NewS3Client builds an S3 client from cfg. Static credentials are used when
// both keys are set, otherwise the default AWS credential chain applies.
func NewS3Client(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// S3 stores objects in one bucket.
type S3 struct {
	client *s3.Client
	bucket string
	meta   map[string]string
	log    *logger.Entry
}

// NewS3 connects to the bucket of cfg. meta is attached to every upload.
func NewS3(ctx context.Context, cfg config.S3Config, meta map[string]string) (*S3, error) {
	client, err := NewS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &S3{
		client: client,
		bucket: cfg.Bucket,
		meta:   meta,
		log:    logger.GetLogger().WithComponent("s3_store").WithFields(logger.Fields{"bucket": cfg.Bucket}),
	}
	s.log.WithFields(logger.Fields{
		"region":     cfg.Region,
		"endpoint":   cfg.Endpoint,
		"path_style": cfg.PathStyle,
	}).Info("s3 store initialized")
	return s, nil
}

func (s *S3) Bucket() string { return s.bucket }

func (s *S3) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata:    s.meta,
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", s.bucket, err)
	}
	logger.RecordObjectWrite("s3", len(data))
	s.log.WithFields(logger.Fields{"key": key, "size": len(data)}).Debug("object uploaded")
	return nil
}

func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrNotFound, s.bucket, key)
		}
		return nil, fmt.Errorf("failed to download s3://%s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Dir stores objects as files below a root directory. Keys use forward
// slashes and map to nested directories.
type Dir struct {
	root string
}

func NewDir(root string) *Dir {
	return &Dir{root: root}
}

func (d *Dir) Root() string { return d.root }

func (d *Dir) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(d.root, clean), nil
}

// Put replaces the file atomically, so readers never observe a partial
// object.
func (d *Dir) Put(_ context.Context, key string, data []byte, _ string) error {
	path, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}
	if _, err := atomicfile.WriteAll(path, bytes.NewReader(data), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	logger.RecordObjectWrite("local", len(data))
	return nil
}

func (d *Dir) Get(_ context.Context, key string) ([]byte, error) {
	path, err := d.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return data, err
}

// Mirror writes to a primary store and copies every object to a backup.
// Reads come from the primary and fall back to the backup when the primary
// has no such object.
type Mirror struct {
	Primary ObjectStore
	Backup  ObjectStore
	log     *logger.Entry
}

func NewMirror(primary, backup ObjectStore) *Mirror {
	return &Mirror{Primary: primary, Backup: backup, log: logger.GetLogger().WithComponent("mirror_store")}
}

// Put fails only when the primary write fails. Backup failures are logged.
func (m *Mirror) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := m.Primary.Put(ctx, key, data, contentType); err != nil {
		return err
	}
	if err := m.Backup.Put(ctx, key, data, contentType); err != nil {
		m.log.WithError(err).WithFields(logger.Fields{"key": key}).Warn("backup copy failed")
	}
	return nil
}

func (m *Mirror) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := m.Primary.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return m.Backup.Get(ctx, key)
	}
	return data, err
}
