// Package storage keeps finished exports in S3-compatible object storage.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	cfgpkg "ledgerbridge/internal/config"
	"ledgerbridge/internal/export"
	"ledgerbridge/internal/syncerr"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
)

const (
	contentXLSX   = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	contentBinary = "application/octet-stream"
)

var _ export.RawSink = (*S3Sink)(nil)

// S3Sink stores exports as objects under Prefix. Locators are object keys.
type S3Sink struct {
	client     *s3.Client
	presign    *s3.PresignClient
	bucket     string
	prefix     string
	presignTTL time.Duration
	logger     *zerolog.Logger
}

func NewS3Sink(ctx context.Context, cfg cfgpkg.S3Config, logger *zerolog.Logger) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "s3_sink").Str("bucket", cfg.Bucket).Logger()

	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &S3Sink{
		client:     client,
		presign:    s3.NewPresignClient(client),
		bucket:     cfg.Bucket,
		prefix:     strings.Trim(cfg.Prefix, "/"),
		presignTTL: ttl,
		logger:     &l,
	}, nil
}

func (s *S3Sink) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

func (s *S3Sink) Write(ctx context.Context, exportID string, book *export.Workbook) (string, error) {
	var buf bytes.Buffer
	if err := export.RenderXLSX(book, &buf); err != nil {
		return "", err
	}
	return s.put(ctx, export.XLSXName(exportID), bytes.NewReader(buf.Bytes()), contentXLSX)
}

// WriteRaw buffers r so the upload has a known length.
func (s *S3Sink) WriteRaw(ctx context.Context, name string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read export stream: %w", err)
	}
	return s.put(ctx, name, bytes.NewReader(data), contentBinary)
}

func (s *S3Sink) put(ctx context.Context, name string, body *bytes.Reader, contentType string) (string, error) {
	key := s.key(name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(body.Size()),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", syncerr.Wrap(syncerr.ErrTransient, "upload export", err)
	}
	s.logger.Debug().Str("key", key).Int64("size", body.Size()).Msg("Export uploaded")
	return key, nil
}

func (s *S3Sink) Open(ctx context.Context, locator string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(locator),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, syncerr.New(syncerr.ErrNotFound, "open export", locator)
		}
		return nil, syncerr.Wrap(syncerr.ErrTransient, "open export", err)
	}
	return out.Body, nil
}

func (s *S3Sink) Remove(ctx context.Context, locator string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(locator),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// URL returns a presigned GET link valid for the configured TTL.
func (s *S3Sink) URL(ctx context.Context, locator string) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(locator),
	}, s3.WithPresignExpires(s.presignTTL))
	if err != nil {
		return "", fmt.Errorf("failed to presign export: %w", err)
	}
	return req.URL, nil
}

func (s *S3Sink) ContentType(locator string) string {
	if path.Ext(locator) == ".xlsx" {
		return contentXLSX
	}
	return contentBinary
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}
