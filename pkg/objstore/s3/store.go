// Package s3 implements objstore.Store against Amazon S3 and S3-compatible
// services (HCP, Ceph RGW, MinIO).
//
// Point reads use HTTP Range requests so a container lookup costs one or two
// round-trips; transient failures are retried with exponential backoff before
// surfacing.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/datavision/easystore/pkg/objstore"
)

// Config holds the settings for one S3 endpoint.
type Config struct {
	// Endpoint overrides the AWS endpoint for S3-compatible services.
	// Empty means AWS.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Region is the AWS region. Required by the SDK even for compatible
	// services; "us-east-1" is a safe default for most of them.
	Region string `mapstructure:"region" yaml:"region"`

	// AccessKeyID and SecretAccessKey are static credentials. When both are
	// empty the default AWS credential chain is used.
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`

	// ForcePathStyle enables path-style addressing, required by most
	// non-AWS S3 implementations.
	ForcePathStyle bool `mapstructure:"force_path_style" yaml:"force_path_style"`

	// MaxRetries caps retry attempts for transient errors. Default 3.
	MaxRetries uint `mapstructure:"max_retries" yaml:"max_retries"`

	// InitialBackoff is the delay before the first retry. Default 100ms.
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`

	// MaxBackoff caps the delay between retries. Default 2s.
	MaxBackoff time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
}

// ApplyDefaults fills unset fields with defaults.
func (c *Config) ApplyDefaults() {
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 2 * time.Second
	}
}

// NewClient creates an S3 client from configuration parameters.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return client, nil
}

// Store implements objstore.Store over an *s3.Client. Safe for concurrent
// use.
type Store struct {
	client         *s3.Client
	maxRetries     uint
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// New wraps an S3 client in the objstore capability surface.
func New(client *s3.Client, cfg Config) *Store {
	cfg.ApplyDefaults()
	return &Store{
		client:         client,
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
	}
}

// Open is a convenience constructor: client from config, then New.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	cfg.ApplyDefaults()
	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(client, cfg), nil
}

// Head implements objstore.Store.
func (s *Store) Head(ctx context.Context, bucket, key string) (objstore.ObjectInfo, error) {
	var info objstore.ObjectInfo
	err := s.withRetry(ctx, func() error {
		out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		info = objstore.ObjectInfo{
			Size: aws.ToInt64(out.ContentLength),
			ETag: strings.Trim(aws.ToString(out.ETag), `"`),
		}
		return nil
	})
	if err != nil {
		return objstore.ObjectInfo{}, s.mapError(bucket, key, err)
	}
	return info, nil
}

// Get implements objstore.Store.
func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	return s.get(ctx, bucket, key, nil)
}

// GetRange implements objstore.Store.
//
// Zero-length reads never reach the wire: "bytes=N-(N-1)" is malformed
// (first-byte-pos past last-byte-pos) and S3 answers it with 416, yet
// zero-byte container entries are legal and their read has only one answer.
func (s *Store) GetRange(ctx context.Context, bucket, key string, offset, length int64) ([]byte, error) {
	if length <= 0 {
		return []byte{}, nil
	}
	rng := fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	return s.get(ctx, bucket, key, &rng)
}

func (s *Store) get(ctx context.Context, bucket, key string, rng *string) ([]byte, error) {
	var body []byte
	err := s.withRetry(ctx, func() error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
			Range:  rng,
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()
		body, err = io.ReadAll(out.Body)
		return err
	})
	if err != nil {
		return nil, s.mapError(bucket, key, err)
	}
	return body, nil
}

// Put implements objstore.Store. Bodies are buffered when the reader is not
// seekable because the SDK needs rewind support between retries.
func (s *Store) Put(ctx context.Context, bucket, key string, body io.Reader, size int64) error {
	seeker, ok := body.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(body)
		if err != nil {
			return err
		}
		seeker = bytes.NewReader(data)
	}
	err := s.withRetry(ctx, func() error {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return err
		}
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(bucket),
			Key:           aws.String(key),
			Body:          seeker,
			ContentLength: aws.Int64(size),
		})
		return err
	})
	if err != nil {
		return s.mapError(bucket, key, err)
	}
	return nil
}

// Delete implements objstore.Store.
func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err != nil && !errors.Is(s.mapError(bucket, key, err), objstore.ErrNotFound) {
		return s.mapError(bucket, key, err)
	}
	return nil
}

// withRetry runs op, retrying transient failures with exponential backoff.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	backoff := s.initialBackoff
	var err error
	for attempt := uint(0); ; attempt++ {
		err = op()
		if err == nil || attempt >= s.maxRetries || !IsRetryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

func (s *Store) mapError(bucket, key string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%s/%s: %w", bucket, key, objstore.ErrNotFound)
	}
	return err
}

// IsRetryable reports whether err is transient: network trouble, throttling,
// or a server-side 5xx. Context cancellation and permanent API errors are
// not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttling", "ThrottlingException", "RequestThrottled", "SlowDown":
			return true
		case "InternalError", "ServiceUnavailable", "ServiceException":
			return true
		case "NoSuchKey", "NotFound", "AccessDenied", "Forbidden", "InvalidRange", "InvalidRequest":
			return false
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "500")
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound" || code == "404"
	}
	return strings.Contains(err.Error(), "StatusCode: 404")
}
