// Package s3 provides an S3-backed block store implementation.
//
// Each block is one object under the configured key prefix. Requests run on
// their own goroutine; cancellation succeeds only while a request has not
// started talking to S3.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/flowgrid/blockpool/pkg/store/block"
)

// Config holds configuration for the S3 block store.
type Config struct {
	// Bucket is the S3 bucket name.
	Bucket string `mapstructure:"bucket" validate:"required"`

	// Region is the AWS region (optional, uses SDK default if empty).
	Region string `mapstructure:"region"`

	// Endpoint is the S3 endpoint URL (optional, for S3-compatible services).
	Endpoint string `mapstructure:"endpoint"`

	// KeyPrefix is prepended to all block keys. Should end with "/" if
	// non-empty.
	KeyPrefix string `mapstructure:"key_prefix"`

	// ForcePathStyle forces path-style addressing (required for
	// Localstack/MinIO).
	ForcePathStyle bool `mapstructure:"force_path_style"`
}

// Store is an S3-backed implementation of block.Store.
type Store struct {
	client    *awss3.Client
	bucket    string
	keyPrefix string

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates an S3 block store with an existing client.
func New(client *awss3.Client, cfg Config) *Store {
	return &Store{
		client:    client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
	}
}

// NewFromConfig creates an S3 block store by building a client from cfg.
func NewFromConfig(ctx context.Context, cfg Config) (*Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*awss3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *awss3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *awss3.Options) {
			o.UsePathStyle = true
		})
	}

	return New(awss3.NewFromConfig(awsCfg, s3Opts...), cfg), nil
}

const (
	statePending int32 = iota
	stateRunning
	stateCancelled
)

type request struct {
	state atomic.Int32
}

func (r *request) TryCancel() bool {
	return r.state.CompareAndSwap(statePending, stateCancelled)
}

func (r *request) start() bool {
	return r.state.CompareAndSwap(statePending, stateRunning)
}

func (s *Store) key(ref block.Ref) string {
	return s.keyPrefix + string(ref)
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SubmitWrite uploads data as a new object and reports its ref.
func (s *Store) SubmitWrite(data []byte, done block.WriteFunc) block.Request {
	r := &request{}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if !r.start() {
			return
		}
		if s.isClosed() {
			done("", block.ErrStoreClosed)
			return
		}

		ref := block.Ref(uuid.NewString())
		_, err := s.client.PutObject(context.Background(), &awss3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(ref)),
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			done("", fmt.Errorf("put block object: %w", err))
			return
		}
		done(ref, nil)
	}()
	return r
}

// SubmitRead downloads the object named by ref into target.
func (s *Store) SubmitRead(target []byte, ref block.Ref, done block.ReadFunc) block.Request {
	r := &request{}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if !r.start() {
			return
		}
		if s.isClosed() {
			done(block.ErrStoreClosed)
			return
		}

		out, err := s.client.GetObject(context.Background(), &awss3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(ref)),
		})
		if err != nil {
			var noKey *types.NoSuchKey
			if errors.As(err, &noKey) {
				done(block.ErrBlockNotFound)
				return
			}
			done(fmt.Errorf("get block object: %w", err))
			return
		}
		defer func() { _ = out.Body.Close() }()

		if _, err := io.ReadFull(out.Body, target); err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				done(block.ErrShortBlock)
				return
			}
			done(fmt.Errorf("read block object: %w", err))
			return
		}
		done(nil)
	}()
	return r
}

// Delete removes the object named by ref.
func (s *Store) Delete(ref block.Ref) error {
	if s.isClosed() {
		return block.ErrStoreClosed
	}
	_, err := s.client.DeleteObject(context.Background(), &awss3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(ref)),
	})
	if err != nil {
		return fmt.Errorf("delete block object: %w", err)
	}
	return nil
}

// Close waits for in-flight requests to finish.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// HealthCheck verifies the bucket is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &awss3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("head bucket %s: %w", s.bucket, err)
	}
	return nil
}
