// Package s3 implements the payload Backend on S3-compatible object storage.
package s3

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/snapgc-io/snapgc/internal/storage"
)

// maxKeysPerDelete is the S3 DeleteObjects limit.
const maxKeysPerDelete = 1000

// Config configures an S3 backend.
type Config struct {
	// Bucket is the name of the S3 bucket. Required.
	Bucket string

	// Prefix is prepended to every payload key, e.g. "snapshots/".
	Prefix string

	// Region is the AWS region (e.g. "us-east-1").
	Region string

	// Endpoint is the S3 endpoint URL (e.g. "http://localhost:9000" for
	// MinIO). Empty uses the default AWS endpoint for the region.
	Endpoint string

	// AccessKeyID and SecretAccessKey select static credentials; when empty
	// the default credential chain applies.
	AccessKeyID     string
	SecretAccessKey string

	// UsePathStyle enables path-style addressing, required for MinIO and
	// some S3-compatible stores.
	UsePathStyle bool
}

// Backend implements storage.Backend using S3 DeleteObject/DeleteObjects.
type Backend struct {
	client *awss3.Client
	bucket string
	prefix string

	mu     sync.RWMutex
	closed bool
}

var _ storage.Backend = (*Backend)(nil)

// New creates an S3 backend with the given configuration.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket name is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	} else {
		opts = append(opts, awsconfig.WithRegion("us-east-1"))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load AWS config: %w", err)
	}

	s3Opts := []func(*awss3.Options){}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *awss3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *awss3.Options) {
			o.UsePathStyle = true
		})
	}

	return &Backend{
		client: awss3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (b *Backend) checkClosed() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return storage.ErrClosed
	}
	return nil
}

// Key returns the object key for a snapshot id.
func (b *Backend) Key(id string) string {
	return b.prefix + id
}

// idFromKey inverts Key for keys returned in per-object delete errors.
func (b *Backend) idFromKey(key string) string {
	return strings.TrimPrefix(key, b.prefix)
}

// DeletePayload removes the payload object for one snapshot. S3 deletes are
// idempotent: deleting an absent key succeeds.
func (b *Backend) DeletePayload(ctx context.Context, id string) error {
	if err := b.checkClosed(); err != nil {
		return err
	}

	_, err := b.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.Key(id)),
	})
	if err != nil {
		return fmt.Errorf("s3: delete payload %s: %w", id, err)
	}
	return nil
}

// DeletePayloadBatch removes payload objects via DeleteObjects, which
// reports per-key failures. A request-level failure is returned with no
// per-id attribution, so the caller treats the whole batch as failed.
func (b *Backend) DeletePayloadBatch(ctx context.Context, ids []string) storage.BatchResult {
	if err := b.checkClosed(); err != nil {
		return storage.BatchResult{Err: err}
	}
	if len(ids) == 0 {
		return storage.BatchResult{}
	}

	var res storage.BatchResult
	var firstErr error
	for start := 0; start < len(ids); start += maxKeysPerDelete {
		end := start + maxKeysPerDelete
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		objects := make([]types.ObjectIdentifier, len(chunk))
		for i, id := range chunk {
			objects[i] = types.ObjectIdentifier{Key: aws.String(b.Key(id))}
		}

		out, err := b.client.DeleteObjects(ctx, &awss3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			// Whole-request failure: no per-id outcome is known.
			return storage.BatchResult{Err: fmt.Errorf("s3: delete batch: %w", err)}
		}

		for _, e := range out.Errors {
			if e.Key == nil {
				continue
			}
			// NoSuchKey is success under the idempotency contract.
			if e.Code != nil && *e.Code == "NoSuchKey" {
				continue
			}
			res.FailedIDs = append(res.FailedIDs, b.idFromKey(*e.Key))
			if firstErr == nil {
				msg := "delete failed"
				if e.Message != nil {
					msg = *e.Message
				}
				firstErr = fmt.Errorf("s3: delete %s: %s", *e.Key, msg)
			}
		}
	}

	res.Err = firstErr
	return res
}

// Exists reports whether a payload object is present for id.
func (b *Backend) Exists(ctx context.Context, id string) (bool, error) {
	if err := b.checkClosed(); err != nil {
		return false, err
	}

	_, err := b.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.Key(id)),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, fmt.Errorf("s3: head payload %s: %w", id, err)
	}
	return true, nil
}

// Close marks the backend closed. The underlying SDK client holds no
// resources that need explicit release.
func (b *Backend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
