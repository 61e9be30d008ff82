package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const expiresAtMetaKey = "expires_at"

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store keeps records as objects in a bucket. S3 has no per-object TTL,
// so expiry is stored in object metadata and enforced on read.
type S3Store struct {
	bucket   string
	prefix   string
	client   S3API
	uploader *manager.Uploader
	now      func() time.Time
}

// NewS3Store creates a store writing objects under prefix in bucket.
func NewS3Store(bucket, prefix string, client *s3.Client) *S3Store {
	return newS3Store(bucket, prefix, client, manager.NewUploader(client))
}

func newS3Store(bucket, prefix string, client S3API, uploader *manager.Uploader) *S3Store {
	return &S3Store{
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		client:   client,
		uploader: uploader,
		now:      time.Now,
	}
}

func (s *S3Store) objectKey(key string) string {
	name := strings.ReplaceAll(key, ":", "/") + ".json"
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

// Get implements Store.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3 get: %w", err)
	}
	defer out.Body.Close()

	if exp := parseExpiresAt(out.Metadata); !exp.IsZero() && !s.now().Before(exp) {
		_ = s.Delete(ctx, key)
		return nil, ErrNotFound
	}

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read body: %w", err)
	}
	return body, nil
}

// Set implements Store.
func (s *S3Store) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	meta := map[string]string{}
	if ttl > 0 {
		meta[expiresAtMetaKey] = strconv.FormatInt(s.now().Add(ttl).Unix(), 10)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata:    meta,
	}

	var err error
	if s.uploader != nil {
		_, err = s.uploader.Upload(ctx, input)
	} else {
		_, err = s.client.PutObject(ctx, input)
	}
	if err != nil {
		return fmt.Errorf("s3 put: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *S3Store) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.objectKey(key)),
		})
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("s3 delete: %w", err)
		}
	}
	return nil
}

func parseExpiresAt(meta map[string]string) time.Time {
	val, ok := meta[expiresAtMetaKey]
	if !ok {
		return time.Time{}
	}
	unix, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	return errors.As(err, &nf)
}
