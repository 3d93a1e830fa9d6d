package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	cerrors "github.com/restopos/datacache/pkg/errors"
	"github.com/restopos/datacache/pkg/types"
)

// S3API is the subset of the S3 client used by the object store tier
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// S3Config represents object store tier configuration
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// S3 is a durable tier storing each key as one object under Prefix
type S3 struct {
	client S3API
	bucket string
	prefix string
}

var _ types.SizedStorage = (*S3)(nil)

// NewS3 builds an S3 client from cfg and wraps it as a storage tier
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, cerrors.NewError(cerrors.ErrCodeInvalidConfig, "bucket name cannot be empty").
			WithComponent("s3")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrCodeConfigLoad, "failed to load AWS config").
			WithComponent("s3")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return NewS3WithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3WithClient wraps an existing client
func NewS3WithClient(client S3API, bucket, prefix string) *S3 {
	return &S3{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

// Read fetches the object for key; a missing object is a miss
func (s *S3) Read(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, s.wrap(err, cerrors.ErrCodeStorageRead, "read", key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, s.wrap(err, cerrors.ErrCodeStorageRead, "read", key)
	}
	return data, true, nil
}

// Write puts value as the object for key
func (s *S3) Write(ctx context.Context, key string, value []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          bytes.NewReader(value),
		ContentLength: aws.Int64(int64(len(value))),
		ContentType:   aws.String("application/msgpack"),
	})
	if err != nil {
		return s.wrap(err, cerrors.ErrCodeStorageWrite, "write", key)
	}
	return nil
}

// Delete removes the object for key
func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil && !isNotFound(err) {
		return s.wrap(err, cerrors.ErrCodeStorageWrite, "delete", key)
	}
	return nil
}

// ListKeys lists every key starting with prefix
func (s *S3) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.walk(ctx, prefix, func(obj s3types.Object) {
		keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), s.prefix))
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// Size sums the object sizes under the tier prefix
func (s *S3) Size(ctx context.Context) (int64, error) {
	var total int64
	err := s.walk(ctx, "", func(obj s3types.Object) {
		total += aws.ToInt64(obj.Size)
	})
	return total, err
}

func (s *S3) walk(ctx context.Context, prefix string, fn func(s3types.Object)) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.objectKey(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return s.wrap(err, cerrors.ErrCodeStorageRead, "list", prefix)
		}
		for _, obj := range page.Contents {
			fn(obj)
		}
	}
	return nil
}

func (s *S3) objectKey(key string) string {
	return s.prefix + key
}

func (s *S3) wrap(err error, code cerrors.ErrorCode, op, key string) error {
	return cerrors.Wrap(err, code, fmt.Sprintf("s3 %s failed", op)).
		WithComponent("s3").
		WithOperation(op).
		WithContext("bucket", s.bucket).
		WithContext("key", key)
}

func isNotFound(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *s3types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
