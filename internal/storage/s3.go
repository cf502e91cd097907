package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/OFFIS-RIT/catalyst/internal/config"
	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func NewS3Client(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.Endpoint))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %w", common.ErrConfiguration, err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	return client, nil
}

// S3Store keeps document texts as objects of one bucket. Object metadata
// becomes document metadata.
type S3Store struct {
	client *s3.Client
	bucket string
}

var _ FileStore = (*S3Store)(nil)

func NewS3Store(client *s3.Client, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

func (s *S3Store) uri(key string) string {
	return "s3://" + s.bucket + "/" + key
}

// key accepts a bare object key or an s3:// uri of this bucket.
func (s *S3Store) key(ref string) string {
	return strings.TrimPrefix(ref, "s3://"+s.bucket+"/")
}

func (s *S3Store) Fetch(ctx context.Context, ref string) (SourceDocument, error) {
	key := s.key(ref)
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return SourceDocument{}, classifyS3(fmt.Errorf("get %s from s3: %w", key, err))
	}
	defer result.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, result.Body); err != nil {
		return SourceDocument{}, fmt.Errorf("%w: read %s: %w", common.ErrTransient, key, err)
	}

	meta := result.Metadata
	if result.ContentType != nil {
		meta = withEntry(meta, "content_type", *result.ContentType)
	}
	logger.Debug("[Storage] Fetched document", "key", key, "bytes", buf.Len())
	return newSourceDocument(s.uri(key), buf.Bytes(), meta), nil
}

func (s *S3Store) Put(ctx context.Context, key string, text string, metadata map[string]string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(text),
		ContentType: aws.String("text/plain; charset=utf-8"),
		Metadata:    metadata,
	})
	if err != nil {
		return "", classifyS3(fmt.Errorf("upload %s to s3: %w", key, err))
	}
	return s.uri(key), nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		return classifyS3(fmt.Errorf("delete %s from s3: %w", key, err))
	}
	return nil
}

// List returns the object keys under prefix.
func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	listInput := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}

	for {
		listOutput, err := s.client.ListObjectsV2(ctx, listInput)
		if err != nil {
			return nil, classifyS3(fmt.Errorf("list objects with prefix %s: %w", prefix, err))
		}

		for _, obj := range listOutput.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}

		if listOutput.IsTruncated != nil && *listOutput.IsTruncated {
			listInput.ContinuationToken = listOutput.NextContinuationToken
		} else {
			break
		}
	}

	return keys, nil
}

// classifyS3 marks missing objects as not found and everything else as
// transient; the SDK already retried throttling internally.
func classifyS3(err error) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%w: %w", common.ErrNotFound, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", common.ErrTransient, err)
}

func withEntry(m map[string]string, k, v string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for mk, mv := range m {
		out[mk] = mv
	}
	out[k] = v
	return out
}
