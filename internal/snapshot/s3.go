package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/kozaktomas/reid-catalog/internal/catalog"
)

// ObjectAPI is the subset of the S3 client used by S3Store.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store keeps the snapshot as one S3 object.
type S3Store struct {
	client ObjectAPI
	bucket string
	key    string
}

// NewS3Store creates a store using the default AWS credential chain.
func NewS3Store(ctx context.Context, bucket, key string, opts Options) (*S3Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.S3Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.S3Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3StoreWithClient(client, bucket, key), nil
}

// NewS3StoreWithClient creates a store over an existing client.
func NewS3StoreWithClient(client ObjectAPI, bucket, key string) *S3Store {
	return &S3Store{client: client, bucket: bucket, key: key}
}

// Location returns the s3:// URL of the object.
func (s *S3Store) Location() string { return "s3://" + s.bucket + "/" + s.key }

// Save uploads the snapshot.
func (s *S3Store) Save(ctx context.Context, snap catalog.Snapshot) error {
	data, err := Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/zstd"),
	})
	if err != nil {
		return fmt.Errorf("upload snapshot to %s: %w", s.Location(), err)
	}
	return nil
}

// Load downloads and decodes the snapshot.
func (s *S3Store) Load(ctx context.Context) (catalog.Snapshot, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		if isNotFound(err) {
			return catalog.Snapshot{}, ErrNotFound
		}
		return catalog.Snapshot{}, fmt.Errorf("download snapshot from %s: %w", s.Location(), err)
	}
	defer out.Body.Close()
	return Decode(out.Body)
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
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
