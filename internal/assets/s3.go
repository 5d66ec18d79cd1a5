package assets

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config holds object storage settings.
type S3Config struct {
	Bucket       string
	Region       string
	Prefix       string
	BaseEndpoint string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// ObjectGetter is the part of the S3 client used for reads.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

var loadDefaultAWSConfig = awsconfig.LoadDefaultConfig

// S3 serves assets stored under <prefix>/<media>/<original|format>.
type S3 struct {
	client ObjectGetter
	bucket string
	prefix string
}

// NewS3 builds an S3 client from cfg. Static credentials are used when
// AccessKey is set, otherwise the default AWS chain applies.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := loadDefaultAWSConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BaseEndpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3WithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3WithClient wraps an existing client.
func NewS3WithClient(client ObjectGetter, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: prefix}
}

// Key returns the object key for a media/format pair.
func (r *S3) Key(mediaID, formatID int64) string {
	return path.Join(r.prefix, strconv.FormatInt(mediaID, 10), FormatDir(formatID))
}

// Open streams the object body. The caller closes Reader.
func (r *S3) Open(ctx context.Context, mediaID, formatID int64) (*Asset, error) {
	if mediaID <= 0 || formatID < 0 {
		return nil, ErrAssetNotFound
	}
	key := r.Key(mediaID, formatID)

	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		var notFound *types.NotFound
		if errors.As(err, &noKey) || errors.As(err, &notFound) {
			return nil, ErrAssetNotFound
		}
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}

	name := out.Metadata["filename"]
	if name == "" {
		name = fmt.Sprintf("%d-%s", mediaID, FormatDir(formatID))
	}
	contentType := aws.ToString(out.ContentType)
	if contentType == "" {
		contentType = ContentTypeFor(name)
	}

	return &Asset{
		Reader:      out.Body,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: contentType,
		Name:        name,
	}, nil
}

// Check verifies the bucket is reachable.
func (r *S3) Check(ctx context.Context) error {
	_, err := r.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(r.bucket)})
	if err != nil {
		return fmt.Errorf("bucket %s unreachable: %w", r.bucket, err)
	}
	return nil
}
