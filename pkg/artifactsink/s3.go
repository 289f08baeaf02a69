package artifactsink

import (
	"bytes"
	"context"
	"errors"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// DefaultAWSRegion is used when neither config, environment nor instance
// metadata name a region and no custom endpoint is set.
const DefaultAWSRegion = "us-east-1"

const imdsTimeout = time.Second

// S3Config configures an S3Sink.
//
// Credentials follow the AWS SDK v2 default chain unless AccessKeyID and
// SecretAccessKey are both set.
type S3Config struct {
	Bucket string

	// Prefix is prepended to every key (e.g., "crengine/results").
	Prefix string

	Region string

	// Endpoint is a custom URL for S3-compatible stores.
	Endpoint string

	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// ConfigError reports an invalid S3Config field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "invalid s3 mirror config: " + e.Field + ": " + e.Message
}

// Validate checks required fields.
func (c S3Config) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink uploads artifacts to an S3 bucket.
type S3Sink struct {
	client objectPutter
	bucket string
	prefix string
}

// NewS3Sink creates an S3Sink.
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &SinkError{Op: "New", Bucket: cfg.Bucket, Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newS3Sink(client, cfg), nil
}

func newS3Sink(client objectPutter, cfg S3Config) *S3Sink {
	return &S3Sink{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}
}

func loadAWSConfig(ctx context.Context, cfg S3Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	if awsCfg.Region == "" && cfg.Endpoint == "" {
		awsCfg.Region = instanceRegion(ctx, awsCfg)
	}
	return awsCfg, nil
}

// instanceRegion asks the EC2 instance metadata service for the region,
// falling back to DefaultAWSRegion off EC2.
func instanceRegion(ctx context.Context, awsCfg aws.Config) string {
	ctx, cancel := context.WithTimeout(ctx, imdsTimeout)
	defer cancel()
	out, err := imds.NewFromConfig(awsCfg).GetRegion(ctx, &imds.GetRegionInput{})
	if err != nil || out.Region == "" {
		return DefaultAWSRegion
	}
	return out.Region
}

// Key returns the object key used for a relative artifact path.
func (s *S3Sink) Key(rel string) string {
	rel = strings.TrimPrefix(path.Clean("/"+rel), "/")
	if s.prefix == "" {
		return rel
	}
	return s.prefix + "/" + rel
}

// Put implements Sink.
func (s *S3Sink) Put(ctx context.Context, key string, data []byte) error {
	objKey := s.Key(key)
	size := int64(len(data))
	contentType := "application/octet-stream"
	switch path.Ext(objKey) {
	case ".json":
		contentType = "application/json"
	case ".txt":
		contentType = "text/plain; charset=utf-8"
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objKey),
		Body:          bytes.NewReader(data),
		ContentLength: &size,
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return s.wrapError("PutObject", objKey, err)
	}
	return nil
}

func (s *S3Sink) wrapError(op, key string, err error) error {
	wrapped := &SinkError{Op: op, Bucket: s.bucket, Key: key, Err: err}

	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		wrapped.Err = ErrBucketNotFound
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket":
			wrapped.Err = ErrBucketNotFound
		case "AccessDenied", "Forbidden":
			wrapped.Err = ErrAccessDenied
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = ErrInvalidCredentials
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			wrapped.Err = ErrThrottled
		case "ServiceUnavailable", "InternalError":
			wrapped.Err = ErrUnavailable
		}
	}
	return wrapped
}
