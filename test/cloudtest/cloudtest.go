// Package cloudtest provides helpers for S3 mirror integration tests against
// a local moto server.
//
// Tests using this package should be tagged with //go:build cloudintegration.
//
// Usage:
//
//	func TestMirror(t *testing.T) {
//	    cloudtest.SkipIfUnavailable(t)
//	    bucket := cloudtest.CreateBucket(t, ctx)
//	    sink, err := artifactsink.NewS3Sink(ctx, cloudtest.SinkConfig(bucket, "runs"))
//	    // ... mirror artifacts ...
//	    keys := cloudtest.ListKeys(t, ctx, bucket)
//	}
package cloudtest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/artifactsink"
)

const (
	// DefaultEndpoint is the default moto server endpoint.
	// Port 5555 avoids conflict with macOS AirTunes on 5000.
	DefaultEndpoint = "http://localhost:5555"

	DefaultRegion = "us-east-1"

	// moto accepts any credentials.
	TestAccessKeyID     = "testing"
	TestSecretAccessKey = "testing"
)

var (
	// Endpoint is configurable via MOTO_ENDPOINT.
	Endpoint = getEnvOrDefault("MOTO_ENDPOINT", DefaultEndpoint)

	// Region is configurable via MOTO_REGION.
	Region = getEnvOrDefault("MOTO_REGION", DefaultRegion)

	client     *s3.Client
	clientOnce sync.Once
	clientErr  error
)

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// Available reports whether the moto server is reachable.
func Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, Endpoint+"/moto-api/", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// SkipIfUnavailable skips the test if the moto server is not available.
func SkipIfUnavailable(t *testing.T) {
	t.Helper()
	if !Available() {
		t.Skipf("moto server not available at %s (start with: moto_server -p 5555)", Endpoint)
	}
}

// SinkConfig returns an artifact sink configuration pointing at moto.
func SinkConfig(bucket, prefix string) artifactsink.S3Config {
	return artifactsink.S3Config{
		Bucket:          bucket,
		Prefix:          prefix,
		Region:          Region,
		Endpoint:        Endpoint,
		AccessKeyID:     TestAccessKeyID,
		SecretAccessKey: TestSecretAccessKey,
		ForcePathStyle:  true,
	}
}

// Client returns a shared S3 client configured for moto.
func Client() (*s3.Client, error) {
	clientOnce.Do(func() {
		cfg, err := config.LoadDefaultConfig(context.Background(),
			config.WithRegion(Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				TestAccessKeyID, TestSecretAccessKey, "",
			)),
		)
		if err != nil {
			clientErr = fmt.Errorf("load config: %w", err)
			return
		}
		client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(Endpoint)
			o.UsePathStyle = true
		})
	})
	return client, clientErr
}

// ClientT returns the S3 client, failing the test on error.
func ClientT(t *testing.T) *s3.Client {
	t.Helper()
	c, err := Client()
	if err != nil {
		t.Fatalf("failed to create S3 client: %v", err)
	}
	return c
}

// CreateBucket creates a uniquely named bucket and registers its deletion.
func CreateBucket(t *testing.T, ctx context.Context) string {
	t.Helper()
	c := ClientT(t)

	name := strings.ToLower(t.Name())
	name = strings.NewReplacer("/", "-", "_", "-").Replace(name)
	// S3 bucket names max 63 chars
	if len(name) > 50 {
		name = name[:50]
	}
	name = fmt.Sprintf("%s-%d", name, time.Now().UnixNano()%100000)

	if _, err := c.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(name)}); err != nil {
		t.Fatalf("failed to create bucket %s: %v", name, err)
	}
	t.Cleanup(func() { DeleteBucket(t, context.Background(), name) })
	return name
}

// DeleteBucket deletes a bucket and all its contents.
func DeleteBucket(t *testing.T, ctx context.Context, bucket string) {
	t.Helper()
	c := ClientT(t)

	for _, key := range listKeys(ctx, c, bucket, t.Logf) {
		if _, err := c.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}); err != nil {
			t.Logf("warning: failed to delete object %s: %v", key, err)
		}
	}
	if _, err := c.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)}); err != nil {
		t.Logf("warning: failed to delete bucket %s: %v", bucket, err)
	}
}

// ListKeys returns every key in the bucket, sorted.
func ListKeys(t *testing.T, ctx context.Context, bucket string) []string {
	t.Helper()
	return listKeys(ctx, ClientT(t), bucket, t.Fatalf)
}

// GetObject returns an object's content, failing the test on error.
func GetObject(t *testing.T, ctx context.Context, bucket, key string) []byte {
	t.Helper()
	out, err := ClientT(t).GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		t.Fatalf("failed to get object %s/%s: %v", bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		t.Fatalf("failed to read object %s/%s: %v", bucket, key, err)
	}
	return data
}

func listKeys(ctx context.Context, c *s3.Client, bucket string, fail func(string, ...any)) []string {
	var keys []string
	p := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			fail("failed to list objects in bucket %s: %v", bucket, err)
			return keys
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	sort.Strings(keys)
	return keys
}
