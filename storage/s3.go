package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/teekit/securestore/interfaces"
)

// S3Backend stores blobs in Amazon S3 or a compatible object store.
type S3Backend struct {
	client      *s3.S3
	bucketName  string
	prefix      string
	log         *slog.Logger
	locationURI string
}

// NewS3Backend creates an S3 backend. Credentials are optional; without them
// the SDK's default credential chain applies.
func NewS3Backend(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Backend, error) {
	uri := fmt.Sprintf("s3://%s/%s?region=%s", bucketName, prefix, region)
	if endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", endpoint)
	}

	cfg := aws.Config{Region: aws.String(region)}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("creating AWS session: %w", err)
	}

	return &S3Backend{
		client:      s3.New(sess),
		bucketName:  bucketName,
		prefix:      strings.TrimSuffix(prefix, "/"),
		log:         log,
		locationURI: uri,
	}, nil
}

// Store uploads data under the location hint.
func (b *S3Backend) Store(ctx context.Context, locationHint string, data []byte) (interfaces.StorageLocation, error) {
	start := time.Now()
	key := b.objectKey(locationHint)

	_, err := b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return interfaces.StorageLocation{}, backendErr(fmt.Errorf("putting object %s: %w", key, err))
	}

	b.log.Debug("Stored blob to S3",
		slog.String("bucket", b.bucketName),
		slog.String("key", key),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return interfaces.StorageLocation{BackendURI: b.locationURI, Handle: locationHint}, nil
}

// Load downloads the blob at a location.
func (b *S3Backend) Load(ctx context.Context, loc interfaces.StorageLocation) ([]byte, error) {
	key := b.objectKey(loc.Handle)

	result, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, notFoundErr(loc.Handle)
		}
		return nil, backendErr(fmt.Errorf("getting object %s: %w", key, err))
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, backendErr(fmt.Errorf("reading object body: %w", err))
	}
	return data, nil
}

// Overwrite replaces the object at a location. S3 PUT replaces atomically.
func (b *S3Backend) Overwrite(ctx context.Context, loc interfaces.StorageLocation, data []byte) error {
	key := b.objectKey(loc.Handle)

	_, err := b.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return notFoundErr(loc.Handle)
		}
		return backendErr(fmt.Errorf("checking object %s: %w", key, err))
	}

	_, err = b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return backendErr(fmt.Errorf("overwriting object %s: %w", key, err))
	}
	return nil
}

// Delete removes the object at a location.
func (b *S3Backend) Delete(ctx context.Context, loc interfaces.StorageLocation) error {
	key := b.objectKey(loc.Handle)

	_, err := b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return backendErr(fmt.Errorf("deleting object %s: %w", key, err))
	}
	return nil
}

// Available checks bucket accessibility with a HEAD request.
func (b *S3Backend) Available(ctx context.Context) bool {
	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucketName),
	})
	return err == nil
}

// Name returns the backend identifier for logging.
func (b *S3Backend) Name() string {
	return "s3"
}

// LocationURI returns the URI identifying this backend.
func (b *S3Backend) LocationURI() string {
	return b.locationURI
}

func (b *S3Backend) objectKey(handle string) string {
	if b.prefix == "" {
		return handle
	}
	return path.Join(b.prefix, handle)
}

func isS3NotFound(err error) bool {
	return strings.Contains(err.Error(), "NoSuchKey") ||
		strings.Contains(err.Error(), "NotFound") ||
		strings.Contains(err.Error(), "404")
}
