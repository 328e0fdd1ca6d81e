package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/enclavekit/inference-bootstrap/interfaces"
)

// S3Credentials authenticate S3 access. Inside the enclave these are the
// role credentials fetched over the metadata channel; empty credentials fall
// back to unauthenticated access for public buckets.
type S3Credentials struct {
	AccessKey    string
	SecretKey    string
	SessionToken string
}

// HasKeys reports whether the credentials can sign requests.
func (c S3Credentials) HasKeys() bool {
	return c.AccessKey != "" && c.SecretKey != ""
}

// S3Backend stores artifacts in an S3 bucket under a fixed prefix. With a
// transport whose dialer targets the object-store egress channel, all
// traffic rides the channel while TLS still validates against the S3
// hostname.
type S3Backend struct {
	client         *s3.S3
	bucketName     string
	prefix         string
	log            *slog.Logger
	locationURI    string
	hasCredentials bool
}

// NewS3Backend creates an S3 storage backend. An empty endpoint selects the
// regional default; httpClient overrides the SDK transport (nil keeps the
// default).
func NewS3Backend(bucketName, prefix, region, endpoint string, creds S3Credentials, httpClient *http.Client, log *slog.Logger) (*S3Backend, error) {
	if bucketName == "" {
		return nil, fmt.Errorf("%w: s3 location has no bucket", interfaces.ErrInvalidLocationURI)
	}
	if region == "" {
		region = "us-east-1"
	}

	uri := fmt.Sprintf("s3://%s/%s?region=%s", bucketName, prefix, region)
	if endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", endpoint)
	}
	if creds.HasKeys() {
		uri = fmt.Sprintf("s3://%s:***@%s/%s?region=%s", creds.AccessKey, bucketName, prefix, region)
		if endpoint != "" {
			uri += fmt.Sprintf("&endpoint=%s", endpoint)
		}
	}

	cfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	if creds.HasKeys() {
		cfg.Credentials = credentials.NewStaticCredentials(creds.AccessKey, creds.SecretKey, creds.SessionToken)
	} else {
		cfg.Credentials = credentials.AnonymousCredentials
		log.Debug("No S3 credentials provided, assuming public bucket", slog.String("bucket", bucketName))
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Backend{
		client:         s3.New(sess),
		bucketName:     bucketName,
		prefix:         strings.Trim(prefix, "/"),
		log:            log,
		locationURI:    uri,
		hasCredentials: creds.HasKeys(),
	}, nil
}

// Fetch retrieves an artifact fully into memory.
func (b *S3Backend) Fetch(ctx context.Context, name interfaces.ArtifactName) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := b.FetchTo(ctx, name, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FetchTo streams an artifact into dst. Model ciphertexts run to gigabytes,
// so the body is copied through without buffering the object.
func (b *S3Backend) FetchTo(ctx context.Context, name interfaces.ArtifactName, dst io.Writer) (int64, error) {
	key, err := b.objectKey(name)
	if err != nil {
		return 0, err
	}
	start := time.Now()

	result, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			b.log.Debug("Artifact not found in S3",
				slog.String("bucket", b.bucketName),
				slog.String("key", key),
				slog.Duration("duration", time.Since(start)))
			return 0, interfaces.ErrArtifactNotFound
		}
		b.log.Error("Failed to get object from S3",
			slog.String("bucket", b.bucketName),
			slog.String("key", key),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return 0, fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer result.Body.Close()

	n, err := io.Copy(dst, result.Body)
	if err != nil {
		return n, fmt.Errorf("failed to read object body: %w", err)
	}

	b.log.Debug("Fetched artifact from S3",
		slog.String("bucket", b.bucketName),
		slog.String("key", key),
		slog.Int64("size", n),
		slog.Duration("duration", time.Since(start)))
	return n, nil
}

// Store uploads an artifact under its name.
func (b *S3Backend) Store(ctx context.Context, name interfaces.ArtifactName, data []byte) error {
	key, err := b.objectKey(name)
	if err != nil {
		return err
	}

	_, err = b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		if !b.hasCredentials {
			return fmt.Errorf("failed to upload object to S3 (no credentials provided): %w", err)
		}
		return fmt.Errorf("failed to upload object to S3: %w", err)
	}

	b.log.Debug("Stored artifact in S3",
		slog.String("bucket", b.bucketName),
		slog.String("key", key),
		slog.Int("size", len(data)))
	return nil
}

// Available checks the bucket responds to a head request.
func (b *S3Backend) Available(ctx context.Context) bool {
	start := time.Now()
	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucketName),
	})
	if err != nil {
		b.log.Warn("S3 backend unavailable",
			slog.String("bucket", b.bucketName),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *S3Backend) Name() string {
	return fmt.Sprintf("s3-%s", b.bucketName)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *S3Backend) LocationURI() string {
	return b.locationURI
}

func (b *S3Backend) objectKey(name interfaces.ArtifactName) (string, error) {
	if err := name.Validate(); err != nil {
		return "", err
	}
	if b.prefix == "" {
		return string(name), nil
	}
	return path.Join(b.prefix, string(name)), nil
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "NotFound":
			return true
		}
	}
	return false
}
