package sink

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/webrana/inbound-smtpd/internal/config"
)

// BlobStore offloads message bodies over a size threshold to S3/MinIO,
// adapted from the webapp's attachment storage service: same client
// construction (path-style addressing for MinIO compatibility, static
// credentials), generalized from attachment objects to whole message
// bodies keyed by queue id.
type BlobStore struct {
	client             *s3.Client
	presignClient      *s3.PresignClient
	bucket             string
	presignedURLExpiry time.Duration
	largeFileThreshold int64
}

// NewBlobStore creates a blob store backed by the given S3/MinIO endpoint.
func NewBlobStore(cfg config.StorageConfig) (*BlobStore, error) {
	var endpointURL string
	if strings.HasPrefix(cfg.Endpoint, "http://") || strings.HasPrefix(cfg.Endpoint, "https://") {
		endpointURL = cfg.Endpoint
	} else {
		protocol := "http"
		if cfg.UseSSL {
			protocol = "https"
		}
		endpointURL = protocol + "://" + cfg.Endpoint
	}

	client := s3.New(s3.Options{
		Region: cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		),
		BaseEndpoint: aws.String(endpointURL),
		UsePathStyle: true,
	})

	presignedURLExpiry := cfg.PresignedURLExpiry
	if presignedURLExpiry == 0 {
		presignedURLExpiry = 15 * time.Minute
	}
	largeFileThreshold := cfg.LargeFileThreshold
	if largeFileThreshold == 0 {
		largeFileThreshold = 10 * 1024 * 1024
	}

	return &BlobStore{
		client:             client,
		presignClient:      s3.NewPresignClient(client),
		bucket:             cfg.Bucket,
		presignedURLExpiry: presignedURLExpiry,
		largeFileThreshold: largeFileThreshold,
	}, nil
}

// IsLargeFile reports whether a body of the given size should be offloaded
// rather than stored inline in Postgres.
func (b *BlobStore) IsLargeFile(sizeBytes int64) bool {
	return sizeBytes >= b.largeFileThreshold
}

// PutBody uploads a message body under "messages/<queueID>" and returns the
// storage key to persist alongside the envelope metadata.
func (b *BlobStore) PutBody(ctx context.Context, queueID string, body []byte) (string, error) {
	key := fmt.Sprintf("messages/%s", queueID)
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return "", fmt.Errorf("failed to store message body %s: %w", key, err)
	}
	return key, nil
}

// GetPresignedURL generates a pre-signed URL for downloading a stored body.
func (b *BlobStore) GetPresignedURL(ctx context.Context, key string) (string, time.Duration, error) {
	presignedReq, err := b.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(b.presignedURLExpiry))
	if err != nil {
		return "", 0, fmt.Errorf("failed to generate pre-signed URL: %w", err)
	}
	return presignedReq.URL, b.presignedURLExpiry, nil
}

// DeleteObject deletes a single stored body by its storage key.
func (b *BlobStore) DeleteObject(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}
