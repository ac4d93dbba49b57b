// Grounded on internal/storage/s3.go: S3Service's UploadFile (server-side
// PutObject) and GetFileURL (presigned GET). Generalized from the
// teacher's workspace-scoped key layout to the deterministic
// sessions/{sessionId}/translated/{lang}/{timestampMillis}.mp3 key §3
// requires; key construction lives in the worker pool, not here.
package ports

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3BlobStore adapts Amazon S3 to ports.BlobStore (§4.H).
type S3BlobStore struct {
	client        *s3.Client
	presignClient *s3.PresignClient
	bucket        string
}

func NewS3BlobStore(cfg aws.Config, bucket string) *S3BlobStore {
	client := s3.NewFromConfig(cfg)
	return &S3BlobStore{
		client:        client,
		presignClient: s3.NewPresignClient(client),
		bucket:        bucket,
	}
}

func (b *S3BlobStore) Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata:    metadata,
	})
	if err != nil {
		return fmt.Errorf("blobstore: put %s: %w", key, err)
	}
	return nil
}

func (b *S3BlobStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	out, err := b.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}, func(o *s3.PresignOptions) {
		o.Expires = ttl
	})
	if err != nil {
		return "", fmt.Errorf("blobstore: presign %s: %w", key, err)
	}
	return out.URL, nil
}
