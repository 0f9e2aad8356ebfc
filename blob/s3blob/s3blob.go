package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"mime"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofrs/uuid/v5"
)

const (
	keyPrefix     = "generated/"
	presignExpiry = time.Hour
)

type S3BlobStore struct {
	client        *s3.Client
	uploader      *manager.Uploader
	presigner     *s3.PresignClient
	bucket        string
	publicBaseURL string
}

// NewS3BlobStore verifies the bucket exists. With a public base URL, handles
// resolve to plain object URLs; without one they resolve to presigned GETs.
func NewS3BlobStore(ctx context.Context, devMode bool, s3Endpoint string, bucket string, publicBaseURL string) (*S3BlobStore, error) {
	client, err := newS3Client(ctx, devMode, s3Endpoint)
	if err != nil {
		return nil, err
	}

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, fmt.Errorf("given bucket '%s' not reachable in S3: %w", bucket, err)
	}

	return &S3BlobStore{
		client:        client,
		uploader:      manager.NewUploader(client),
		presigner:     s3.NewPresignClient(client),
		bucket:        bucket,
		publicBaseURL: strings.TrimSuffix(publicBaseURL, "/"),
	}, nil
}

func newS3Client(ctx context.Context, devMode bool, s3Endpoint string) (*s3.Client, error) {
	if devMode {
		cfg, err := config.LoadDefaultConfig(ctx,
			config.WithRegion("us-east-1"),
			config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider("dummy", "dummy", ""),
			),
		)
		if err != nil {
			return nil, err
		}

		return s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(s3Endpoint)
			// local emulators don't do virtual-hosted buckets
			o.UsePathStyle = true
		}), nil
	}

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(cfg), nil
}

func (s *S3BlobStore) Store(ctx context.Context, data []byte, contentType string) (string, error) {
	objectId, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	key := keyPrefix + objectId.String() + extensionFor(contentType)

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return key, nil
}

func (s *S3BlobStore) URLFor(ctx context.Context, handle string) (string, bool) {
	if !strings.HasPrefix(handle, keyPrefix) {
		return "", false
	}
	if s.publicBaseURL != "" {
		return s.publicBaseURL + "/" + handle, true
	}

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(handle),
	}, s3.WithPresignExpires(presignExpiry))
	if err != nil {
		log.Printf("Failed to presign %s: %v", handle, err)
		return "", false
	}
	return req.URL, true
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
