package artifactstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/flightrecorder/core/internal/config"
)

// S3Store stores artifacts in an S3-compatible bucket (AWS S3, MinIO,
// or any other implementation of the S3 API reachable via a custom
// endpoint).
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds an S3-compatible client from cfg. A non-empty
// S3Endpoint overrides the default AWS endpoint resolution, matching how
// self-hosted S3-compatible stores are usually wired.
func NewS3Store(ctx context.Context, cfg *config.Config) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(endpointURL(cfg.S3Endpoint, cfg.S3Secure))
			o.UsePathStyle = true
		}
	})

	return &S3Store{client: client, bucket: cfg.ArtifactBucket}, nil
}

// endpointURL attaches a scheme to endpoint when it doesn't already carry
// one, honoring secure (the S3_SECURE knob) the way the Python original's
// use_ssl flag picks between http and https for a bare host:port endpoint.
func endpointURL(endpoint string, secure bool) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	scheme := "http"
	if secure {
		scheme = "https"
	}
	return scheme + "://" + endpoint
}

func (s *S3Store) Store(ctx context.Context, artifactHash string, payload []byte) (Stored, error) {
	key := ObjectKey(artifactHash)
	exists, err := s.Exists(ctx, artifactHash)
	if err != nil {
		return Stored{}, err
	}
	if !exists {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(payload),
		})
		if err != nil {
			return Stored{}, fmt.Errorf("put artifact object: %w", err)
		}
	}
	return Stored{Bucket: s.bucket, ObjectKey: key}, nil
}

func (s *S3Store) Exists(ctx context.Context, artifactHash string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ObjectKey(artifactHash)),
	})
	if err == nil {
		return true, nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey") {
		return false, nil
	}
	return false, err
}

func (s *S3Store) Fetch(ctx context.Context, artifactHash string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ObjectKey(artifactHash)),
	})
	if err != nil {
		return nil, fmt.Errorf("get artifact object: %w", err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}
