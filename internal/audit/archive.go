// Package audit archives redacted processor exchanges for dispute resolution.
package audit

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/AnuragDani/payment-gateway/internal/config"
)

// Archiver stores the request/response pair of one processor call. Bodies
// must already be redacted.
type Archiver interface {
	Archive(ctx context.Context, transactionID string, request, response []byte) error
}

// NopArchiver is used when no bucket is configured
type NopArchiver struct{}

func (NopArchiver) Archive(context.Context, string, []byte, []byte) error { return nil }

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes to an S3-compatible bucket under
// transactions/<id>/request.json and transactions/<id>/response.json
type S3Archiver struct {
	client objectPutter
	bucket string
	prefix string
}

// NewS3Archiver creates an archiver from the audit settings. Static
// credentials are used when given, otherwise the default AWS chain.
func NewS3Archiver(ctx context.Context, cfg config.AuditConfig) (*S3Archiver, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("audit archive is disabled")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})
	return newS3Archiver(client, cfg.Bucket), nil
}

func newS3Archiver(client objectPutter, bucket string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: "transactions"}
}

func (a *S3Archiver) Archive(ctx context.Context, transactionID string, request, response []byte) error {
	for name, body := range map[string][]byte{"request.json": request, "response.json": response} {
		if len(body) == 0 {
			continue
		}
		key := path.Join(a.prefix, transactionID, name)
		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return fmt.Errorf("failed to archive s3://%s/%s: %w", a.bucket, key, err)
		}
	}
	return nil
}
