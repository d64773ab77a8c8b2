package store

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/home-lang/esmtpd/internal/smtp"
)

// S3Config configures the object-storage client used by S3MessageSink.
// Grounded on the teacher's internal/storage/storage_service.go, which
// builds the same MinIO-compatible client for attachment storage.
type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	// LargeBodyThreshold is the message size (bytes) above which the raw
	// RFC 5322 body is offloaded to S3 instead of stored inline in Postgres.
	LargeBodyThreshold int64
}

// S3MessageSink wraps a PgxMessageSink, adding raw-body offload to S3 for
// messages over LargeBodyThreshold: metadata (headers, sanitized preview,
// size) is still written to Postgres, but the raw bytes live under
// "messages/<id>/raw.eml" and only the storage key is persisted inline.
type S3MessageSink struct {
	inner  *PgxMessageSink
	pool   *pgxpool.Pool
	client *s3.Client
	cfg    S3Config
}

// NewS3MessageSink builds an S3-backed sink around an existing PgxMessageSink.
func NewS3MessageSink(inner *PgxMessageSink, pool *pgxpool.Pool, cfg S3Config) (*S3MessageSink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 sink: %w: bucket", errNotConfigured)
	}
	endpointURL := cfg.Endpoint
	if !strings.HasPrefix(endpointURL, "http://") && !strings.HasPrefix(endpointURL, "https://") {
		protocol := "http"
		if cfg.UseSSL {
			protocol = "https"
		}
		endpointURL = protocol + "://" + endpointURL
	}

	client := s3.New(s3.Options{
		Region: cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		),
		BaseEndpoint: aws.String(endpointURL),
		UsePathStyle: true,
	})

	threshold := cfg.LargeBodyThreshold
	if threshold <= 0 {
		threshold = 10 * 1024 * 1024
	}
	cfg.LargeBodyThreshold = threshold

	return &S3MessageSink{inner: inner, pool: pool, client: client, cfg: cfg}, nil
}

// Submit implements smtp.MessageSink: small bodies go straight through to
// PgxMessageSink. Bodies at or above LargeBodyThreshold are first stored
// through PgxMessageSink, then uploaded to S3; once the upload succeeds the
// row's raw_message column is cleared and storage_key points at the object.
// If the upload or that update fails, the row keeps the raw bytes and an
// error is returned.
func (s *S3MessageSink) Submit(ctx context.Context, env smtp.Envelope, body []byte) (string, error) {
	if int64(len(body)) < s.cfg.LargeBodyThreshold {
		return s.inner.Submit(ctx, env, body)
	}

	id, err := s.inner.Submit(ctx, env, body)
	if err != nil {
		return "", err
	}

	key := fmt.Sprintf("messages/%s/raw.eml", id)
	putCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err = s.client.PutObject(putCtx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return "", fmt.Errorf("%w: s3 upload failed: %v", smtp.ErrRejectedTemporary, err)
	}

	if _, err := s.pool.Exec(ctx,
		`UPDATE messages SET storage_key = $1, raw_message = NULL WHERE id = $2`, key, id,
	); err != nil {
		return "", fmt.Errorf("%w: %v", smtp.ErrRejectedTemporary, err)
	}
	return id, nil
}
