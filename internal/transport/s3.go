package transport

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alecthomas/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/block/telespool/internal/envelope"
	"github.com/block/telespool/internal/logging"
)

type S3Config struct {
	Endpoint        string `hcl:"endpoint" help:"S3 endpoint URL (e.g., s3.amazonaws.com or localhost:9000)."`
	AccessKeyID     string `hcl:"access-key-id,optional" help:"S3 access key ID (optional, uses the AWS credential chain if not provided)."`
	SecretAccessKey string `hcl:"secret-access-key,optional" help:"S3 secret access key (optional, uses the AWS credential chain if not provided)."`
	Bucket          string `hcl:"bucket" help:"S3 bucket name."`
	Region          string `hcl:"region,optional" help:"S3 region (defaults to us-west-2)."`
	UseSSL          *bool  `hcl:"use-ssl,optional" help:"Use SSL for S3 connections (defaults to true)."`
}

// S3 archives envelopes to an S3-compatible object store instead of an
// ingestion endpoint. Useful as the inner sink when telemetry should be
// retained raw for later replay or offline analysis.
type S3 struct {
	logger *slog.Logger
	config S3Config
	client *minio.Client
}

var _ Sink = (*S3)(nil)

// NewS3 builds an S3 archive sink using the minio SDK.
//
// config.Endpoint and config.Bucket MUST be set. Static credentials are used
// when both key fields are provided; when neither is, the standard AWS
// credential chain (environment, ~/.aws/credentials, instance metadata)
// applies. Providing only one of the two is an ErrInvalidConfig.
func NewS3(ctx context.Context, config S3Config) (*S3, error) {
	if config.Endpoint == "" {
		return nil, errors.Errorf("%w: endpoint is required", ErrInvalidConfig)
	}
	if config.Bucket == "" {
		return nil, errors.Errorf("%w: bucket is required", ErrInvalidConfig)
	}
	if config.Region == "" {
		config.Region = "us-west-2"
	}
	useSSL := true
	if config.UseSSL != nil {
		useSSL = *config.UseSSL
	}

	var creds *credentials.Credentials
	switch {
	case config.AccessKeyID != "" && config.SecretAccessKey != "":
		creds = credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, "")
	case config.AccessKeyID != "" || config.SecretAccessKey != "":
		return nil, errors.Errorf("%w: access-key-id and secret-access-key must be provided together, or neither", ErrInvalidConfig)
	default:
		defaultTransport, err := minio.DefaultTransport(useSSL)
		if err != nil {
			return nil, errors.Errorf("failed to create default transport: %w", err)
		}
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{Client: &http.Client{Transport: defaultTransport}},
		})
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: useSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, errors.Errorf("failed to create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, errors.Errorf("failed to check if bucket exists: %w", err)
	}
	if !exists {
		return nil, errors.Errorf("bucket %s does not exist", config.Bucket)
	}

	logger := logging.FromContext(ctx)
	logger.DebugContext(ctx, "Constructed S3 archive sink",
		"endpoint", config.Endpoint,
		"bucket", config.Bucket,
		"region", config.Region)

	return &S3{logger: logger, config: config, client: client}, nil
}

func (s *S3) String() string {
	return fmt.Sprintf("s3:%s/%s", s.config.Endpoint, s.config.Bucket)
}

// Send archives one envelope. Object names follow the spool-file naming so an
// archived bucket reads like a spool directory.
func (s *S3) Send(ctx context.Context, env *envelope.Envelope) error {
	name := fmt.Sprintf("%d_%s_%d%s", time.Now().UTC().Unix(), env.EventID(), env.ContentHash(), envelopeExt)

	data := env.Bytes()
	_, err := s.client.PutObject(ctx, s.config.Bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/x-sentry-envelope",
	})
	if err != nil {
		if ctx.Err() != nil {
			return errors.WithStack(ctx.Err())
		}
		if isNetworkError(err) {
			return errors.Errorf("failed to archive envelope: %w", errors.Join(ErrNetworkUnreachable, err))
		}
		return errors.Errorf("failed to archive envelope: %w", err)
	}

	s.logger.DebugContext(ctx, "Archived envelope", "object", name)
	return nil
}
