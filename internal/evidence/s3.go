package evidence

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"armguard/internal/pipeline"
)

// S3Config holds configuration for the S3 evidence store
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	ForcePathStyle  bool
	AccessKeyID     string
	SecretAccessKey string
}

// S3Store uploads evidence frames to a bucket
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
	logger zerolog.Logger
}

// NewS3Store builds a client from the default AWS credential chain, or from
// static keys when they are configured
func NewS3Store(ctx context.Context, cfg S3Config, logger zerolog.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger.With().Str("component", "evidence").Str("bucket", cfg.Bucket).Logger(),
	}, nil
}

// Put implements pipeline.EvidenceStore. The reference is an s3:// URL.
func (s *S3Store) Put(ctx context.Context, frame *pipeline.FrameData) (string, error) {
	key := ObjectKey(s.prefix, frame)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(frame.Data),
		ContentType: aws.String("image/jpeg"),
		Metadata: map[string]string{
			"camera-id": frame.CameraID,
			"frame-seq": fmt.Sprintf("%d", frame.Seq),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload evidence: %w", err)
	}

	s.logger.Debug().Str("camera_id", frame.CameraID).Str("key", key).Int("bytes", len(frame.Data)).Msg("evidence uploaded")
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

var _ pipeline.EvidenceStore = (*S3Store)(nil)
