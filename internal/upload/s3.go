package upload

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"oralroom/internal/ports"
)

var errS3Disabled = errors.New("s3 bucket is not configured")

// S3Config configures direct object storage access.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	Expiry          time.Duration
}

// S3Issuer signs upload and prompt URLs locally against an S3 compatible bucket.
type S3Issuer struct {
	bucket  string
	expiry  time.Duration
	presign *s3.PresignClient
	log     zerolog.Logger
}

func NewS3Issuer(ctx context.Context, cfg S3Config, log zerolog.Logger) (*S3Issuer, error) {
	logger := log.With().Str("component", "s3-issuer").Logger()
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errS3Disabled
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = 30 * time.Minute
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	accessKey := strings.TrimSpace(cfg.AccessKeyID)
	secretKey := strings.TrimSpace(cfg.SecretAccessKey)
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info().Str("bucket", bucket).Str("region", cfg.Region).Msg("direct storage mode enabled")
	return &S3Issuer{
		bucket:  bucket,
		expiry:  cfg.Expiry,
		presign: s3.NewPresignClient(client),
		log:     logger,
	}, nil
}

func (s *S3Issuer) UploadURL(ctx context.Context, ref ports.URLRef) (string, error) {
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ResponseObjectKey(ref)),
	}, s3.WithPresignExpires(s.expiry))
	if err != nil {
		return "", fmt.Errorf("presign upload: %w", err)
	}
	return req.URL, nil
}

func (s *S3Issuer) PromptURL(ctx context.Context, ref ports.URLRef) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(PromptObjectKey(ref)),
	}, s3.WithPresignExpires(s.expiry))
	if err != nil {
		return "", fmt.Errorf("presign prompt: %w", err)
	}
	return req.URL, nil
}

// ResponseObjectKey is the object key a question's recording is stored under.
func ResponseObjectKey(ref ports.URLRef) string {
	return fmt.Sprintf("rooms/%s/questions/%d/response", ref.RoomCode, ref.QuestionIndex)
}

// PromptObjectKey is the object key of one prompt's audio.
func PromptObjectKey(ref ports.URLRef) string {
	return fmt.Sprintf("rooms/%s/questions/%d/prompts/%d", ref.RoomCode, ref.QuestionIndex, ref.PromptIndex)
}
