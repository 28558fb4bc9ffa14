package archive

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// PGNSink receives the PGN of every newly archived game.
type PGNSink interface {
	PutPGN(ctx context.Context, matchID, pgn string) error
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) PutPGN(context.Context, string, string) error { return nil }

// S3Config addresses an S3-compatible bucket. Endpoint is optional for AWS proper.
type S3Config struct {
	Bucket          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Sink uploads PGN files as pgn/{matchID}.pgn.
type S3Sink struct {
	client *s3.Client
	bucket string
}

func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("pgn bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load s3 config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Sink{client: client, bucket: cfg.Bucket}, nil
}

func pgnObjectKey(matchID string) string { return "pgn/" + matchID + ".pgn" }

func (s *S3Sink) PutPGN(ctx context.Context, matchID, pgn string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(pgnObjectKey(matchID)),
		Body:        strings.NewReader(pgn),
		ContentType: aws.String("application/x-chess-pgn"),
	})
	if err != nil {
		return fmt.Errorf("upload pgn %s: %w", matchID, err)
	}
	return nil
}
