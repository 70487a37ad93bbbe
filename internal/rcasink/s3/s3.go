// Package s3 archives finished RCAs as JSON objects in an S3 bucket.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/linnemanlabs/arbiter/internal/triage"
)

const (
	keyTimeLayout = "20060102_150405"
	generatedBy   = "arbiter"
)

// Config holds the bucket location. Endpoint is optional and switches to
// path-style addressing for MinIO or LocalStack.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// Sink writes RCAs to {prefix}{incident_id}/{YYYYmmdd_HHMMSS}_rca.json.
type Sink struct {
	client *awss3.Client
	bucket string
	prefix string
}

var _ triage.RCASink = (*Sink)(nil)

// New creates a sink with credentials from the default AWS chain.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("rca bucket is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewWithClient creates a sink around an existing client.
func NewWithClient(client *awss3.Client, bucket, prefix string) *Sink {
	return &Sink{client: client, bucket: bucket, prefix: prefix}
}

// Key returns the object key for an RCA.
func (s *Sink) Key(rca *triage.RCA) string {
	return fmt.Sprintf("%s%s/%s_rca.json", s.prefix, rca.Incident.ID, rca.GeneratedAt.UTC().Format(keyTimeLayout))
}

// PutRCA uploads the RCA with incident and decision metadata.
func (s *Sink) PutRCA(ctx context.Context, rca *triage.RCA) error {
	body, err := json.MarshalIndent(rca, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal rca: %w", err)
	}

	key := s.Key(rca)
	_, err = s.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"incident-id":  rca.Incident.ID,
			"generated-by": generatedBy,
			"decision":     string(rca.Decision.Outcome),
		},
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	return nil
}
