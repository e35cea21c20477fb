// Package archive stores import source files and reports in S3.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

// Config holds archive configuration
type Config struct {
	Bucket string
	Prefix string
	Region string
	// Endpoint overrides the S3 endpoint, e.g. a local MinIO
	Endpoint string
}

// ObjectPutter is the subset of *s3.Client used here
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver writes objects under one bucket prefix
type Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

// New creates an archiver using the default AWS credential chain
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	opts := s3.Options{
		Region:       awsCfg.Region,
		Credentials:  awsCfg.Credentials,
		HTTPClient:   awsCfg.HTTPClient,
		BaseEndpoint: awsCfg.BaseEndpoint,
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return NewWithClient(s3.New(opts), cfg.Bucket, cfg.Prefix, logger), nil
}

// NewWithClient creates an archiver around an existing client
func NewWithClient(client ObjectPutter, bucket, prefix string, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{client: client, bucket: bucket, prefix: prefix, logger: logger, now: time.Now}
}

// Key returns the object key of name within a run
func (a *Archiver) Key(runID, name string) string {
	return path.Join(strings.TrimPrefix(a.prefix, "/"), a.now().UTC().Format("2006/01/02"), runID, path.Base(name))
}

// Put uploads one private object
func (a *Archiver) Put(ctx context.Context, key, contentType string, data []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		ACL:         types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", a.bucket, key, err)
	}
	a.logger.Info("archived", zap.String("bucket", a.bucket), zap.String("key", key), zap.Int("bytes", len(data)))
	return nil
}

// Run stores the source file of an import and its report as JSON. It
// returns the keys written.
func (a *Archiver) Run(ctx context.Context, runID, fileName string, source []byte, report any) ([]string, error) {
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}

	sourceKey := a.Key(runID, fileName)
	if err := a.Put(ctx, sourceKey, "text/csv", source); err != nil {
		return nil, err
	}
	reportKey := a.Key(runID, strings.TrimSuffix(path.Base(fileName), path.Ext(fileName))+".report.json")
	if err := a.Put(ctx, reportKey, "application/json", body); err != nil {
		return []string{sourceKey}, err
	}
	return []string{sourceKey, reportKey}, nil
}
