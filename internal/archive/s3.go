// Package archive copies raw feed pages to S3-compatible object storage so
// ingestion decisions can be audited and replayed.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/theguild/guild-engine/internal/feed"
)

// Options configures the S3 client.
type Options struct {
	Bucket string
	Prefix string
	Region string

	// Endpoint overrides the AWS endpoint for MinIO, R2 and similar.
	// A scheme-less endpoint gets https://.
	Endpoint       string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
}

// ObjectPutter is the subset of *s3.Client the archiver uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes one JSON object per fetched page.
type S3Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
}

// Page is the archived document.
type Page struct {
	MasterID  string          `json:"master_id"`
	FetchedAt time.Time       `json:"fetched_at"`
	Trades    []feed.RawTrade `json:"trades"`
}

// NewS3Archiver builds an S3 client from opts. Without static keys the
// default AWS credential chain is used.
func NewS3Archiver(ctx context.Context, opts Options) (*S3Archiver, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket is required")
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(withScheme(opts.Endpoint))
		}
		o.UsePathStyle = opts.ForcePathStyle
	})
	return NewWithClient(client, opts.Bucket, opts.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client ObjectPutter, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}
}

// Key returns the object key for a page: prefix/master/YYYY/MM/DD/unixnano.json.
func (a *S3Archiver) Key(masterID string, fetchedAt time.Time) string {
	t := fetchedAt.UTC()
	return path.Join(a.prefix, masterID, t.Format("2006/01/02"), fmt.Sprintf("%d.json", t.UnixNano()))
}

// ArchiveTrades uploads the page.
func (a *S3Archiver) ArchiveTrades(ctx context.Context, masterID string, fetchedAt time.Time, trades []feed.RawTrade) error {
	body, err := json.Marshal(Page{MasterID: masterID, FetchedAt: fetchedAt.UTC(), Trades: trades})
	if err != nil {
		return fmt.Errorf("archive: encode page: %w", err)
	}

	key := a.Key(masterID, fetchedAt)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive: put %s: %w", key, err)
	}
	return nil
}

func withScheme(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	return "https://" + endpoint
}
