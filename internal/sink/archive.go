package sink

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/config"
)

// Archiver keeps a copy of records the sink refused so they can be
// inspected and replayed once the underlying data problem is fixed.
type Archiver interface {
	Archive(ctx context.Context, key string, body []byte) error
}

// NewArchiver picks a backend from config: S3 when a bucket is set, a
// local directory when one is set, nil otherwise (rejections are then
// only logged and counted).
func NewArchiver(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (Archiver, error) {
	switch {
	case cfg.RejectArchiveS3Bucket != "":
		client, err := newS3Client(ctx, cfg.RejectArchiveS3Region, cfg.RejectArchiveS3Endpoint, cfg.RejectArchiveS3PathStyle)
		if err != nil {
			return nil, err
		}
		log.Infow("archiving rejected records to s3", "bucket", cfg.RejectArchiveS3Bucket)
		return &s3Archiver{client: client, bucket: cfg.RejectArchiveS3Bucket}, nil
	case cfg.RejectArchiveDir != "":
		if err := os.MkdirAll(cfg.RejectArchiveDir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create archive dir")
		}
		log.Infow("archiving rejected records to disk", "dir", cfg.RejectArchiveDir)
		return &dirArchiver{dir: cfg.RejectArchiveDir}, nil
	default:
		return nil, nil
	}
}

type dirArchiver struct {
	dir string
}

func (a *dirArchiver) Archive(_ context.Context, key string, body []byte) error {
	path := filepath.Join(a.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create archive subdir")
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return errors.Wrapf(err, "write archive %s", key)
	}
	return nil
}

type s3Archiver struct {
	client *s3.Client
	bucket string
}

func (a *s3Archiver) Archive(ctx context.Context, key string, body []byte) error {
	contentType := "text/plain; charset=utf-8"
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &a.bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: &contentType,
	})
	if err != nil {
		return errors.Wrapf(err, "put s3://%s/%s", a.bucket, key)
	}
	return nil
}

func newS3Client(ctx context.Context, region, endpoint string, pathStyle bool) (*s3.Client, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(func(service, reg string, options ...interface{}) (aws.Endpoint, error) {
		if endpoint != "" {
			return aws.Endpoint{URL: endpoint, HostnameImmutable: true}, nil
		}
		return aws.Endpoint{}, &aws.EndpointNotFoundError{}
	})
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithEndpointResolverWithOptions(resolver),
	)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = pathStyle
	}), nil
}
