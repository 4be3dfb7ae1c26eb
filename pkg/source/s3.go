package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/lwm2mcore/pkgdwl/pkg/downloader"
	"github.com/lwm2mcore/pkgdwl/pkg/errors"
)

// S3Source fetches a package stored in S3 using ranged GetObject calls.
type S3Source struct {
	region    string
	anonymous bool
	status    *Status
	s3Client  *s3.Client

	bucket string
	key    string
	size   uint64
	stream rangeStream
}

// NewS3Source creates an S3 source. The AWS client is created on first Init.
func NewS3Source(region string, anonymous bool, status *Status) *S3Source {
	s := &S3Source{region: region, anonymous: anonymous, status: status}
	s.stream.open = s.openAt
	return s
}

// ParseS3URI splits s3://bucket/key.
func ParseS3URI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", errors.Wrap(err, "invalid package uri")
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("not an s3 uri: %q", uri)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("s3 uri without key: %q", uri)
	}
	return u.Host, key, nil
}

// Init resolves the bucket and key and loads the AWS configuration.
func (c *S3Source) Init(ctx context.Context, uri string) error {
	bucket, key, err := ParseS3URI(uri)
	if err != nil {
		return err
	}
	c.stream.close()
	c.bucket, c.key, c.size = bucket, key, 0

	if c.s3Client == nil {
		slog.Info("s3_client_init", "bucket", bucket, "region", c.region, "anonymous", c.anonymous)

		opts := []func(*config.LoadOptions) error{config.WithRegion(c.region)}
		if c.anonymous {
			opts = append(opts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
		}
		cfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			slog.Error("aws_config_load_failed", "error", err)
			return errors.Wrap(err, "failed to load AWS config")
		}
		c.s3Client = s3.NewFromConfig(cfg)
	}
	return nil
}

// Info reads the object size with HeadObject.
func (c *S3Source) Info(ctx context.Context) (downloader.PackageInfo, error) {
	out, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key),
	})
	if err != nil {
		slog.Error("s3_head_object_failed", "bucket", c.bucket, "s3_key", c.key, "error", err)
		return downloader.PackageInfo{}, errors.Wrap(err, "failed to head object")
	}
	size := aws.ToInt64(out.ContentLength)
	if size < 0 {
		return downloader.PackageInfo{}, fmt.Errorf("s3 object %s has no content length", c.key)
	}
	c.size = uint64(size)
	slog.Info("s3_object_info", "bucket", c.bucket, "s3_key", c.key, "size", c.size)
	return downloader.PackageInfo{Size: c.size}, nil
}

// FetchRange reads bytes starting at offset.
func (c *S3Source) FetchRange(ctx context.Context, buf []byte, offset uint64) (int, error) {
	if err := c.status.Check(); err != nil {
		c.stream.close()
		return 0, err
	}
	return c.stream.read(ctx, buf, offset)
}

// End closes any open object body.
func (c *S3Source) End(ctx context.Context) error {
	c.stream.close()
	return nil
}

func (c *S3Source) openAt(ctx context.Context, offset uint64) (io.ReadCloser, error) {
	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-", offset)),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "s3_key", c.key, "offset", offset, "error", err)
		return nil, errors.Wrap(err, "failed to get object from S3")
	}
	slog.Debug("s3_range_open", "s3_key", c.key, "offset", offset)
	return result.Body, nil
}
