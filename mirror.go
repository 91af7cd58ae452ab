package gdwhisper

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// MirrorOption configures copying retrieved files to Amazon S3.
type MirrorOption struct {
	S3Bucket string `name:"s3-bucket" help:"mirror retrieved files to this S3 bucket" env:"GDWHISPER_MIRROR_S3_BUCKET"`
	S3Prefix string `name:"s3-prefix" help:"object key prefix for mirrored files" default:"subtitles/" env:"GDWHISPER_MIRROR_S3_PREFIX"`
}

// Enabled reports whether a bucket is configured.
func (o MirrorOption) Enabled() bool {
	return o.S3Bucket != ""
}

// Mirror stores a copy of a retrieved file somewhere else.
type Mirror interface {
	// Mirror copies the file at localPath and returns the URI of the copy.
	Mirror(ctx context.Context, localPath string, res *RemoteResource) (string, error)
}

// S3Client is the subset of the S3 API used by [S3Mirror].
// This is satisfied by *s3.Client.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Mirror uploads retrieved files to Amazon S3.
type S3Mirror struct {
	client S3Client
	bucket string
	prefix string
}

// NewS3Mirror creates a new S3Mirror with the given AWS config.
func NewS3Mirror(cfg aws.Config, opt MirrorOption) *S3Mirror {
	return NewS3MirrorWithClient(s3.NewFromConfig(cfg), opt)
}

// NewS3MirrorWithClient creates a new S3Mirror using client.
func NewS3MirrorWithClient(client S3Client, opt MirrorOption) *S3Mirror {
	return &S3Mirror{
		client: client,
		bucket: opt.S3Bucket,
		prefix: opt.S3Prefix,
	}
}

// ObjectKey returns the key a resource is stored under.
func (m *S3Mirror) ObjectKey(res *RemoteResource) string {
	name := strings.TrimLeft(path.Clean("/"+res.Name), "/")
	if m.prefix == "" {
		return name
	}
	return strings.TrimSuffix(m.prefix, "/") + "/" + name
}

func (m *S3Mirror) Mirror(ctx context.Context, localPath string, res *RemoteResource) (string, error) {
	fp, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer fp.Close()
	stat, err := fp.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", localPath, err)
	}
	key := m.ObjectKey(res)
	input := &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(key),
		Body:          fp,
		ContentLength: aws.Int64(stat.Size()),
	}
	if contentType := contentTypeOf(res.Name); contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := m.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("upload to s3://%s/%s: %w", m.bucket, key, err)
	}
	return fmt.Sprintf("s3://%s/%s", m.bucket, key), nil
}
