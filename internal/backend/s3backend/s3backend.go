// Package s3backend implements backend.Backend over an S3-compatible
// object store via github.com/aws/aws-sdk-go-v2. Each key maps directly
// to an object under Prefix; S3's per-object PUT/GET are already
// single-key atomic, matching backend.Backend's contract without any
// extra coordination.
package s3backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"acidstore/internal/apierr"
	"acidstore/internal/backend"
)

// Param names understood by Factory.
const (
	ParamBucket   = "bucket"
	ParamPrefix   = "prefix"
	ParamRegion   = "region"
	ParamEndpoint = "endpoint" // for S3-compatible services (MinIO, etc)
)

// Client is the subset of *s3.Client this package calls, so tests can
// substitute a fake without standing up a real S3 endpoint.
type Client interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Backend stores each key as an object named Prefix+key in Bucket.
type Backend struct {
	client Client
	bucket string
	prefix string
}

// New returns a Backend writing to bucket under prefix using an
// already-constructed client.
func New(client Client, bucket, prefix string) *Backend {
	return &Backend{client: client, bucket: bucket, prefix: prefix}
}

// Factory loads the default AWS config chain (environment, shared
// config, IAM role) and adapts it to backend.Factory.
func Factory(params map[string]string, logger *slog.Logger) (backend.Backend, error) {
	bucket, ok := params[ParamBucket]
	if !ok || bucket == "" {
		return nil, apierr.New("s3backend.Factory", apierr.KindInvalidArgument, fmt.Errorf("missing required parameter %q", ParamBucket))
	}

	ctx := context.Background()
	var optFns []func(*awsconfig.LoadOptions) error
	if region := params[ParamRegion]; region != "" {
		optFns = append(optFns, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, apierr.New("s3backend.Factory", apierr.KindBackendUnavailable, err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint := params[ParamEndpoint]; endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return New(client, bucket, params[ParamPrefix]), nil
}

func (b *Backend) objectKey(key string) string { return b.prefix + key }

func (b *Backend) Write(ctx context.Context, key string, value []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
		Body:   bytes.NewReader(value),
	})
	if err != nil {
		return apierr.New("s3backend.Write", apierr.KindBackendUnavailable, err)
	}
	return nil
}

func (b *Backend) Read(ctx context.Context, key string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, apierr.New("s3backend.Read", apierr.KindNotFound, err)
		}
		return nil, apierr.New("s3backend.Read", apierr.KindBackendUnavailable, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, apierr.New("s3backend.Read", apierr.KindIO, err)
	}
	return data, nil
}

func (b *Backend) Remove(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil && !isNotFound(err) {
		return apierr.New("s3backend.Remove", apierr.KindBackendUnavailable, err)
	}
	return nil
}

func (b *Backend) List(ctx context.Context) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(b.prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, apierr.New("s3backend.List", apierr.KindBackendUnavailable, err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), b.prefix))
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return keys, nil
}

func (b *Backend) Close() error { return nil }

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	return false
}
