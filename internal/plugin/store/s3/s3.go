// Package s3 registers the "s3" datastore: the document store of package file
// kept in an S3 bucket.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/charmbracelet/log"
	"github.com/pensieve-mcp/pensieve/internal/config"
	"github.com/pensieve-mcp/pensieve/internal/plugin/store/file"
	registrycache "github.com/pensieve-mcp/pensieve/internal/registry/cache"
	registrystore "github.com/pensieve-mcp/pensieve/internal/registry/store"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name:   "s3",
		Loader: load,
	})
}

func load(ctx context.Context) (registrystore.Store, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 store: PENSIEVE_S3_BUCKET is required")
	}
	bucket, err := NewBucket(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.S3UsePathStyle)
	if err != nil {
		return nil, err
	}
	log.Info("Using s3 datastore", "bucket", cfg.S3Bucket, "prefix", bucket.prefix)
	return file.New(bucket, file.Options{
		Cache:       registrycache.ConversationCacheFromContext(ctx),
		LegacyOwner: cfg.MCPOwner,
	}), nil
}

// Bucket implements file.Bucket over S3 objects.
type Bucket struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewBucket loads the default AWS config (env, shared files, instance role).
func NewBucket(ctx context.Context, bucket, prefix string, usePathStyle bool) (*Bucket, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
	)
	if err != nil {
		return nil, fmt.Errorf("s3 store: load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
	})
	return &Bucket{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(strings.TrimSpace(prefix), "/"),
	}, nil
}

func (b *Bucket) objectKey(key string) string {
	if b.prefix != "" {
		return b.prefix + "/" + key
	}
	return key
}

func (b *Bucket) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, file.ErrNotExist
		}
		return nil, fmt.Errorf("s3 store: get object: %w", err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (b *Bucket) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.objectKey(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 store: put object: %w", err)
	}
	return nil
}

// Delete issues a HEAD first since S3 deletes succeed for missing keys.
func (b *Bucket) Delete(ctx context.Context, key string) (bool, error) {
	objectKey := b.objectKey(key)
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("s3 store: head object: %w", err)
	}
	if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectKey),
	}); err != nil {
		return false, fmt.Errorf("s3 store: delete object: %w", err)
	}
	return true, nil
}

func (b *Bucket) List(ctx context.Context, prefix string) ([]string, error) {
	listPrefix := b.objectKey(strings.TrimSuffix(prefix, "/") + "/")
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(listPrefix),
		Delimiter: aws.String("/"),
	})
	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 store: list objects: %w", err)
		}
		for _, obj := range page.Contents {
			k := aws.ToString(obj.Key)
			if b.prefix != "" {
				k = strings.TrimPrefix(k, b.prefix+"/")
			}
			keys = append(keys, k)
		}
	}
	return keys, nil
}

var _ file.Bucket = (*Bucket)(nil)
