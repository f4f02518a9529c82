package objectstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awshttp "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/discloser/internal/interfaces"
)

// S3Store is an S3-backed ObjectStore. Object tags carry the lifecycle
// metadata SetMetadata updates (status, attempt); conditional writes are
// emulated with a read-compare-PutObjectTagging sequence, since S3's own
// If-Match precondition support is per-object-version, not per-tag-set.
type S3Store struct {
	client *awshttp.Client
	bucket string
	logger arbor.ILogger
}

// NewS3Store creates an S3Store for bucket, optionally pointed at a custom
// endpoint (S3-compatible stores) and region.
func NewS3Store(ctx context.Context, bucket, region, endpoint string, logger arbor.ILogger) (*S3Store, error) {
	var optFns []func(*config.LoadOptions) error
	if region != "" {
		optFns = append(optFns, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := awshttp.NewFromConfig(cfg, func(o *awshttp.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{client: client, bucket: bucket, logger: logger}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, tags map[string]string) (interfaces.ObjectMetadata, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return interfaces.ObjectMetadata{}, fmt.Errorf("%w: read object body: %v", interfaces.ErrTransientIO, err)
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	_, err = s.client.PutObject(ctx, &awshttp.PutObjectInput{
		Bucket:  aws.String(s.bucket),
		Key:     aws.String(key),
		Body:    bytes.NewReader(data),
		Tagging: aws.String(encodeTagging(tags)),
		Metadata: map[string]string{
			"content-hash": hash,
		},
	})
	if err != nil {
		return interfaces.ObjectMetadata{}, classifyS3Error(err, key)
	}

	now := time.Now()
	return interfaces.ObjectMetadata{
		Key:         key,
		ETag:        hash,
		Size:        int64(len(data)),
		ContentHash: hash,
		Tags:        tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, interfaces.ObjectMetadata, error) {
	out, err := s.client.GetObject(ctx, &awshttp.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, interfaces.ObjectMetadata{}, classifyS3Error(err, key)
	}
	meta := metaFromHead(key, out.Metadata, out.ContentLength, out.LastModified)
	tags, err := s.getTags(ctx, key)
	if err == nil {
		meta.Tags = tags
	}
	return out.Body, meta, nil
}

func (s *S3Store) Head(ctx context.Context, key string) (interfaces.ObjectMetadata, error) {
	out, err := s.client.HeadObject(ctx, &awshttp.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return interfaces.ObjectMetadata{}, classifyS3Error(err, key)
	}
	meta := metaFromHead(key, out.Metadata, out.ContentLength, out.LastModified)
	tags, err := s.getTags(ctx, key)
	if err == nil {
		meta.Tags = tags
	}
	return meta, nil
}

// SetMetadata emulates a conditional tag update: it re-reads the object's
// content hash (its stand-in ETag) and only applies the new tag set if it
// still matches expectedETag.
func (s *S3Store) SetMetadata(ctx context.Context, key string, expectedETag string, tags map[string]string) (interfaces.ObjectMetadata, error) {
	current, err := s.Head(ctx, key)
	if err != nil {
		return interfaces.ObjectMetadata{}, err
	}
	if current.ContentHash != expectedETag {
		return interfaces.ObjectMetadata{}, interfaces.ErrConcurrentUpdate
	}

	_, err = s.client.PutObjectTagging(ctx, &awshttp.PutObjectTaggingInput{
		Bucket:  aws.String(s.bucket),
		Key:     aws.String(key),
		Tagging: &types.Tagging{TagSet: tagSetFromMap(tags)},
	})
	if err != nil {
		return interfaces.ObjectMetadata{}, classifyS3Error(err, key)
	}
	current.Tags = tags
	current.UpdatedAt = time.Now()
	return current, nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]interfaces.ObjectMetadata, error) {
	var out []interfaces.ObjectMetadata
	paginator := awshttp.NewListObjectsV2Paginator(s.client, &awshttp.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classifyS3Error(err, prefix)
		}
		for _, obj := range page.Contents {
			out = append(out, interfaces.ObjectMetadata{
				Key:       aws.ToString(obj.Key),
				Size:      aws.ToInt64(obj.Size),
				UpdatedAt: aws.ToTime(obj.LastModified),
			})
		}
	}
	return out, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &awshttp.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return classifyS3Error(err, key)
	}
	return nil
}

func (s *S3Store) getTags(ctx context.Context, key string) (map[string]string, error) {
	out, err := s.client.GetObjectTagging(ctx, &awshttp.GetObjectTaggingInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	tags := make(map[string]string, len(out.TagSet))
	for _, t := range out.TagSet {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return tags, nil
}

func metaFromHead(key string, metadata map[string]string, size *int64, lastModified *time.Time) interfaces.ObjectMetadata {
	hash := metadata["content-hash"]
	var sz int64
	if size != nil {
		sz = *size
	}
	var updated time.Time
	if lastModified != nil {
		updated = *lastModified
	}
	return interfaces.ObjectMetadata{
		Key:         key,
		ETag:        hash,
		ContentHash: hash,
		Size:        sz,
		UpdatedAt:   updated,
	}
}

func encodeTagging(tags map[string]string) string {
	s := ""
	i := 0
	for k, v := range tags {
		if i > 0 {
			s += "&"
		}
		s += k + "=" + v
		i++
	}
	return s
}

func tagSetFromMap(tags map[string]string) []types.Tag {
	out := make([]types.Tag, 0, len(tags))
	for k, v := range tags {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return out
}

func classifyS3Error(err error, key string) error {
	var nf *types.NoSuchKey
	if errors.As(err, &nf) {
		return interfaces.ErrNotFound
	}
	var nb *types.NoSuchBucket
	if errors.As(err, &nb) {
		return fmt.Errorf("%w: bucket missing for %s: %v", interfaces.ErrPermanentIO, key, err)
	}
	return fmt.Errorf("%w: s3 operation on %s: %v", interfaces.ErrTransientIO, key, err)
}

var _ interfaces.ObjectStore = (*S3Store)(nil)
