package exportstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config configures an S3Store against an S3-compatible endpoint such as
// Cloudflare R2 or MinIO.
type S3Config struct {
	Bucket          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Store keeps packs at users/<account>/<id>.zip in a bucket.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store creates an S3Store with a path-style, static-credential client.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, errors.New("access key ID and secret access key are required")
	}
	if cfg.Region == "" {
		cfg.Region = "auto"
	}

	client := s3.New(s3.Options{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		BaseEndpoint:               aws.String(cfg.Endpoint),
		UsePathStyle:               true,
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	})
	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads a pack.
func (s *S3Store) Put(ctx context.Context, accountID, id string, data []byte) error {
	if err := checkIDs(accountID, id); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey(accountID, id)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/zip"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload export: %w", err)
	}
	return nil
}

// Get downloads a pack.
func (s *S3Store) Get(ctx context.Context, accountID, id string) ([]byte, error) {
	if err := checkIDs(accountID, id); err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(accountID, id)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to download export: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read export: %w", err)
	}
	return data, nil
}

// List returns the account's packs, newest first.
func (s *S3Store) List(ctx context.Context, accountID string) ([]Object, error) {
	if !ValidAccountID(accountID) {
		return nil, ErrInvalidID
	}
	objs := []Object{}
	err := s.eachObject(ctx, accountID, func(obj types.Object) {
		key := aws.ToString(obj.Key)
		id, ok := strings.CutSuffix(strings.TrimPrefix(key, accountPrefix(accountID)), ".zip")
		if !ok || !ValidID(id) {
			return
		}
		o := Object{ID: id, Size: aws.ToInt64(obj.Size)}
		if obj.LastModified != nil {
			o.ModifiedAt = obj.LastModified.UTC()
		}
		objs = append(objs, o)
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(objs)
	return objs, nil
}

// DeleteAccount deletes every object under the account prefix.
func (s *S3Store) DeleteAccount(ctx context.Context, accountID string) error {
	if !ValidAccountID(accountID) {
		return ErrInvalidID
	}
	var keys []string
	if err := s.eachObject(ctx, accountID, func(obj types.Object) {
		keys = append(keys, aws.ToString(obj.Key))
	}); err != nil {
		return err
	}
	for _, key := range keys {
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}); err != nil {
			return fmt.Errorf("failed to delete export: %w", err)
		}
	}
	return nil
}

func (s *S3Store) eachObject(ctx context.Context, accountID string, fn func(types.Object)) error {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(accountPrefix(accountID)),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list exports: %w", err)
		}
		for _, obj := range page.Contents {
			fn(obj)
		}
	}
	return nil
}
