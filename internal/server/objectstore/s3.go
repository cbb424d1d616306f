// Package objectstore stores upload bytes in S3-compatible object storage.
//
// Three buckets are used: uploads land in the upload bucket through a
// presigned POST, infected files are moved to the quarantine bucket, and
// processed copies plus analysis reports live in the processed bucket.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"intake/internal/server/config"
)

// ErrObjectNotFound is returned when the requested key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// Location names one of the store's buckets.
type Location int

const (
	LocationUpload Location = iota
	LocationProcessed
	LocationQuarantine
)

func (l Location) String() string {
	switch l {
	case LocationUpload:
		return "upload"
	case LocationProcessed:
		return "processed"
	case LocationQuarantine:
		return "quarantine"
	default:
		return fmt.Sprintf("location(%d)", int(l))
	}
}

// PresignedPost is a time-limited credential for a direct browser upload.
type PresignedPost struct {
	URL       string            `json:"url"`
	Fields    map[string]string `json:"fields"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// ObjectInfo is the subset of object metadata the workflow needs.
type ObjectInfo struct {
	Size        int64
	ContentType string
}

// S3Store implements the object store over aws-sdk-go-v2.
type S3Store struct {
	client    *s3.Client
	presigner *s3.PresignClient
	buckets   map[Location]string
	expiry    time.Duration
	logger    *slog.Logger
}

// NewS3Store builds an S3 client from configuration. Static credentials are
// used when provided, otherwise the default AWS credential chain applies.
func NewS3Store(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3UsePathStyle
	})

	return &S3Store{
		client:    client,
		presigner: s3.NewPresignClient(client),
		buckets: map[Location]string{
			LocationUpload:     cfg.UploadBucket,
			LocationProcessed:  cfg.ProcessedBucket,
			LocationQuarantine: cfg.QuarantineBucket,
		},
		expiry: cfg.PresignExpiry,
		logger: logger.With("component", "objectstore"),
	}, nil
}

// Bucket returns the bucket name behind a location.
func (s *S3Store) Bucket(loc Location) string {
	return s.buckets[loc]
}

// PresignedPost issues a POST policy scoped to key in the upload bucket.
// The policy pins the Content-Type and caps the body at maxSize bytes.
func (s *S3Store) PresignedPost(ctx context.Context, key, contentType string, maxSize int64) (*PresignedPost, error) {
	expiresAt := time.Now().UTC().Add(s.expiry)

	req, err := s.presigner.PresignPostObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.Bucket(LocationUpload)),
		Key:    aws.String(key),
	}, func(o *s3.PresignPostOptions) {
		o.Expires = s.expiry
		o.Conditions = []interface{}{
			[]interface{}{"content-length-range", 1, maxSize},
			map[string]string{"Content-Type": contentType},
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to presign upload for %s: %w", key, err)
	}

	fields := make(map[string]string, len(req.Values)+1)
	for k, v := range req.Values {
		fields[k] = v
	}
	fields["Content-Type"] = contentType

	return &PresignedPost{URL: req.URL, Fields: fields, ExpiresAt: expiresAt}, nil
}

// Stat returns metadata for key, or ErrObjectNotFound.
func (s *S3Store) Stat(ctx context.Context, loc Location, key string) (*ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket(loc)),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to stat %s/%s: %w", loc, key, err)
	}
	return &ObjectInfo{
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
	}, nil
}

// Download streams the object into w and returns the number of bytes copied.
func (s *S3Store) Download(ctx context.Context, loc Location, key string, w io.Writer) (int64, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket(loc)),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, ErrObjectNotFound
		}
		return 0, fmt.Errorf("failed to download %s/%s: %w", loc, key, err)
	}
	defer out.Body.Close()

	n, err := io.Copy(w, out.Body)
	if err != nil {
		return n, fmt.Errorf("failed to read %s/%s: %w", loc, key, err)
	}
	return n, nil
}

// Put writes body under key.
func (s *S3Store) Put(ctx context.Context, loc Location, key string, body io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.Bucket(loc)),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", loc, key, err)
	}
	s.logger.Debug("object stored", "location", loc, "key", key, "size", size)
	return nil
}

// Copy duplicates key from one location into another under the same key.
func (s *S3Store) Copy(ctx context.Context, from, to Location, key string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.Bucket(to)),
		CopySource: aws.String(s.Bucket(from) + "/" + key),
		Key:        aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return ErrObjectNotFound
		}
		return fmt.Errorf("failed to copy %s/%s to %s: %w", from, key, to, err)
	}
	return nil
}

// Move copies key into `to` and then deletes the source. If the delete fails
// the object exists in both places and the error says so.
func (s *S3Store) Move(ctx context.Context, from, to Location, key string) error {
	if err := s.Copy(ctx, from, to, key); err != nil {
		return err
	}
	if err := s.Delete(ctx, from, key); err != nil {
		return fmt.Errorf("object copied to %s but source not removed: %w", to, err)
	}
	s.logger.Info("object moved", "from", from, "to", to, "key", key)
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *S3Store) Delete(ctx context.Context, loc Location, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket(loc)),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete %s/%s: %w", loc, key, err)
	}
	return nil
}

// Ping checks that the upload bucket is reachable.
func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.Bucket(LocationUpload)),
	})
	if err != nil {
		return fmt.Errorf("upload bucket unreachable: %w", err)
	}
	return nil
}

// EnsureBuckets creates any configured bucket that does not exist yet.
// Intended for local S3-compatible backends.
func (s *S3Store) EnsureBuckets(ctx context.Context) error {
	for _, loc := range []Location{LocationUpload, LocationProcessed, LocationQuarantine} {
		bucket := s.Bucket(loc)
		if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err == nil {
			continue
		}
		if _, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
			var owned *types.BucketAlreadyOwnedByYou
			if errors.As(err, &owned) {
				continue
			}
			return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
		s.logger.Info("bucket created", "bucket", bucket, "location", loc)
	}
	return nil
}

func isNotFound(err error) bool {
	var (
		noKey    *types.NoSuchKey
		notFound *types.NotFound
	)
	return errors.As(err, &noKey) || errors.As(err, &notFound)
}
