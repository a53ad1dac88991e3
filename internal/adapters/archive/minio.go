package archive

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

type MinIOConfig struct {
	Endpoint     string
	Bucket       string
	Region       string
	AccessKey    string
	SecretKey    string
	UseSSL       bool
	MaxRetries   int
	RetryBackoff time.Duration
}

// MinIO stores objects in one bucket of an S3 compatible service.
type MinIO struct {
	client *minio.Client
	cfg    MinIOConfig
}

func NewMinIO(ctx context.Context, cfg MinIOConfig) (*MinIO, error) {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
		log.Info().Str("module", "archive").Str("bucket", cfg.Bucket).Msg("created bucket")
	}
	return &MinIO{client: client, cfg: cfg}, nil
}

func (s *MinIO) newBackoff(ctx context.Context) backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	if s.cfg.RetryBackoff > 0 {
		ebo.InitialInterval = s.cfg.RetryBackoff
	}
	ebo.MaxElapsedTime = time.Minute
	ebo.Reset()
	var b backoff.BackOff = ebo
	if s.cfg.MaxRetries > 0 {
		b = backoff.WithMaxRetries(ebo, uint64(s.cfg.MaxRetries))
	}
	return backoff.WithContext(b, ctx)
}

// Put uploads r under key, retrying with exponential backoff.
func (s *MinIO) Put(ctx context.Context, key string, r io.ReadSeeker, size int64, contentType string) error {
	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			if _, err := r.Seek(0, io.SeekStart); err != nil {
				return backoff.Permanent(fmt.Errorf("rewind %s: %w", key, err))
			}
		}
		info, err := s.client.PutObject(ctx, s.cfg.Bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
		if err != nil {
			log.Debug().Err(err).Str("module", "archive").Str("key", key).Int("attempt", attempt).Msg("put failed")
			return err
		}
		log.Debug().Str("module", "archive").Str("key", key).Int64("size", info.Size).Msg("object uploaded")
		return nil
	}
	if err := backoff.Retry(op, s.newBackoff(ctx)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}
