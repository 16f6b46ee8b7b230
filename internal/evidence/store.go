// Package evidence publishes content-addressed documents to the shared
// object store: sealed shard payloads for requesters to pick up, and
// approval evidence bundles. Objects are keyed by the SHA-256 of their
// body, so re-publishing identical content is naturally idempotent.
package evidence

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"

	"keyquorum/internal/ledger"
)

const putTimeout = 15 * time.Second

// Config holds the object store connection settings.
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Store is a content-addressed publisher on top of an S3-compatible
// object store.
type Store struct {
	client *minio.Client
	bucket string
	region string
}

// New connects to the object store.
func New(cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object store client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("creating bucket %s: %w", s.bucket, err)
	}
	log.Info().Str("bucket", s.bucket).Msg("object store bucket created")
	return nil
}

// Healthy checks object store connectivity.
func (s *Store) Healthy(ctx context.Context) bool {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err == nil
}

// PublishSealedShare stores the sealed publication and returns its
// content address.
func (s *Store) PublishSealedShare(ctx context.Context, pub *ledger.SealedSharePublication) (string, error) {
	body, err := json.Marshal(pub)
	if err != nil {
		return "", fmt.Errorf("encoding sealed share: %w", err)
	}
	return s.put(ctx, "shards", body)
}

// UploadEvidence stores an approval evidence bundle and returns its
// content address.
func (s *Store) UploadEvidence(ctx context.Context, runID string, bundle []byte) (string, error) {
	ref, err := s.put(ctx, "evidence", bundle)
	if err != nil {
		return "", fmt.Errorf("uploading evidence for run %s: %w", runID, err)
	}
	return ref, nil
}

func (s *Store) put(ctx context.Context, prefix string, body []byte) (string, error) {
	sum := sha256.Sum256(body)
	key := prefix + "/" + hex.EncodeToString(sum[:]) + ".json"

	putCtx, cancel := context.WithTimeout(ctx, putTimeout)
	defer cancel()
	_, err := s.client.PutObject(
		putCtx,
		s.bucket,
		key,
		bytes.NewReader(body),
		int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"},
	)
	if err != nil {
		return "", fmt.Errorf("storing object %s: %w", key, err)
	}
	return fmt.Sprintf("cas://%s/%s", s.bucket, key), nil
}
