// Package artifactstore provides content-addressed blob storage for
// recorded artifact payloads, with local-disk and S3-compatible backends
// sharing one object key layout.
package artifactstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flightrecorder/core/internal/config"
)

// Stored describes where a payload landed after a successful Store call.
type Stored struct {
	Bucket    string
	ObjectKey string
}

// Store persists artifact payloads keyed by their content hash. Every
// implementation must be idempotent: storing the same hash twice is a
// no-op on the second call.
type Store interface {
	Store(ctx context.Context, artifactHash string, payload []byte) (Stored, error)
	Exists(ctx context.Context, artifactHash string) (bool, error)
	Fetch(ctx context.Context, artifactHash string) ([]byte, error)
}

// ObjectKey returns the two-level hash-prefix layout shared by every
// backend, e.g. "ab/ab12cd...".
func ObjectKey(artifactHash string) string {
	if len(artifactHash) < 2 {
		return artifactHash
	}
	return filepath.Join(artifactHash[:2], artifactHash)
}

// Build constructs the configured backend.
func Build(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.ArtifactStoreMode {
	case "s3":
		return NewS3Store(ctx, cfg)
	case "local", "":
		return NewLocalStore(cfg.ArtifactLocalDir, cfg.ArtifactBucket)
	default:
		return nil, fmt.Errorf("unknown artifact store mode %q", cfg.ArtifactStoreMode)
	}
}

// LocalStore writes artifacts under a base directory on local disk.
type LocalStore struct {
	baseDir string
	bucket  string
}

// NewLocalStore creates baseDir if it does not already exist.
func NewLocalStore(baseDir, bucket string) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &LocalStore{baseDir: baseDir, bucket: bucket}, nil
}

func (s *LocalStore) pathFor(artifactHash string) string {
	return filepath.Join(s.baseDir, ObjectKey(artifactHash))
}

func (s *LocalStore) Store(ctx context.Context, artifactHash string, payload []byte) (Stored, error) {
	path := s.pathFor(artifactHash)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return Stored{}, fmt.Errorf("create artifact shard dir: %w", err)
		}
		if err := os.WriteFile(path, payload, 0o644); err != nil {
			return Stored{}, fmt.Errorf("write artifact: %w", err)
		}
	}
	return Stored{Bucket: s.bucket, ObjectKey: ObjectKey(artifactHash)}, nil
}

func (s *LocalStore) Exists(ctx context.Context, artifactHash string) (bool, error) {
	_, err := os.Stat(s.pathFor(artifactHash))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *LocalStore) Fetch(ctx context.Context, artifactHash string) ([]byte, error) {
	return os.ReadFile(s.pathFor(artifactHash))
}
