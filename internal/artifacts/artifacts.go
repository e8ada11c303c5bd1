// Package artifacts implements artifact registration: redaction,
// content-addressed hashing, deduplication, and the pre-registration
// (upload-pending) flow for artifacts whose bytes arrive out-of-band.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/flightrecorder/core/internal/apperr"
	"github.com/flightrecorder/core/internal/artifactstore"
	"github.com/flightrecorder/core/internal/domain"
	"github.com/flightrecorder/core/internal/redact"
	"github.com/flightrecorder/core/internal/store"
	"github.com/flightrecorder/core/internal/telemetry"
)

// RegisterRequest mirrors the artifact-registration request body: either
// ContentHash alone (the caller uploads bytes directly to the returned
// UploadTarget afterward) or inline content via ContentBase64/ContentText.
type RegisterRequest struct {
	ArtifactType     string
	ByteSize         int64
	MimeType         string
	RedactionProfile string
	ContentHash      string
	ContentBase64    string
	ContentText      *string
	RetentionClass   string
	ContentEncoding  string
	FieldPolicies    map[string]string
}

// UploadTarget tells the caller where to PUT artifact bytes when
// UploadRequired is true.
type UploadTarget struct {
	Bucket    string
	ObjectKey string
}

// RegisterResponse is the outcome of a RegisterArtifact call.
type RegisterResponse struct {
	ArtifactHash   string
	UploadRequired bool
	UploadTarget   UploadTarget
}

// Service registers artifacts, deduplicating by content hash and routing
// payloads through the redaction engine before they reach durable storage.
type Service struct {
	store     store.Store
	blobs     artifactstore.Store
	redaction *redact.Engine
	metrics   *telemetry.Metrics

	blockOnRedactionFailure bool
	defaultBucket           string
}

// New builds an artifact Service. metrics may be nil to disable metric
// recording.
func New(st store.Store, blobs artifactstore.Store, redaction *redact.Engine, blockOnRedactionFailure bool, defaultBucket string, metrics *telemetry.Metrics) *Service {
	return &Service{
		store:                   st,
		blobs:                   blobs,
		redaction:               redaction,
		metrics:                 metrics,
		blockOnRedactionFailure: blockOnRedactionFailure,
		defaultBucket:           defaultBucket,
	}
}

// RegisterArtifact implements the pre-registration and inline-content
// registration paths, deduplicating on content hash either way.
func (s *Service) RegisterArtifact(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	payload := decodePayload(req)

	if payload == nil {
		return s.registerPending(ctx, req)
	}

	result := s.redaction.Apply(payload, req.FieldPolicies, req.MimeType)
	if s.metrics != nil {
		s.metrics.RecordRedaction(result.Status)
	}

	if result.Status == redact.StatusFailed && s.blockOnRedactionFailure {
		hash := sha256Hex(payload)
		if err := s.upsertFailedArtifact(ctx, hash, req, result.BlockedReason); err != nil {
			return RegisterResponse{}, err
		}
		return RegisterResponse{
			ArtifactHash:   hash,
			UploadRequired: false,
			UploadTarget:   UploadTarget{Bucket: s.defaultBucket, ObjectKey: artifactstore.ObjectKey(hash)},
		}, nil
	}

	hash := sha256Hex(result.RedactedBytes)

	existing, err := s.store.GetArtifact(ctx, hash)
	if err != nil {
		return RegisterResponse{}, apperr.Storage("look up existing artifact", err)
	}
	if existing != nil {
		return RegisterResponse{
			ArtifactHash:   existing.ArtifactHash,
			UploadRequired: false,
			UploadTarget:   UploadTarget{Bucket: existing.StorageBucket, ObjectKey: existing.StorageObjectKey},
		}, nil
	}

	stored, err := s.blobs.Store(ctx, hash, result.RedactedBytes)
	if err != nil {
		return RegisterResponse{}, apperr.Storage("store artifact payload", err)
	}
	if s.metrics != nil {
		s.metrics.AddArtifactBytes(int64(len(result.RedactedBytes)))
	}

	status := domain.ArtifactStatusReady
	var blockedReason *string
	if result.Status == redact.StatusBlocked {
		status = domain.ArtifactStatusBlocked
		blockedReason = &result.BlockedReason
	}

	artifact := domain.Artifact{
		ArtifactHash:     hash,
		ArtifactType:     req.ArtifactType,
		ByteSize:         int64(len(result.RedactedBytes)),
		MimeType:         req.MimeType,
		ContentEncoding:  req.ContentEncoding,
		RedactionProfile: req.RedactionProfile,
		StorageBucket:    stored.Bucket,
		StorageObjectKey: stored.ObjectKey,
		CreatedAtUTC:     time.Now(),
		RetentionClass:   req.RetentionClass,
		Status:           status,
		HashAlgorithm:    "sha256",
		BlockedReason:    blockedReason,
	}
	if err := s.store.UpsertArtifact(ctx, artifact); err != nil {
		return RegisterResponse{}, apperr.Storage("persist artifact metadata", err)
	}

	return RegisterResponse{
		ArtifactHash:   hash,
		UploadRequired: false,
		UploadTarget:   UploadTarget{Bucket: stored.Bucket, ObjectKey: stored.ObjectKey},
	}, nil
}

func (s *Service) registerPending(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	if req.ContentHash == "" {
		return RegisterResponse{}, apperr.Validation("content_hash is required when artifact payload is omitted", nil)
	}

	existing, err := s.store.GetArtifact(ctx, req.ContentHash)
	if err != nil {
		return RegisterResponse{}, apperr.Storage("look up existing artifact", err)
	}
	if existing != nil {
		return RegisterResponse{
			ArtifactHash:   existing.ArtifactHash,
			UploadRequired: false,
			UploadTarget:   UploadTarget{Bucket: existing.StorageBucket, ObjectKey: existing.StorageObjectKey},
		}, nil
	}

	objectKey := artifactstore.ObjectKey(req.ContentHash)
	pending := domain.Artifact{
		ArtifactHash:     req.ContentHash,
		ArtifactType:     req.ArtifactType,
		ByteSize:         req.ByteSize,
		MimeType:         req.MimeType,
		ContentEncoding:  req.ContentEncoding,
		RedactionProfile: req.RedactionProfile,
		StorageBucket:    s.defaultBucket,
		StorageObjectKey: objectKey,
		CreatedAtUTC:     time.Now(),
		RetentionClass:   req.RetentionClass,
		Status:           domain.ArtifactStatusPending,
		HashAlgorithm:    "sha256",
	}
	if err := s.store.UpsertArtifact(ctx, pending); err != nil {
		return RegisterResponse{}, apperr.Storage("persist pending artifact", err)
	}

	return RegisterResponse{
		ArtifactHash:   req.ContentHash,
		UploadRequired: true,
		UploadTarget:   UploadTarget{Bucket: s.defaultBucket, ObjectKey: objectKey},
	}, nil
}

func (s *Service) upsertFailedArtifact(ctx context.Context, hash string, req RegisterRequest, blockedReason string) error {
	existing, err := s.store.GetArtifact(ctx, hash)
	if err != nil {
		return apperr.Storage("look up existing artifact", err)
	}
	if existing != nil {
		return nil
	}

	artifact := domain.Artifact{
		ArtifactHash:     hash,
		ArtifactType:     req.ArtifactType,
		ByteSize:         req.ByteSize,
		MimeType:         req.MimeType,
		ContentEncoding:  req.ContentEncoding,
		RedactionProfile: req.RedactionProfile,
		StorageBucket:    s.defaultBucket,
		StorageObjectKey: artifactstore.ObjectKey(hash),
		CreatedAtUTC:     time.Now(),
		RetentionClass:   req.RetentionClass,
		Status:           domain.ArtifactStatusFailed,
		HashAlgorithm:    "sha256",
		BlockedReason:    &blockedReason,
	}
	if err := s.store.UpsertArtifact(ctx, artifact); err != nil {
		return apperr.Storage("persist failed artifact", err)
	}
	return nil
}

// GetArtifactMetadata returns the stored metadata for hash, or nil if it
// has never been registered.
func (s *Service) GetArtifactMetadata(ctx context.Context, hash string) (*domain.Artifact, error) {
	artifact, err := s.store.GetArtifact(ctx, hash)
	if err != nil {
		return nil, apperr.Storage("look up artifact", err)
	}
	return artifact, nil
}

func decodePayload(req RegisterRequest) []byte {
	if req.ContentBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.ContentBase64)
		if err != nil {
			return nil
		}
		return decoded
	}
	if req.ContentText != nil {
		return []byte(*req.ContentText)
	}
	return nil
}

func sha256Hex(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
