package artifacts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightrecorder/core/internal/artifactstore"
	"github.com/flightrecorder/core/internal/domain"
	"github.com/flightrecorder/core/internal/redact"
	"github.com/flightrecorder/core/internal/store"
)

func newTestService(t *testing.T, blockOnFailure bool) *Service {
	t.Helper()
	blobs, err := artifactstore.NewLocalStore(t.TempDir(), "test-bucket")
	require.NoError(t, err)
	return New(store.NewMemoryStore(), blobs, redact.New(nil, nil), blockOnFailure, "test-bucket", nil)
}

func strPtr(s string) *string { return &s }

func TestRegisterArtifact_InlineContent(t *testing.T) {
	ctx := context.Background()

	t.Run("stores new content and returns its hash", func(t *testing.T) {
		svc := newTestService(t, true)
		text := `{"hello":"world"}`

		resp, err := svc.RegisterArtifact(ctx, RegisterRequest{
			ArtifactType: "model_request",
			MimeType:     "application/json",
			ContentText:  strPtr(text),
		})
		require.NoError(t, err)
		assert.False(t, resp.UploadRequired)
		assert.NotEmpty(t, resp.ArtifactHash)

		meta, err := svc.GetArtifactMetadata(ctx, resp.ArtifactHash)
		require.NoError(t, err)
		require.NotNil(t, meta)
		assert.Equal(t, domain.ArtifactStatusReady, meta.Status)
	})

	t.Run("identical content deduplicates to the same hash", func(t *testing.T) {
		svc := newTestService(t, true)
		text := `{"a":1}`

		first, err := svc.RegisterArtifact(ctx, RegisterRequest{MimeType: "application/json", ContentText: strPtr(text)})
		require.NoError(t, err)
		second, err := svc.RegisterArtifact(ctx, RegisterRequest{MimeType: "application/json", ContentText: strPtr(text)})
		require.NoError(t, err)

		assert.Equal(t, first.ArtifactHash, second.ArtifactHash)
	})

	t.Run("a denylisted field blocks the artifact when configured to block", func(t *testing.T) {
		blobs, err := artifactstore.NewLocalStore(t.TempDir(), "test-bucket")
		require.NoError(t, err)
		svc := New(store.NewMemoryStore(), blobs, redact.New([]string{"ssn"}, nil), true, "test-bucket", nil)

		resp, err := svc.RegisterArtifact(ctx, RegisterRequest{
			MimeType:    "application/json",
			ContentText: strPtr(`{"ssn":"123-45-6789"}`),
		})
		require.NoError(t, err)

		meta, err := svc.GetArtifactMetadata(ctx, resp.ArtifactHash)
		require.NoError(t, err)
		require.NotNil(t, meta)
		assert.Equal(t, domain.ArtifactStatusBlocked, meta.Status)
		require.NotNil(t, meta.BlockedReason)
	})
}

func TestRegisterArtifact_Pending(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, true)

	t.Run("requires content_hash when no inline payload is given", func(t *testing.T) {
		_, err := svc.RegisterArtifact(ctx, RegisterRequest{})
		assert.Error(t, err)
	})

	t.Run("registers a pending artifact awaiting out-of-band upload", func(t *testing.T) {
		resp, err := svc.RegisterArtifact(ctx, RegisterRequest{ContentHash: "deadbeef", ByteSize: 1024})
		require.NoError(t, err)
		assert.True(t, resp.UploadRequired)
		assert.Equal(t, "deadbeef", resp.ArtifactHash)
		assert.NotEmpty(t, resp.UploadTarget.ObjectKey)

		meta, err := svc.GetArtifactMetadata(ctx, "deadbeef")
		require.NoError(t, err)
		require.NotNil(t, meta)
		assert.Equal(t, domain.ArtifactStatusPending, meta.Status)
	})
}

func TestGetArtifactMetadata_Unknown(t *testing.T) {
	svc := newTestService(t, true)
	meta, err := svc.GetArtifactMetadata(context.Background(), "unknown-hash")
	require.NoError(t, err)
	assert.Nil(t, meta)
}
