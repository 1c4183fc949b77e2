package gc

import (
	"context"
	"fmt"

	registry "github.com/wolfeidau/image-registry"
	"github.com/wolfeidau/image-registry/storage"
	"github.com/wolfeidau/image-registry/telemetry"
)

// phaseExpiredUploads cancels chunked uploads that outlived their TTL and
// removes their rows.
func (m *Manager) phaseExpiredUploads(ctx context.Context, result *Result) {
	start := m.now()
	deleted := 0
	defer func() { telemetry.RecordGCPhase(ctx, "uploads", deleted, m.now().Sub(start)) }()

	m.logger.Debug("phase: expired uploads")

	uploads, err := m.db.ListExpiredUploads(ctx, m.now(), m.config.BatchSize)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list expired uploads: %v", err))
		m.logger.Error("failed to list expired uploads", "error", err)
		return
	}

	for _, u := range uploads {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// best effort, the driver may have reaped the transient already
		cu, rerr := m.blobs.ResumeChunkedUpload(storage.UploadState{
			ID:         u.UUID,
			Location:   u.Location,
			DriverMeta: u.DriverMeta,
			HashState:  u.HashState,
			ByteCount:  u.ByteCount,
		})
		if rerr == nil {
			if cerr := cu.Cancel(ctx); cerr != nil {
				m.logger.Debug("cancelling expired upload", "uuid", u.UUID, "error", cerr)
			}
		}

		if err := m.db.DeleteUpload(ctx, u.UUID); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete upload %s: %v", u.UUID, err))
			m.logger.Error("failed to delete expired upload", "uuid", u.UUID, "error", err)
			continue
		}

		deleted++
		result.UploadsReaped++
		m.logger.Debug("reaped expired upload",
			"uuid", u.UUID,
			"repository", u.Repository,
			"expired_at", u.ExpiresAt,
		)
	}
}

// phaseExpiredTags closes live tags whose expiration timestamp passed.
func (m *Manager) phaseExpiredTags(ctx context.Context, result *Result) {
	start := m.now()
	closed := 0
	defer func() { telemetry.RecordGCPhase(ctx, "tags", closed, m.now().Sub(start)) }()

	m.logger.Debug("phase: expired tags")

	n, err := m.db.ReapExpiredTags(ctx, m.now(), m.config.BatchSize)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("reap expired tags: %v", err))
		m.logger.Error("failed to reap expired tags", "error", err)
		return
	}

	closed = n
	result.TagsExpired += n
	if n > 0 {
		m.logger.Info("expired tags closed", "count", n)
	}
}

// phaseDetachedManifests purges manifest edges detached longer than the
// grace window, releasing their blob references.
func (m *Manager) phaseDetachedManifests(ctx context.Context, result *Result) {
	start := m.now()
	purged := 0
	defer func() { telemetry.RecordGCPhase(ctx, "manifests", purged, m.now().Sub(start)) }()

	m.logger.Debug("phase: detached manifests")

	cutoff := m.now().Add(-m.config.ManifestGrace)
	detached, err := m.db.ListDetachedManifests(ctx, cutoff, m.config.BatchSize)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list detached manifests: %v", err))
		m.logger.Error("failed to list detached manifests", "error", err)
		return
	}

	for _, dm := range detached {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := m.db.PurgeDetachedManifest(ctx, dm.Repository, dm.Digest); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("purge manifest %s@%s: %v", dm.Repository, dm.Digest, err))
			m.logger.Error("failed to purge detached manifest",
				"repository", dm.Repository,
				"digest", dm.Digest,
				"error", err,
			)
			continue
		}

		purged++
		result.ManifestsPurged++
		m.logger.Debug("purged detached manifest",
			"repository", dm.Repository,
			"digest", dm.Digest,
			"detached_at", dm.DetachedAt,
		)
	}
}

// phaseOrphanDerived removes derived artifacts whose source manifest is
// gone, deleting the stored bytes alongside the row, and releases
// uploading claims old enough that their build must have crashed.
func (m *Manager) phaseOrphanDerived(ctx context.Context, result *Result) {
	start := m.now()
	cleaned := 0
	defer func() { telemetry.RecordGCPhase(ctx, "derived", cleaned, m.now().Sub(start)) }()

	m.logger.Debug("phase: orphan derived artifacts")

	orphans, err := m.db.ListOrphanDerived(ctx, m.config.BatchSize)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list orphan derived: %v", err))
		m.logger.Error("failed to list orphan derived artifacts", "error", err)
		return
	}

	for _, row := range orphans {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if srcDigest, perr := registry.ParseDigest(row.SourceManifestDigest); perr == nil {
			path := storage.DerivedPath(srcDigest, row.Verb, row.MetadataHash)
			if derr := m.blobs.Delete(ctx, nil, path); derr != nil {
				m.logger.Debug("deleting orphan derived bytes",
					"digest", row.SourceManifestDigest,
					"verb", row.Verb,
					"error", derr,
				)
			}
		}

		if err := m.db.DeleteDerived(ctx, row.SourceManifestDigest, row.Verb, row.MetadataHash); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete derived %s/%s: %v", row.SourceManifestDigest, row.Verb, err))
			continue
		}

		cleaned++
		result.DerivedCleaned++
		result.BytesReclaimed += row.Size
	}

	// Claims whose builds crashed never flip off Uploading, and every
	// later identical request waits on them until its poll budget runs
	// out. Releasing the claim makes the artifact buildable again.
	stale, err := m.db.ListStaleDerivedBuilds(ctx, m.now().Add(-m.config.DerivedBuildGrace), m.config.BatchSize)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list stale derived builds: %v", err))
		m.logger.Error("failed to list stale derived builds", "error", err)
		return
	}

	for _, row := range stale {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// the crash may have landed bytes without completing the row
		if srcDigest, perr := registry.ParseDigest(row.SourceManifestDigest); perr == nil {
			path := storage.DerivedPath(srcDigest, row.Verb, row.MetadataHash)
			if derr := m.blobs.Delete(ctx, nil, path); derr != nil {
				m.logger.Debug("deleting stale build bytes",
					"digest", row.SourceManifestDigest,
					"verb", row.Verb,
					"error", derr,
				)
			}
		}

		if err := m.db.DeleteDerived(ctx, row.SourceManifestDigest, row.Verb, row.MetadataHash); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("release stale build %s/%s: %v", row.SourceManifestDigest, row.Verb, err))
			continue
		}

		cleaned++
		result.DerivedCleaned++
		m.logger.Info("released stale derived build claim",
			"digest", row.SourceManifestDigest,
			"verb", row.Verb,
			"claimed_at", row.CreatedAt,
		)
	}
}

// phaseUnreferencedBlobs deletes blob rows and bytes once nothing has
// referenced them for the grace window.
func (m *Manager) phaseUnreferencedBlobs(ctx context.Context, result *Result) {
	start := m.now()
	deleted := 0
	defer func() { telemetry.RecordGCPhase(ctx, "blobs", deleted, m.now().Sub(start)) }()

	m.logger.Debug("phase: unreferenced blobs")

	cutoff := m.now().Add(-m.config.BlobGrace)
	blobs, err := m.db.ListUnreferencedBlobs(ctx, cutoff, m.config.BatchSize)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list unreferenced blobs: %v", err))
		m.logger.Error("failed to list unreferenced blobs", "error", err)
		return
	}

	for _, blob := range blobs {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := m.deleteBlob(ctx, blob.Digest, blob.Placements); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete blob %s: %v", blob.Digest, err))
			m.logger.Error("failed to delete unreferenced blob", "digest", blob.Digest, "error", err)
			continue
		}

		deleted++
		result.BlobsDeleted++
		result.BytesReclaimed += blob.Size
		m.logger.Debug("deleted unreferenced blob", "digest", blob.Digest, "size", blob.Size)
	}
}

// deleteBlob removes a blob's bytes from every placement, then its row.
// The row goes last so a failed storage delete is retried next run.
func (m *Manager) deleteBlob(ctx context.Context, digest string, placements []string) error {
	dg, err := registry.ParseDigest(digest)
	if err != nil {
		return fmt.Errorf("parse digest: %w", err)
	}

	if err := m.blobs.Delete(ctx, placements, storage.BlobPath(dg)); err != nil {
		return fmt.Errorf("delete from storage: %w", err)
	}

	return m.db.DeleteBlob(ctx, digest)
}
