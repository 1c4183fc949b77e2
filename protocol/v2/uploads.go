package v2

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	registry "github.com/wolfeidau/image-registry"
	"github.com/wolfeidau/image-registry/auth"
	"github.com/wolfeidau/image-registry/registrydb"
	"github.com/wolfeidau/image-registry/storage"
	"github.com/wolfeidau/image-registry/telemetry"
)

// handleUploadStart serves POST /v2/<name>/blobs/uploads/. Three shapes
// share the endpoint: cross-repo mount, monolithic single-request push,
// and opening a resumable chunked upload.
func (h *Handler) handleUploadStart(w http.ResponseWriter, r *http.Request, name string) {
	ctx := r.Context()
	telemetry.SetEndpoint(r, "v2.upload.start")
	telemetry.SetRepository(r, name)

	if r.Method != http.MethodPost {
		writeErrorStatus(w, http.StatusMethodNotAllowed, CodeUnsupported, "method not allowed", r.Method)
		return
	}

	claims, ok := h.authorize(w, r, name, auth.ActionPush)
	if !ok {
		return
	}
	if _, ok := h.ensureRepoForWrite(ctx, w, name); !ok {
		return
	}

	q := r.URL.Query()

	if mount, from := q.Get("mount"), q.Get("from"); mount != "" && from != "" {
		if h.tryMount(ctx, w, claims, name, mount, from) {
			return
		}
		// mount failed, fall through and open a regular upload
	}

	if rawDigest := q.Get("digest"); rawDigest != "" {
		h.monolithicUpload(w, r, name, rawDigest)
		return
	}

	cu, err := h.blobs.NewChunkedUpload(ctx, nil)
	if err != nil {
		h.logger.Error("initiating upload", "repository", name, "error", err)
		writeError(w, CodeUnknown, "internal error", nil)
		return
	}

	state, err := cu.State()
	if err != nil {
		h.logger.Error("serializing upload state", "repository", name, "error", err)
		writeError(w, CodeUnknown, "internal error", nil)
		return
	}

	row := &registrydb.Upload{
		UUID:       cu.ID(),
		Repository: name,
		Location:   state.Location,
		DriverMeta: state.DriverMeta,
		HashState:  state.HashState,
		ExpiresAt:  h.now().Add(h.config.UploadTTL),
	}
	if err := h.db.CreateUpload(ctx, row); err != nil {
		h.logger.Error("recording upload", "repository", name, "uuid", row.UUID, "error", err)
		writeError(w, CodeUnknown, "internal error", nil)
		return
	}

	telemetry.RecordUpload(ctx, "started")
	w.Header().Set("Location", uploadLocation(name, row.UUID))
	w.Header().Set(headerUploadUUID, row.UUID)
	w.Header().Set("Range", "bytes=0-0")
	w.WriteHeader(http.StatusAccepted)
}

// tryMount links an existing blob from another repository. It reports
// whether a response was written; a false return means the caller should
// open a regular upload instead.
func (h *Handler) tryMount(ctx context.Context, w http.ResponseWriter, claims *auth.Claims, name, rawDigest, from string) bool {
	dg, err := registry.ParseDigest(rawDigest)
	if err != nil {
		return false
	}
	if !claims.Allows("repository", from, auth.ActionPull) {
		return false
	}
	if _, err := h.db.GetRepoBlob(ctx, from, dg.String()); err != nil {
		return false
	}

	if err := h.db.LinkBlob(ctx, name, dg.String()); err != nil {
		h.logger.Error("mounting blob", "repository", name, "from", from, "digest", dg.String(), "error", err)
		return false
	}

	h.logger.Debug("mounted blob", "repository", name, "from", from, "digest", dg.String())
	telemetry.RecordUpload(ctx, "mounted")
	w.Header().Set("Location", blobLocation(name, dg.String()))
	w.Header().Set(headerContentDigest, dg.String())
	w.WriteHeader(http.StatusCreated)
	return true
}

// monolithicUpload handles the single-request push shape, where the POST
// body carries the entire blob and the digest rides the query string.
func (h *Handler) monolithicUpload(w http.ResponseWriter, r *http.Request, name, rawDigest string) {
	ctx := r.Context()

	dg, err := registry.ParseDigest(rawDigest)
	if err != nil {
		writeError(w, CodeDigestInvalid, "invalid blob digest", rawDigest)
		return
	}

	cu, err := h.blobs.NewChunkedUpload(ctx, nil)
	if err != nil {
		h.logger.Error("initiating upload", "repository", name, "error", err)
		writeError(w, CodeUnknown, "internal error", nil)
		return
	}

	if _, err := cu.Append(ctx, r.Body, r.ContentLength); err != nil {
		_ = cu.Cancel(ctx)
		h.logger.Error("writing blob body", "repository", name, "error", err)
		telemetry.RecordUpload(ctx, "error")
		writeError(w, CodeBlobUploadInvalid, "failed to write blob content", nil)
		return
	}

	if err := cu.Commit(ctx, dg); err != nil {
		_ = cu.Cancel(ctx)
		telemetry.RecordUpload(ctx, "error")
		if errors.Is(err, registry.ErrDigestMismatch) {
			writeError(w, CodeDigestInvalid, "uploaded content does not match digest", dg.String())
			return
		}
		h.logger.Error("committing blob", "repository", name, "digest", dg.String(), "error", err)
		writeError(w, CodeUnknown, "internal error", nil)
		return
	}

	h.finalizeBlob(ctx, w, name, dg, cu.ByteCount(), cu.Location())
}

// handleUpload serves the per-upload endpoints: PATCH appends a chunk,
// PUT finalizes, GET reports progress, DELETE abandons the upload.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request, name, uuid string) {
	ctx := r.Context()
	telemetry.SetEndpoint(r, "v2.upload")
	telemetry.SetRepository(r, name)

	if _, ok := h.authorize(w, r, name, auth.ActionPush); !ok {
		return
	}

	switch r.Method {
	case http.MethodPatch:
		if _, ok := h.ensureRepoForWrite(ctx, w, name); !ok {
			return
		}
		h.patchUpload(w, r, name, uuid)

	case http.MethodPut:
		if _, ok := h.ensureRepoForWrite(ctx, w, name); !ok {
			return
		}
		h.putUpload(w, r, name, uuid)

	case http.MethodGet:
		u, ok := h.loadUpload(ctx, w, name, uuid)
		if !ok {
			return
		}
		writeUploadStatus(w, name, u.UUID, u.ByteCount, http.StatusNoContent)

	case http.MethodDelete:
		h.deleteUpload(w, r, name, uuid)

	default:
		writeErrorStatus(w, http.StatusMethodNotAllowed, CodeUnsupported, "method not allowed", r.Method)
	}
}

func (h *Handler) patchUpload(w http.ResponseWriter, r *http.Request, name, uuid string) {
	ctx := r.Context()

	u, ok := h.loadUpload(ctx, w, name, uuid)
	if !ok {
		return
	}

	start, hasRange, err := parseContentRange(r.Header.Get("Content-Range"))
	if err != nil {
		writeError(w, CodeBlobUploadInvalid, "malformed Content-Range header", r.Header.Get("Content-Range"))
		return
	}
	if !hasRange {
		start = u.ByteCount
	}

	row, err := h.db.BeginAdvance(ctx, uuid, start)
	if err != nil {
		h.writeAdvanceError(w, uuid, err)
		return
	}

	cu, err := h.blobs.ResumeChunkedUpload(uploadStateFromRow(row))
	if err != nil {
		_ = h.db.AbortAdvance(ctx, uuid)
		h.logger.Error("resuming upload", "uuid", uuid, "error", err)
		writeError(w, CodeBlobUploadInvalid, "upload state unavailable", uuid)
		return
	}

	if _, err := cu.Append(ctx, r.Body, r.ContentLength); err != nil {
		_ = h.db.AbortAdvance(ctx, uuid)
		h.logger.Error("appending chunk", "uuid", uuid, "error", err)
		telemetry.RecordUpload(ctx, "error")
		writeError(w, CodeBlobUploadInvalid, "failed to write chunk", nil)
		return
	}

	state, err := cu.State()
	if err != nil {
		_ = h.db.AbortAdvance(ctx, uuid)
		h.logger.Error("serializing upload state", "uuid", uuid, "error", err)
		writeError(w, CodeUnknown, "internal error", nil)
		return
	}
	if err := h.db.CompleteAdvance(ctx, uuid, state.ByteCount, state.HashState, state.DriverMeta); err != nil {
		h.logger.Error("recording chunk", "uuid", uuid, "error", err)
		writeError(w, CodeUnknown, "internal error", nil)
		return
	}

	writeUploadStatus(w, name, uuid, state.ByteCount, http.StatusNoContent)
}

func (h *Handler) putUpload(w http.ResponseWriter, r *http.Request, name, uuid string) {
	ctx := r.Context()

	rawDigest := r.URL.Query().Get("digest")
	dg, err := registry.ParseDigest(rawDigest)
	if err != nil {
		writeError(w, CodeDigestInvalid, "invalid blob digest", rawDigest)
		return
	}

	u, ok := h.loadUpload(ctx, w, name, uuid)
	if !ok {
		return
	}

	row, err := h.db.BeginAdvance(ctx, uuid, u.ByteCount)
	if err != nil {
		h.writeAdvanceError(w, uuid, err)
		return
	}

	cu, err := h.blobs.ResumeChunkedUpload(uploadStateFromRow(row))
	if err != nil {
		_ = h.db.AbortAdvance(ctx, uuid)
		h.logger.Error("resuming upload", "uuid", uuid, "error", err)
		writeError(w, CodeBlobUploadInvalid, "upload state unavailable", uuid)
		return
	}

	// the final chunk may ride along with the finalizing PUT
	if r.ContentLength != 0 {
		if _, err := cu.Append(ctx, r.Body, r.ContentLength); err != nil {
			_ = h.db.AbortAdvance(ctx, uuid)
			h.logger.Error("appending final chunk", "uuid", uuid, "error", err)
			telemetry.RecordUpload(ctx, "error")
			writeError(w, CodeBlobUploadInvalid, "failed to write chunk", nil)
			return
		}
	}

	if err := cu.Commit(ctx, dg); err != nil {
		// the scratch state survives a mismatch, persist progress so the
		// client can retry with the right digest or abandon the upload
		if state, serr := cu.State(); serr == nil {
			_ = h.db.CompleteAdvance(ctx, uuid, state.ByteCount, state.HashState, state.DriverMeta)
		} else {
			_ = h.db.AbortAdvance(ctx, uuid)
		}
		telemetry.RecordUpload(ctx, "error")
		if errors.Is(err, registry.ErrDigestMismatch) {
			writeError(w, CodeDigestInvalid, "uploaded content does not match digest", dg.String())
			return
		}
		h.logger.Error("committing upload", "uuid", uuid, "digest", dg.String(), "error", err)
		writeError(w, CodeUnknown, "internal error", nil)
		return
	}

	if err := h.db.DeleteUpload(ctx, uuid); err != nil {
		h.logger.Warn("removing upload row", "uuid", uuid, "error", err)
	}

	h.finalizeBlob(ctx, w, name, dg, cu.ByteCount(), cu.Location())
}

func (h *Handler) deleteUpload(w http.ResponseWriter, r *http.Request, name, uuid string) {
	ctx := r.Context()

	u, ok := h.loadUpload(ctx, w, name, uuid)
	if !ok {
		return
	}

	if cu, err := h.blobs.ResumeChunkedUpload(uploadStateFromRow(u)); err == nil {
		if err := cu.Cancel(ctx); err != nil {
			h.logger.Warn("cancelling upload scratch state", "uuid", uuid, "error", err)
		}
	}
	if err := h.db.DeleteUpload(ctx, uuid); err != nil && !errors.Is(err, registrydb.ErrNotFound) {
		h.logger.Error("removing upload row", "uuid", uuid, "error", err)
		writeError(w, CodeUnknown, "internal error", nil)
		return
	}

	telemetry.RecordUpload(ctx, "canceled")
	w.WriteHeader(http.StatusNoContent)
}

// finalizeBlob records the committed blob and writes the 201 response.
func (h *Handler) finalizeBlob(ctx context.Context, w http.ResponseWriter, name string, dg registry.Digest, size int64, location string) {
	existed, err := h.db.GetBlob(ctx, dg.String())
	isNew := err != nil || existed == nil

	blob := &registrydb.Blob{
		Digest:     dg.String(),
		Size:       size,
		Placements: []string{location},
	}
	if err := h.db.UpsertBlob(ctx, name, blob); err != nil {
		h.logger.Error("recording blob", "repository", name, "digest", dg.String(), "error", err)
		writeError(w, CodeUnknown, "internal error", nil)
		return
	}

	telemetry.RecordBlobWrite(ctx, size, isNew)
	telemetry.RecordUpload(ctx, "success")

	w.Header().Set("Location", blobLocation(name, dg.String()))
	w.Header().Set(headerContentDigest, dg.String())
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusCreated)
}

// loadUpload fetches an upload row, enforcing that it belongs to the
// repository in the URL.
func (h *Handler) loadUpload(ctx context.Context, w http.ResponseWriter, name, uuid string) (*registrydb.Upload, bool) {
	u, err := h.db.GetUpload(ctx, uuid)
	if err != nil {
		if errors.Is(err, registrydb.ErrNotFound) {
			writeError(w, CodeBlobUploadUnknown, "blob upload unknown to registry", uuid)
			return nil, false
		}
		h.logger.Error("loading upload", "uuid", uuid, "error", err)
		writeError(w, CodeUnknown, "internal error", nil)
		return nil, false
	}
	if u.Repository != name {
		writeError(w, CodeBlobUploadUnknown, "blob upload unknown to registry", uuid)
		return nil, false
	}
	return u, true
}

func (h *Handler) writeAdvanceError(w http.ResponseWriter, uuid string, err error) {
	switch {
	case errors.Is(err, registrydb.ErrNotFound):
		writeError(w, CodeBlobUploadUnknown, "blob upload unknown to registry", uuid)
	case errors.Is(err, registrydb.ErrUploadBusy):
		writeErrorStatus(w, http.StatusConflict, CodeBlobUploadInvalid, "another chunk is in flight", uuid)
	case errors.Is(err, registrydb.ErrRangeConflict):
		writeErrorStatus(w, http.StatusRequestedRangeNotSatisfiable, CodeBlobUploadInvalid, "chunk offset does not match upload progress", uuid)
	default:
		h.logger.Error("claiming upload", "uuid", uuid, "error", err)
		writeError(w, CodeUnknown, "internal error", nil)
	}
}

func uploadStateFromRow(u *registrydb.Upload) storage.UploadState {
	return storage.UploadState{
		ID:         u.UUID,
		Location:   u.Location,
		DriverMeta: u.DriverMeta,
		HashState:  u.HashState,
		ByteCount:  u.ByteCount,
	}
}

// parseContentRange parses the "start-end" form used by chunked pushes.
func parseContentRange(header string) (start int64, ok bool, err error) {
	if header == "" {
		return 0, false, nil
	}
	first, _, found := strings.Cut(header, "-")
	if !found {
		return 0, false, fmt.Errorf("missing range separator in %q", header)
	}
	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return 0, false, fmt.Errorf("bad range start in %q", header)
	}
	return start, true, nil
}

func writeUploadStatus(w http.ResponseWriter, name, uuid string, byteCount int64, status int) {
	w.Header().Set("Location", uploadLocation(name, uuid))
	w.Header().Set(headerUploadUUID, uuid)
	w.Header().Set("Range", fmt.Sprintf("bytes=0-%d", byteCount))
	w.WriteHeader(status)
}

func uploadLocation(name, uuid string) string {
	return fmt.Sprintf("/v2/%s/blobs/uploads/%s", name, uuid)
}
