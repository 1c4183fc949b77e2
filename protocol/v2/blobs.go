package v2

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	registry "github.com/wolfeidau/image-registry"
	"github.com/wolfeidau/image-registry/auth"
	"github.com/wolfeidau/image-registry/registrydb"
	"github.com/wolfeidau/image-registry/storage"
	"github.com/wolfeidau/image-registry/telemetry"
)

func (h *Handler) handleBlob(w http.ResponseWriter, r *http.Request, name, rawDigest string) {
	telemetry.SetEndpoint(r, "v2.blob")
	telemetry.SetRepository(r, name)

	switch r.Method {
	case http.MethodHead, http.MethodGet:
		claims, ok := h.authorize(w, r, name, auth.ActionPull)
		if !ok {
			return
		}
		h.serveBlob(w, r, name, rawDigest, claims)

	case http.MethodDelete:
		if _, ok := h.authorize(w, r, name, auth.ActionPush); !ok {
			return
		}
		// Repo-scoped unlinking is not offered; unreachable blobs are
		// reclaimed by garbage collection once their manifests go away.
		writeErrorStatus(w, http.StatusMethodNotAllowed, CodeUnsupported, "blob delete is not supported", nil)

	default:
		writeErrorStatus(w, http.StatusMethodNotAllowed, CodeUnsupported, "method not allowed", r.Method)
	}
}

func (h *Handler) serveBlob(w http.ResponseWriter, r *http.Request, name, rawDigest string, _ *auth.Claims) {
	ctx := r.Context()

	dg, err := registry.ParseDigest(rawDigest)
	if err != nil {
		writeError(w, CodeDigestInvalid, "invalid blob digest", rawDigest)
		return
	}

	if _, ok := h.loadRepoForRead(ctx, w, name); !ok {
		return
	}

	blob, err := h.db.GetRepoBlob(ctx, name, dg.String())
	if err != nil {
		if errors.Is(err, registrydb.ErrNotFound) {
			writeError(w, CodeBlobUnknown, "blob unknown to registry", dg.String())
			return
		}
		h.logger.Error("loading blob", "repository", name, "digest", dg.String(), "error", err)
		writeError(w, CodeUnknown, "internal error", nil)
		return
	}

	w.Header().Set(headerContentDigest, blob.Digest)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(blob.Size, 10))

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	path := storage.BlobPath(dg)

	// prefer a signed direct-download URL when the backing store offers one
	url, err := h.blobs.RedirectURL(ctx, blob.Placements, path, h.config.BlobURLTTL)
	if err != nil {
		h.logger.Warn("building redirect url", "digest", blob.Digest, "error", err)
	}
	if url != "" {
		w.Header().Del("Content-Length")
		http.Redirect(w, r, url, http.StatusTemporaryRedirect)
		return
	}

	rc, err := h.blobs.StreamRead(ctx, blob.Placements, path)
	if err != nil {
		h.logger.Error("reading blob", "digest", blob.Digest, "error", err)
		writeError(w, CodeBlobUnknown, "blob content unavailable", dg.String())
		return
	}
	defer rc.Close()

	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("streaming blob", "digest", blob.Digest, "error", err)
	}
}

// blobLocation is the canonical URL path of a blob within its repository.
func blobLocation(name, digest string) string {
	return fmt.Sprintf("/v2/%s/blobs/%s", name, digest)
}
