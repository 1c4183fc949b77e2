// Package v2 implements the distribution v2 HTTP protocol: blob pulls
// and chunked pushes, manifest storage with media-type negotiation,
// repository and tag listings, and bearer-token enforcement.
package v2

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	registry "github.com/wolfeidau/image-registry"
	"github.com/wolfeidau/image-registry/auth"
	"github.com/wolfeidau/image-registry/events"
	"github.com/wolfeidau/image-registry/quota"
	"github.com/wolfeidau/image-registry/registrydb"
	"github.com/wolfeidau/image-registry/storage"
	"github.com/wolfeidau/image-registry/telemetry"
)

const (
	headerContentDigest = "Docker-Content-Digest"
	headerUploadUUID    = "Docker-Upload-UUID"
	headerAPIVersion    = "Docker-Distribution-API-Version"

	apiVersion = "registry/2.0"
)

// Config holds protocol handler configuration.
type Config struct {
	// AuthRealm is the absolute URL of the token endpoint, advertised in
	// WWW-Authenticate challenges.
	AuthRealm string

	// ReadOnly rejects every mutating request with 405.
	ReadOnly bool

	// ExtendedNames permits repository paths nested more than one level
	// below the namespace.
	ExtendedNames bool

	// CatalogPublicOnly restricts the catalog listing to public
	// repositories.
	CatalogPublicOnly bool

	// HelmOCI accepts OCI manifests carrying a Helm chart config.
	HelmOCI bool

	// BlobURLTTL is the lifetime of signed direct-download URLs.
	// Default 10 minutes.
	BlobURLTTL time.Duration

	// UploadTTL is how long an idle chunked upload survives before GC
	// reclaims it. Default 24 hours.
	UploadTTL time.Duration

	// MaxManifestBytes caps the size of a pushed manifest. Default 4 MiB.
	MaxManifestBytes int64

	// PageSize is the default catalog and tag listing page size when the
	// client sends no n parameter. Default 100.
	PageSize int
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = logger.With("component", "protocol.v2") }
}

// WithQuotaEngine sets the namespace quota engine consulted on manifest
// pushes.
func WithQuotaEngine(engine quota.Engine) HandlerOption {
	return func(h *Handler) { h.quota = engine }
}

// WithEventEmitter sets the emitter for push, pull, and delete events.
func WithEventEmitter(emitter *events.Emitter) HandlerOption {
	return func(h *Handler) { h.emitter = emitter }
}

// WithNow overrides the clock, used in tests.
func WithNow(now func() time.Time) HandlerOption {
	return func(h *Handler) { h.now = now }
}

// Handler serves the /v2/ API surface.
type Handler struct {
	config  Config
	db      *registrydb.DB
	blobs   *storage.BlobStore
	issuer  *auth.Issuer
	keys    *auth.KeyRing
	quota   quota.Engine
	emitter *events.Emitter
	logger  *slog.Logger
	now     func() time.Time
}

// NewHandler creates the protocol handler. The key ring signs schema1
// downgrades with the registry's instance key.
func NewHandler(cfg Config, db *registrydb.DB, blobs *storage.BlobStore, issuer *auth.Issuer, keys *auth.KeyRing, opts ...HandlerOption) *Handler {
	if cfg.BlobURLTTL == 0 {
		cfg.BlobURLTTL = 10 * time.Minute
	}
	if cfg.UploadTTL == 0 {
		cfg.UploadTTL = 24 * time.Hour
	}
	if cfg.MaxManifestBytes == 0 {
		cfg.MaxManifestBytes = 4 << 20
	}

	h := &Handler{
		config: cfg,
		db:     db,
		blobs:  blobs,
		issuer: issuer,
		keys:   keys,
		quota:  quota.NoopEngine{},
		logger: slog.Default().With("component", "protocol.v2"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Route patterns, matched in order. Upload routes come before the blob
// route so the trailing upload uuid is never read as a digest.
var (
	routeBase      = regexp.MustCompile(`^/v2/$`)
	routeCatalog   = regexp.MustCompile(`^/v2/_catalog$`)
	routeTags      = regexp.MustCompile(`^/v2/(.+)/tags/list$`)
	routeManifests = regexp.MustCompile(`^/v2/(.+)/manifests/([^/]+)$`)
	routeUploadNew = regexp.MustCompile(`^/v2/(.+)/blobs/uploads/$`)
	routeUpload    = regexp.MustCompile(`^/v2/(.+)/blobs/uploads/([^/]+)$`)
	routeBlob      = regexp.MustCompile(`^/v2/(.+)/blobs/([^/]+)$`)
)

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(headerAPIVersion, apiVersion)

	path := r.URL.Path

	switch {
	case routeBase.MatchString(path):
		h.handleBase(w, r)

	case routeCatalog.MatchString(path):
		h.handleCatalog(w, r)

	case routeTags.MatchString(path):
		m := routeTags.FindStringSubmatch(path)
		h.handleTagsList(w, r, m[1])

	case routeManifests.MatchString(path):
		m := routeManifests.FindStringSubmatch(path)
		h.handleManifest(w, r, m[1], m[2])

	case routeUploadNew.MatchString(path):
		m := routeUploadNew.FindStringSubmatch(path)
		h.handleUploadStart(w, r, m[1])

	case routeUpload.MatchString(path):
		m := routeUpload.FindStringSubmatch(path)
		h.handleUpload(w, r, m[1], m[2])

	case routeBlob.MatchString(path):
		m := routeBlob.FindStringSubmatch(path)
		h.handleBlob(w, r, m[1], m[2])

	default:
		writeError(w, CodeUnsupported, "unknown endpoint", path)
	}
}

// handleBase is the version check. Any valid token passes, including an
// anonymous one with no access.
func (h *Handler) handleBase(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "v2.base")

	if _, ok := h.verify(w, r, ""); !ok {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("{}"))
}

// verify checks the bearer token without requiring any particular
// access. On failure it writes a 401 challenge carrying scope.
func (h *Handler) verify(w http.ResponseWriter, r *http.Request, scope string) (*auth.Claims, bool) {
	claims, err := h.issuer.VerifyRequest(r)
	if err != nil {
		w.Header().Set("WWW-Authenticate", auth.ChallengeHeader(h.config.AuthRealm, h.issuer.Service(), scope))
		writeError(w, CodeUnauthorized, "authentication required", nil)
		return nil, false
	}
	return claims, true
}

// authorize verifies the token and requires action on the repository.
// Missing or invalid tokens get a 401 challenge naming the resource;
// valid tokens without the grant get 403.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, repo, action string) (*auth.Claims, bool) {
	scope := "repository:" + repo + ":" + action
	claims, err := h.issuer.VerifyRequest(r)
	if err != nil {
		w.Header().Set("WWW-Authenticate", auth.ChallengeHeader(h.config.AuthRealm, h.issuer.Service(), scope))
		writeError(w, CodeUnauthorized, "authentication required", nil)
		return nil, false
	}
	if !claims.Allows("repository", repo, action) {
		writeError(w, CodeDenied, "requested access to the resource is denied", scope)
		return nil, false
	}
	return claims, true
}

// loadRepoForRead resolves a repository for a pull-side request, writing
// the error response when it cannot be served.
func (h *Handler) loadRepoForRead(ctx context.Context, w http.ResponseWriter, name string) (*registrydb.Repository, bool) {
	if err := registry.ValidateRepositoryName(name, h.config.ExtendedNames); err != nil {
		writeError(w, CodeNameInvalid, "invalid repository name", name)
		return nil, false
	}

	repo, err := h.db.GetRepository(ctx, name)
	if err != nil {
		if errors.Is(err, registrydb.ErrNotFound) {
			writeError(w, CodeNameUnknown, "repository name not known to registry", name)
			return nil, false
		}
		h.logger.Error("loading repository", "repository", name, "error", err)
		writeError(w, CodeUnknown, "internal error", nil)
		return nil, false
	}
	if !repo.Readable() {
		writeError(w, CodeNameUnknown, "repository name not known to registry", name)
		return nil, false
	}
	return repo, true
}

// ensureRepoForWrite resolves a repository for a push-side request,
// creating it on first push. The caller has already proven push access,
// which implies creation rights on the name.
func (h *Handler) ensureRepoForWrite(ctx context.Context, w http.ResponseWriter, name string) (*registrydb.Repository, bool) {
	if h.config.ReadOnly {
		writeErrorStatus(w, http.StatusMethodNotAllowed, CodeDenied, "registry is read-only", nil)
		return nil, false
	}
	if err := registry.ValidateRepositoryName(name, h.config.ExtendedNames); err != nil {
		writeError(w, CodeNameInvalid, "invalid repository name", name)
		return nil, false
	}

	repo, err := h.db.GetRepository(ctx, name)
	if errors.Is(err, registrydb.ErrNotFound) {
		namespace, _ := registry.SplitRepositoryName(name)
		repo = &registrydb.Repository{
			Namespace:  namespace,
			Name:       name,
			Kind:       registrydb.KindImage,
			Visibility: registrydb.VisibilityPrivate,
			State:      registrydb.StateNormal,
		}
		if err := h.db.CreateRepository(ctx, repo); err != nil && !errors.Is(err, registrydb.ErrAlreadyExists) {
			h.logger.Error("creating repository", "repository", name, "error", err)
			writeError(w, CodeUnknown, "internal error", nil)
			return nil, false
		}
		return repo, true
	}
	if err != nil {
		h.logger.Error("loading repository", "repository", name, "error", err)
		writeError(w, CodeUnknown, "internal error", nil)
		return nil, false
	}

	if !repo.Readable() {
		writeError(w, CodeNameUnknown, "repository name not known to registry", name)
		return nil, false
	}
	if !repo.Writable() {
		writeErrorStatus(w, http.StatusMethodNotAllowed, CodeDenied, "repository is read-only", name)
		return nil, false
	}
	return repo, true
}

// emit records a registry event. Emission never fails the request.
func (h *Handler) emit(ctx context.Context, kind events.Kind, repo string, claims *auth.Claims, meta map[string]any) {
	if h.emitter == nil {
		return
	}
	namespace, _ := registry.SplitRepositoryName(repo)
	rec := events.Record{
		Event:      kind,
		Repository: repo,
		Namespace:  namespace,
		Metadata:   meta,
	}
	if claims != nil {
		rec.Performer = claims.Subject
	}
	if err := h.emitter.Emit(ctx, rec); err != nil {
		h.logger.Warn("emitting event", "event", string(kind), "repository", repo, "error", err)
	}
}

var _ http.Handler = (*Handler)(nil)
