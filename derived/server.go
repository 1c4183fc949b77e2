// Package derived builds and serves derived artifacts: on-demand
// transformations of a source manifest (squashed tarballs and friends)
// that are built at most once per key and streamed to the requester
// while they are written to storage.
package derived

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	registry "github.com/wolfeidau/image-registry"
	"github.com/wolfeidau/image-registry/auth"
	"github.com/wolfeidau/image-registry/registrydb"
	"github.com/wolfeidau/image-registry/storage"
	"github.com/wolfeidau/image-registry/telemetry"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"
)

// buildWaitTimeout caps how long a joining request waits for another
// request's in-flight build.
const buildWaitTimeout = 15 * time.Minute

// Signer produces a detached signature over a derived artifact stream.
type Signer interface {
	Sign(ctx context.Context, r io.Reader) ([]byte, error)
}

// Config holds derived-pipeline configuration.
type Config struct {
	// AuthRealm is the token endpoint advertised in challenges.
	AuthRealm string

	// ReadOnly serves only already-materialized artifacts.
	ReadOnly bool

	// BlobURLTTL is the lifetime of webseed and redirect URLs.
	BlobURLTTL time.Duration
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger.With("component", "derived") }
}

// WithSigner attaches the optional artifact signer as a third consumer
// of every build.
func WithSigner(signer Signer) ServerOption {
	return func(s *Server) { s.signer = signer }
}

// Server serves the /c1/<verb> endpoints.
type Server struct {
	config     Config
	db         *registrydb.DB
	blobs      *storage.BlobStore
	issuer     *auth.Issuer
	formatters map[string]Formatter
	signer     Signer
	logger     *slog.Logger

	// waiters deduplicates DB polling among requests joining the same
	// in-flight build.
	waiters singleflight.Group
}

// NewServer creates the derived-artifact server with the given
// formatters.
func NewServer(cfg Config, db *registrydb.DB, blobs *storage.BlobStore, issuer *auth.Issuer, formatters []Formatter, opts ...ServerOption) *Server {
	if cfg.BlobURLTTL == 0 {
		cfg.BlobURLTTL = 10 * time.Minute
	}

	byVerb := make(map[string]Formatter, len(formatters))
	for _, f := range formatters {
		byVerb[f.Verb()] = f
	}

	s := &Server{
		config:     cfg,
		db:         db,
		blobs:      blobs,
		issuer:     issuer,
		formatters: byVerb,
		logger:     slog.Default().With("component", "derived"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var routeVerb = regexp.MustCompile(`^/c1/([a-z0-9]+)/(.+)/([^/]+)$`)

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m := routeVerb.FindStringSubmatch(r.URL.Path)
	if m == nil {
		writeJSONError(w, http.StatusNotFound, "unknown endpoint")
		return
	}
	verb, repo, tag := m[1], m[2], m[3]

	telemetry.SetEndpoint(r, "c1."+verb)
	telemetry.SetRepository(r, repo)

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	formatter, ok := s.formatters[verb]
	if !ok {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown verb %q", verb))
		return
	}

	claims, err := s.issuer.VerifyRequest(r)
	if err != nil {
		w.Header().Set("WWW-Authenticate",
			auth.ChallengeHeader(s.config.AuthRealm, s.issuer.Service(), "repository:"+repo+":pull"))
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if !claims.Allows("repository", repo, auth.ActionPull) {
		writeJSONError(w, http.StatusForbidden, "access denied")
		return
	}

	s.serveDerived(w, r, formatter, repo, tag)
}

func (s *Server) serveDerived(w http.ResponseWriter, r *http.Request, formatter Formatter, repo, tag string) {
	ctx := r.Context()
	verb := formatter.Verb()

	repoRow, err := s.db.GetRepository(ctx, repo)
	if err != nil || !repoRow.Readable() {
		writeJSONError(w, http.StatusNotFound, "repository not found")
		return
	}

	tagRow, err := s.db.GetLiveTag(ctx, repo, tag)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "tag not found")
		return
	}
	m, err := s.db.GetRepoManifest(ctx, repo, tagRow.ManifestDigest)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "manifest not found")
		return
	}
	if len(m.ChildDigests) > 0 {
		writeJSONError(w, http.StatusBadRequest, "cannot derive from a manifest list")
		return
	}

	metaHash := metadataHash(nil)

	if wantsTorrent(r) {
		s.serveTorrent(w, r, m.Digest, verb, metaHash, repo, tag)
		return
	}

	if row, gerr := s.db.GetDerived(ctx, m.Digest, verb, metaHash); gerr == nil && !row.Uploading {
		s.serveMaterialized(w, r, row, formatter.MediaType())
		return
	}

	// not materialized; a build would be needed from here on
	if s.config.ReadOnly {
		writeJSONError(w, http.StatusNotAcceptable, "registry is read-only and the artifact is not materialized")
		return
	}

	row, claimed, err := s.db.ClaimDerived(ctx, m.Digest, verb, metaHash)
	if err != nil {
		s.logger.Error("claiming derived artifact", "digest", m.Digest, "verb", verb, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	switch {
	case claimed:
		in, berr := s.buildInput(ctx, repo, tag, m)
		if berr != nil {
			// release the claim so the next request can retry
			_ = s.db.DeleteDerived(ctx, m.Digest, verb, metaHash)
			s.logger.Error("resolving build input", "digest", m.Digest, "verb", verb, "error", berr)
			writeJSONError(w, http.StatusInternalServerError, "internal error")
			return
		}
		s.buildAndStream(w, r, formatter, in, metaHash)

	case row.Uploading:
		done, werr := s.awaitArtifact(ctx, m.Digest, verb, metaHash)
		if werr != nil {
			writeJSONError(w, http.StatusBadGateway, "derived artifact build failed")
			return
		}
		s.serveMaterialized(w, r, done, formatter.MediaType())

	default:
		s.serveMaterialized(w, r, row, formatter.MediaType())
	}
}

// buildInput resolves everything the formatter needs up front, before
// any streaming begins.
func (s *Server) buildInput(ctx context.Context, repo, tag string, m *registrydb.Manifest) (BuildInput, error) {
	in := BuildInput{
		Repository: repo,
		Tag:        tag,
		Manifest:   m,
		Layers:     m.Layers,
	}
	if m.ConfigDigest != "" {
		config, err := s.readBlob(ctx, m.ConfigDigest)
		if err != nil {
			return BuildInput{}, fmt.Errorf("reading config blob: %w", err)
		}
		in.Config = config
	}
	return in, nil
}

// buildAndStream runs the build as the claiming request: the producer
// feeds a fan-out of bounded queues read by the HTTP client, the storage
// writer, and the optional signer. The client disconnecting abandons its
// queue only; the artifact still lands in storage.
func (s *Server) buildAndStream(w http.ResponseWriter, r *http.Request, formatter Formatter, in BuildInput, metaHash string) {
	ctx := r.Context()
	verb := formatter.Verb()
	src := in.Manifest.Digest
	start := time.Now()

	clientQ := newChunkQueue()
	storageQ := newChunkQueue()
	queues := []*chunkQueue{clientQ, storageQ}

	var signerQ *chunkQueue
	if s.signer != nil {
		signerQ = newChunkQueue()
		queues = append(queues, signerQ)
	}
	fan := newFanOutWriter(queues...)

	// the build outlives the requesting client
	buildCtx := context.WithoutCancel(ctx)

	go func() {
		err := formatter.Format(buildCtx, fan, in, s.layerStream)
		if err != nil {
			s.logger.Error("derived build failed", "digest", src, "verb", verb, "error", err)
		}
		fan.closeAll(err)
	}()

	storageDone := make(chan error, 1)
	go func() {
		storageDone <- s.storeArtifact(buildCtx, src, verb, metaHash, storageQ)
	}()
	if signerQ != nil {
		go s.signArtifact(buildCtx, src, verb, metaHash, signerQ)
	}

	w.Header().Set("Content-Type", formatter.MediaType())
	if r.Method == http.MethodHead {
		clientQ.abandon()
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, clientQ); err != nil {
			s.logger.Warn("client left mid-stream", "digest", src, "verb", verb, "error", err)
		}
		clientQ.abandon()
	}

	err := <-storageDone
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	telemetry.RecordDerivedBuild(ctx, verb, outcome, time.Since(start))
}

// storeArtifact drains the storage queue into a chunked upload and
// promotes it to the derived path. On failure the artifact row is
// deleted first and the transient upload cancelled second, so a
// concurrent request never finds a completed row without bytes.
func (s *Server) storeArtifact(ctx context.Context, src, verb, metaHash string, q *chunkQueue) error {
	fail := func(cu *storage.ChunkedUpload, err error) error {
		q.abandon()
		if derr := s.db.DeleteDerived(ctx, src, verb, metaHash); derr != nil {
			s.logger.Error("deleting failed derived row", "digest", src, "verb", verb, "error", derr)
		}
		if cu != nil {
			if cerr := cu.Cancel(ctx); cerr != nil {
				s.logger.Warn("cancelling derived upload", "digest", src, "verb", verb, "error", cerr)
			}
		}
		return err
	}

	cu, err := s.blobs.NewChunkedUpload(ctx, nil)
	if err != nil {
		return fail(nil, fmt.Errorf("initiating derived upload: %w", err))
	}

	if _, err := cu.Append(ctx, q, -1); err != nil {
		return fail(cu, fmt.Errorf("writing derived stream: %w", err))
	}

	srcDigest, err := registry.ParseDigest(src)
	if err != nil {
		return fail(cu, err)
	}
	if err := cu.CommitTo(ctx, storage.DerivedPath(srcDigest, verb, metaHash)); err != nil {
		return fail(cu, fmt.Errorf("committing derived artifact: %w", err))
	}

	if err := s.db.CompleteDerived(ctx, src, verb, metaHash, cu.Digest().String(), cu.ByteCount()); err != nil {
		return fail(nil, fmt.Errorf("completing derived row: %w", err))
	}
	return nil
}

// signArtifact feeds the signer consumer and records the detached
// signature. Signing failures are logged, never fatal to the build.
func (s *Server) signArtifact(ctx context.Context, src, verb, metaHash string, q *chunkQueue) {
	sig, err := s.signer.Sign(ctx, q)
	if err != nil {
		q.abandon()
		s.logger.Warn("signing derived artifact", "digest", src, "verb", verb, "error", err)
		return
	}
	if err := s.db.SetDerivedSignature(ctx, src, verb, metaHash, sig); err != nil {
		s.logger.Warn("recording derived signature", "digest", src, "verb", verb, "error", err)
	}
}

// awaitArtifact waits for another request's build to finish. Requests
// waiting on the same key share a single DB poller.
func (s *Server) awaitArtifact(ctx context.Context, src, verb, metaHash string) (*registrydb.DerivedArtifact, error) {
	key := src + "|" + verb + "|" + metaHash

	ch := s.waiters.DoChan(key, func() (any, error) {
		pollCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), buildWaitTimeout)
		defer cancel()

		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()

		for {
			row, err := s.db.GetDerived(pollCtx, src, verb, metaHash)
			switch {
			case errors.Is(err, registrydb.ErrNotFound):
				// the build failed and cleaned up after itself
				return nil, errors.New("build failed")
			case err != nil:
				return nil, err
			case !row.Uploading:
				return row, nil
			}

			select {
			case <-pollCtx.Done():
				return nil, pollCtx.Err()
			case <-ticker.C:
			}
		}
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*registrydb.DerivedArtifact), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) serveMaterialized(w http.ResponseWriter, r *http.Request, row *registrydb.DerivedArtifact, mediaType string) {
	ctx := r.Context()

	srcDigest, err := registry.ParseDigest(row.SourceManifestDigest)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	path := storage.DerivedPath(srcDigest, row.Verb, row.MetadataHash)

	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Content-Length", strconv.FormatInt(row.Size, 10))
	if row.BlobDigest != "" {
		w.Header().Set("Docker-Content-Digest", row.BlobDigest)
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	if url, uerr := s.blobs.RedirectURL(ctx, nil, path, s.config.BlobURLTTL); uerr == nil && url != "" {
		w.Header().Del("Content-Length")
		http.Redirect(w, r, url, http.StatusTemporaryRedirect)
		return
	}

	rc, err := s.blobs.StreamRead(ctx, nil, path)
	if err != nil {
		s.logger.Error("reading derived artifact", "digest", row.SourceManifestDigest, "verb", row.Verb, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "artifact unavailable")
		return
	}
	defer rc.Close()

	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("streaming derived artifact", "verb", row.Verb, "error", err)
	}
}

// serveTorrent returns a torrent file with a webseed for an artifact
// that is already materialized. Torrent requests never trigger a build.
func (s *Server) serveTorrent(w http.ResponseWriter, r *http.Request, src, verb, metaHash, repo, tag string) {
	ctx := r.Context()

	row, err := s.db.GetDerived(ctx, src, verb, metaHash)
	if err != nil || row.Uploading {
		writeJSONError(w, http.StatusNotAcceptable, "artifact is not materialized")
		return
	}

	srcDigest, err := registry.ParseDigest(src)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	path := storage.DerivedPath(srcDigest, verb, metaHash)

	webseed, err := s.blobs.RedirectURL(ctx, nil, path, s.config.BlobURLTTL)
	if err != nil || webseed == "" {
		// fall back to this endpoint as the seed
		scheme := "https"
		if r.TLS == nil {
			scheme = "http"
		}
		webseed = fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.Path)
	}

	rc, err := s.blobs.StreamRead(ctx, nil, path)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "artifact unavailable")
		return
	}
	defer rc.Close()

	pieces, err := hashPieces(rc)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "hashing artifact")
		return
	}

	name := fmt.Sprintf("%s-%s.%s", strings.ReplaceAll(repo, "/", "-"), tag, verb)
	torrent := buildTorrent(name, row.Size, pieces, webseed)

	w.Header().Set("Content-Type", TorrentMediaType)
	w.Header().Set("Content-Length", strconv.Itoa(len(torrent)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(torrent)
	}
}

// layerStream is the late-bound stream getter handed to formatters.
func (s *Server) layerStream(ctx context.Context, digest string) (io.ReadCloser, error) {
	blob, err := s.db.GetBlob(ctx, digest)
	if err != nil {
		return nil, fmt.Errorf("resolving layer %s: %w", digest, err)
	}
	dg, err := registry.ParseDigest(digest)
	if err != nil {
		return nil, err
	}
	return s.blobs.StreamRead(ctx, blob.Placements, storage.BlobPath(dg))
}

func (s *Server) readBlob(ctx context.Context, digest string) ([]byte, error) {
	rc, err := s.layerStream(ctx, digest)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// metadataHash keys a build by its varying metadata. Verbs without
// parameters share a single stable key.
func metadataHash(meta map[string]string) string {
	if meta == nil {
		meta = map[string]string{}
	}
	data, _ := json.Marshal(meta)
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

func wantsTorrent(r *http.Request) bool {
	for _, v := range r.Header.Values("Accept") {
		for _, part := range strings.Split(v, ",") {
			if strings.TrimSpace(part) == TorrentMediaType {
				return true
			}
		}
	}
	return false
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

var _ http.Handler = (*Server)(nil)
