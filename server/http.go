// Package server wires the registry together: storage drivers, the
// metadata database, token auth, the distribution and derived-artifact
// handlers, event dispatch, and garbage collection, behind one HTTP
// server.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/image-registry/auth"
	"github.com/wolfeidau/image-registry/backend"
	"github.com/wolfeidau/image-registry/derived"
	"github.com/wolfeidau/image-registry/events"
	"github.com/wolfeidau/image-registry/gc"
	v2 "github.com/wolfeidau/image-registry/protocol/v2"
	"github.com/wolfeidau/image-registry/quota"
	"github.com/wolfeidau/image-registry/registrydb"
	"github.com/wolfeidau/image-registry/storage"
	"github.com/wolfeidau/image-registry/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// Hostname is the service identifier used in JWT audiences and auth
	// challenges (SERVER_HOSTNAME).
	Hostname string

	// PreferredScheme is http or https, used when building absolute URLs
	// such as the advertised token realm.
	PreferredScheme string

	// ReadOnly puts the whole registry in read-only mode
	// (REGISTRY_STATE=read_only).
	ReadOnly bool

	// StoragePath is the root path of the local filesystem location.
	StoragePath string

	// S3 optionally configures an S3-compatible location named "s3".
	S3 *backend.S3Config

	// StoragePreference is the ordered location list for new writes.
	// Defaults to ["local"], or ["s3" "local"] when S3 is configured.
	StoragePreference []string

	// DBPath is the bbolt database file. Default <StoragePath>/registry.db.
	DBPath string

	// BlobURLTTL is the lifetime of signed direct-download URLs
	// (BLOB_DOWNLOAD_URL_TTL). Default 10 minutes.
	BlobURLTTL time.Duration

	// UploadTTL is how long an idle chunked upload survives
	// (UPLOAD_EXPIRATION). Default 24 hours.
	UploadTTL time.Duration

	// TokenTTL bounds issued bearer tokens (JWT_TOKEN_TTL). Default 5
	// minutes.
	TokenTTL time.Duration

	// KeyRotation is the signing key lifetime (INSTANCE_KEY_ROTATION).
	KeyRotation time.Duration

	// AnonymousAccess permits tokens for unauthenticated callers; the
	// access policy still decides what they may do.
	AnonymousAccess bool

	// PublicCatalog restricts /v2/_catalog to public repositories.
	PublicCatalog bool

	// ExtendedNames permits repository paths nested more than one level
	// below the namespace.
	ExtendedNames bool

	// PageSize is the default catalog/tags page size (V2_PAGINATION_SIZE).
	PageSize int

	// HelmOCI accepts OCI manifests carrying Helm chart configs.
	HelmOCI bool

	// GC configures the garbage collector. Zero values take defaults.
	GC gc.Config

	// Authenticator verifies basic credentials at the token endpoint.
	Authenticator auth.Authenticator

	// Policy decides granted actions per principal and scope.
	Policy auth.AccessPolicy

	// Quota is the namespace quota engine. Nil means no quota.
	Quota quota.Engine

	// Sinks deliver dispatched events. Empty disables the dispatcher.
	Sinks []events.Sink

	// Signer optionally signs derived artifacts.
	Signer derived.Signer

	// Logger for the server.
	Logger *slog.Logger
}

// Server is the registry HTTP server.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	db         *registrydb.DB
	blobs      *storage.BlobStore
	keys       *auth.KeyRing
	issuer     *auth.Issuer
	broker     *auth.Broker
	v2         *v2.Handler
	derived    *derived.Server
	gc         *gc.Manager
	dispatcher *events.Dispatcher
}

// New creates a new server with the given configuration.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.PreferredScheme == "" {
		cfg.PreferredScheme = "https"
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = "./registry"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = cfg.StoragePath + "/registry.db"
	}

	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	db := registrydb.New()
	if err := db.Open(cfg.DBPath); err != nil {
		return nil, fmt.Errorf("opening registry database: %w", err)
	}

	keys, issuer, broker, err := buildAuth(cfg)
	if err != nil {
		return nil, err
	}

	realm := fmt.Sprintf("%s://%s/v2/auth", cfg.PreferredScheme, cfg.Hostname)

	emitter := events.NewEmitter(db, events.WithLogger(cfg.Logger.With("component", "events")))

	v2Opts := []v2.HandlerOption{
		v2.WithLogger(cfg.Logger),
		v2.WithEventEmitter(emitter),
	}
	if cfg.Quota != nil {
		v2Opts = append(v2Opts, v2.WithQuotaEngine(cfg.Quota))
	}
	v2Handler := v2.NewHandler(v2.Config{
		AuthRealm:         realm,
		ReadOnly:          cfg.ReadOnly,
		ExtendedNames:     cfg.ExtendedNames,
		CatalogPublicOnly: cfg.PublicCatalog,
		HelmOCI:           cfg.HelmOCI,
		BlobURLTTL:        cfg.BlobURLTTL,
		UploadTTL:         cfg.UploadTTL,
		PageSize:          cfg.PageSize,
	}, db, blobs, issuer, keys, v2Opts...)

	derivedOpts := []derived.ServerOption{
		derived.WithLogger(cfg.Logger),
	}
	if cfg.Signer != nil {
		derivedOpts = append(derivedOpts, derived.WithSigner(cfg.Signer))
	}
	derivedServer := derived.NewServer(derived.Config{
		AuthRealm:  realm,
		ReadOnly:   cfg.ReadOnly,
		BlobURLTTL: cfg.BlobURLTTL,
	}, db, blobs, issuer, []derived.Formatter{derived.SquashFormatter{}}, derivedOpts...)

	gcManager := gc.New(db, blobs, cfg.GC, gc.WithLogger(cfg.Logger))

	var dispatcher *events.Dispatcher
	if len(cfg.Sinks) > 0 {
		dispatcher = events.NewDispatcher(db, cfg.Sinks, events.DispatcherConfig{
			Logger: cfg.Logger.With("component", "dispatcher"),
		})
	}

	s := &Server{
		config:     cfg,
		logger:     cfg.Logger,
		db:         db,
		blobs:      blobs,
		keys:       keys,
		issuer:     issuer,
		broker:     broker,
		v2:         v2Handler,
		derived:    derivedServer,
		gc:         gcManager,
		dispatcher: dispatcher,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Minute, // layer pushes and squash builds are slow
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// buildBlobStore constructs the placement-aware blob store from the
// configured locations.
func buildBlobStore(ctx context.Context, cfg Config) (*storage.BlobStore, error) {
	fs, err := backend.NewFilesystem(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("creating filesystem location: %w", err)
	}

	drivers := map[string]backend.Driver{
		"local": backend.NewInstrumentedDriver(fs, "local"),
	}
	preference := cfg.StoragePreference

	if cfg.S3 != nil {
		s3, err := backend.NewS3(ctx, *cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("creating s3 location: %w", err)
		}
		drivers["s3"] = backend.NewInstrumentedDriver(s3, "s3")
		if len(preference) == 0 {
			preference = []string{"s3", "local"}
		}
	}
	if len(preference) == 0 {
		preference = []string{"local"}
	}

	return storage.NewBlobStore(drivers, preference)
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Token endpoint and instance-key JWKS
	mux.Handle("GET /v2/auth", s.broker)
	mux.Handle("GET /keys", s.keys)

	// Distribution API. The handler routes every method itself.
	mux.Handle("/v2/", s.v2)

	// Derived artifacts
	mux.Handle("/c1/", s.derived)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.blobs.Validate(r.Context()); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, `{"status":"unhealthy","error":%q}`, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set endpoint, repository, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Repository != "" {
			attrs = append(attrs, "repository", tags.Repository)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server and its background workers.
func (s *Server) Start() error {
	s.gc.Start(context.Background())

	if s.dispatcher != nil {
		if err := s.dispatcher.Start(context.Background()); err != nil {
			return fmt.Errorf("starting event dispatcher: %w", err)
		}
	}

	s.logger.Info("starting server",
		"address", s.config.Address,
		"hostname", s.config.Hostname,
		"read_only", s.config.ReadOnly,
	)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server and its workers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if s.dispatcher != nil {
		s.dispatcher.Stop()
	}
	if err := s.gc.Stop(ctx); err != nil {
		s.logger.Warn("stopping gc manager", "error", err)
	}

	err := s.httpServer.Shutdown(ctx)

	if cerr := s.db.Close(); cerr != nil {
		s.logger.Warn("closing registry database", "error", cerr)
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
