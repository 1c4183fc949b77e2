// Command registry is a multi-tenant container image registry speaking
// the distribution v2 protocol, with token auth, derived artifacts, and
// background garbage collection.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/wolfeidau/image-registry/auth"
	"github.com/wolfeidau/image-registry/backend"
	"github.com/wolfeidau/image-registry/events"
	"github.com/wolfeidau/image-registry/gc"
	"github.com/wolfeidau/image-registry/quota"
	"github.com/wolfeidau/image-registry/server"
	"github.com/wolfeidau/image-registry/telemetry"
)

var version = "dev"

var cli struct {
	Address  string `help:"Address to listen on." default:":8080"`
	Hostname string `help:"Service hostname used in token audiences and auth challenges." default:"localhost"`
	Scheme   string `help:"Preferred URL scheme for advertised URLs." enum:"http,https" default:"https"`
	ReadOnly bool   `help:"Serve in read-only mode: pulls only, no writes, no builds."`

	Storage           string   `help:"Storage directory path." default:"./registry"`
	StoragePreference []string `help:"Ordered storage location preference." placeholder:"LOCATION"`

	S3Bucket    string `help:"S3 bucket for an additional storage location." group:"S3:"`
	S3Region    string `help:"S3 region." group:"S3:"`
	S3Endpoint  string `help:"Custom S3 endpoint for compatible stores." group:"S3:"`
	S3Prefix    string `help:"Key prefix within the bucket." group:"S3:"`
	S3PathStyle bool   `help:"Use path-style addressing." group:"S3:"`

	BlobURLTTL  time.Duration `help:"Lifetime of signed blob download URLs." default:"10m"`
	UploadTTL   time.Duration `help:"How long idle chunked uploads survive." default:"24h"`
	TokenTTL    time.Duration `help:"Bearer token lifetime." default:"5m"`
	KeyRotation time.Duration `help:"Instance signing key lifetime." default:"24h"`

	AnonymousAccess bool `help:"Issue scoped tokens to unauthenticated callers."`
	PublicCatalog   bool `help:"Restrict the catalog listing to public repositories."`
	ExtendedNames   bool `help:"Permit repository names nested below the namespace."`
	HelmOCI         bool `help:"Accept OCI manifests carrying Helm chart configs."`
	PageSize        int  `help:"Default catalog and tag listing page size." default:"100"`

	User []string `help:"Static account as user:password. Repeatable." placeholder:"USER:PASS"`

	QuotaSoft int64 `help:"Per-namespace soft storage quota in bytes. 0 disables."`
	QuotaHard int64 `help:"Per-namespace hard storage quota in bytes. 0 disables."`

	Webhooks       bool          `help:"Deliver events to webhook notification rules." default:"true" negatable:""`
	WebhookTimeout time.Duration `help:"Webhook delivery timeout." default:"10s"`

	GCInterval time.Duration `help:"Garbage collection interval." default:"1h"`
	BlobGrace  time.Duration `help:"How long unreferenced blobs survive before deletion." default:"24h"`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metric export."`
	Prometheus   bool   `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:""`

	LogLevel string           `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogJSON  bool             `help:"Emit JSON logs instead of colored text."`
	Version  kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("registry"),
		kong.Description("Container image registry with token auth and derived artifacts."),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(run())
}

func run() error {
	logger, err := buildLogger()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "image-registry",
		ServiceVersion:   version,
		OTLPEndpoint:     cli.OTLPEndpoint,
		EnablePrometheus: cli.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		_ = shutdownMetrics(flushCtx)
	}()

	cfg := server.Config{
		Address:           cli.Address,
		Hostname:          cli.Hostname,
		PreferredScheme:   cli.Scheme,
		ReadOnly:          cli.ReadOnly,
		StoragePath:       cli.Storage,
		StoragePreference: cli.StoragePreference,
		BlobURLTTL:        cli.BlobURLTTL,
		UploadTTL:         cli.UploadTTL,
		TokenTTL:          cli.TokenTTL,
		KeyRotation:       cli.KeyRotation,
		AnonymousAccess:   cli.AnonymousAccess,
		PublicCatalog:     cli.PublicCatalog,
		ExtendedNames:     cli.ExtendedNames,
		HelmOCI:           cli.HelmOCI,
		PageSize:          cli.PageSize,
		GC: gc.Config{
			Interval:  cli.GCInterval,
			BlobGrace: cli.BlobGrace,
		},
		Logger: logger,
	}

	if cli.S3Bucket != "" {
		cfg.S3 = &backend.S3Config{
			Bucket:         cli.S3Bucket,
			Region:         cli.S3Region,
			Endpoint:       cli.S3Endpoint,
			Prefix:         cli.S3Prefix,
			ForcePathStyle: cli.S3PathStyle,
		}
	}

	users, err := parseUsers(cli.User)
	if err != nil {
		return err
	}
	if len(users) > 0 {
		cfg.Authenticator = auth.NewStaticAuthenticator(users)
	}

	if cli.QuotaSoft > 0 || cli.QuotaHard > 0 {
		cfg.Quota = quota.NewStaticEngine(cli.QuotaSoft, cli.QuotaHard)
	}

	if cli.Webhooks {
		cfg.Sinks = []events.Sink{events.NewWebhookSink(cli.WebhookTimeout)}
	}

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("registry started",
		"version", version,
		"address", srv.Address(),
		"registry_url", fmt.Sprintf("%s://%s/v2/", cli.Scheme, cli.Hostname),
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cli.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cli.LogLevel, err)
	}

	if cli.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})), nil
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: level})), nil
}

// parseUsers splits repeated user:password flags into the static
// authenticator's table.
func parseUsers(pairs []string) (map[string]auth.StaticUser, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	users := make(map[string]auth.StaticUser, len(pairs))
	for _, pair := range pairs {
		name, password, ok := cutColon(pair)
		if !ok {
			return nil, fmt.Errorf("invalid --user value %q, want user:password", pair)
		}
		users[name] = auth.StaticUser{Password: password}
	}
	return users, nil
}

func cutColon(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], i > 0
		}
	}
	return s, "", false
}
