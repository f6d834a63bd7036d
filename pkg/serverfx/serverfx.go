// Package serverfx assembles the tunnel gateway as an Fx module: manifest
// load, worker spawn, middleware, router, and HTTP server lifecycle. Embed it
// in an application and add fx.Invoke hooks for local handler registration.
package serverfx

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/joeydtaylor/steeze-tunnel/pkg/manifest"
	"github.com/joeydtaylor/steeze-tunnel/pkg/middleware/auth"
	"github.com/joeydtaylor/steeze-tunnel/pkg/middleware/logger"
	"github.com/joeydtaylor/steeze-tunnel/pkg/middleware/metrics"
	"github.com/joeydtaylor/steeze-tunnel/pkg/runner"
	"github.com/joeydtaylor/steeze-tunnel/pkg/transport/httpx"
	"github.com/joeydtaylor/steeze-tunnel/pkg/worker"
)

// ---------- Options ----------

type Config struct {
	Service         string // for logs only
	ManifestEnv     string // e.g., TUNNEL_MANIFEST
	DefaultManifest string // e.g., "manifest.toml"
	ListenEnv       string // SERVER_LISTEN_ADDRESS
	TLSCertEnv      string // SSL_SERVER_CERTIFICATE
	TLSKeyEnv       string // SSL_SERVER_KEY
}

type Option func(*Config)

func WithService(s string) Option            { return func(c *Config) { c.Service = s } }
func WithManifestEnv(k string) Option        { return func(c *Config) { c.ManifestEnv = k } }
func WithDefaultManifest(path string) Option { return func(c *Config) { c.DefaultManifest = path } }
func WithListenEnv(k string) Option          { return func(c *Config) { c.ListenEnv = k } }
func WithTLSCertKeyEnv(cert, key string) Option {
	return func(c *Config) { c.TLSCertEnv, c.TLSKeyEnv = cert, key }
}

func defaultConfig() Config {
	return Config{
		Service:         "tunnel",
		ManifestEnv:     "TUNNEL_MANIFEST",
		DefaultManifest: "manifest.toml",
		ListenEnv:       "SERVER_LISTEN_ADDRESS",
		TLSCertEnv:      "SSL_SERVER_CERTIFICATE",
		TLSKeyEnv:       "SSL_SERVER_KEY",
	}
}

// Module returns a complete Fx option set; add app-specific fx.Invoke(...)
// alongside (e.g. to register local task handlers before startup).
func Module(opts ...Option) fx.Option {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return fx.Options(
		// Core middleware
		auth.Module,
		logger.Module,
		fx.Provide(fx.Annotate(metrics.ProvideMetrics, fx.ResultTags(`name:"metrics"`))),
		// Router impl
		fx.Provide(httpx.NewChi),
		// Config into DI
		fx.Provide(func() Config { return cfg }),
		fx.Provide(provideManifest),
		// Registry + worker channel
		fx.Provide(runner.NewRegistry),
		fx.Provide(provideChannel),
		// Router
		fx.Provide(fx.Annotate(
			provideRouter,
			fx.ParamTags(``, ``, ``, `name:"metrics"`, ``, ``, ``, ``), // m,a,lm,mh,reg,ch,r,zl
			fx.ResultTags(`name:"app"`),
		)),
		// Lifecycle
		fx.Invoke(registerHooks),
	)
}

// ---------- Providers ----------

func provideManifest(cfg Config, zl *zap.Logger) (manifest.Config, error) {
	cfgPath := envOr(cfg.ManifestEnv, cfg.DefaultManifest)
	m, err := runner.LoadConfig(cfgPath)
	if err != nil {
		zl.Error("manifest load failed", zap.Error(err), zap.String("path", cfgPath))
		return manifest.Config{}, err
	}
	return m, nil
}

func provideChannel(m manifest.Config, zl *zap.Logger) (*worker.Channel, error) {
	if m.Worker.Command == "" {
		return nil, nil // local handlers only
	}
	return worker.Spawn(m.Worker, zl)
}

func provideRouter(
	m manifest.Config,
	a *auth.Middleware,
	lm *logger.Middleware,
	/* name:"metrics" */ mh http.Handler,
	reg *runner.Registry,
	ch *worker.Channel,
	r httpx.Router,
	zl *zap.Logger,
) http.Handler {
	// Allow-listed ids without a local handler forward to the worker.
	runner.BindRemote(reg, ch, m.AllowList)
	// Task/event inputs are small JSON; let the access log keep them.
	logger.AddBodyLogPrefixes(m.Server.BasePath + "/")

	return runner.BuildRouter(m, runner.BuildDeps{
		Auth:     a,
		LogMW:    lm,
		Metrics:  mh,
		Registry: reg,
		Router:   r,
		Log:      zl,
	})
}

// ---------- Lifecycle (HTTP server + worker teardown) ----------

type serverDeps struct {
	fx.In
	Logger  *zap.Logger
	App     http.Handler `name:"app"`
	Channel *worker.Channel
}

func registerHooks(lc fx.Lifecycle, cfg Config, d serverDeps) {
	addr := envOr(cfg.ListenEnv, ":7070")
	cert := os.Getenv(cfg.TLSCertEnv)
	key := os.Getenv(cfg.TLSKeyEnv)

	srv := &http.Server{
		Addr:         addr,
		Handler:      d.App,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
		TLSConfig:    &tls.Config{MinVersion: tls.VersionTLS13, MaxVersion: tls.VersionTLS13},
	}
	useTLS := fileExists(cert) && fileExists(key)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if useTLS {
				d.Logger.Info("server starting (TLS)",
					zap.String("service", cfg.Service),
					zap.String("addr", addr),
					zap.String("cert", cert),
				)
				go func() {
					if err := srv.ListenAndServeTLS(cert, key); err != nil && !errors.Is(err, http.ErrServerClosed) {
						d.Logger.Fatal("server failed", zap.Error(err))
					}
				}()
			} else {
				d.Logger.Info("server starting (PLAINTEXT)",
					zap.String("service", cfg.Service),
					zap.String("addr", addr),
				)
				go func() {
					srv.TLSConfig = nil
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						d.Logger.Fatal("server failed", zap.Error(err))
					}
				}()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			d.Logger.Info("server stopping", zap.String("service", cfg.Service))
			err := srv.Shutdown(ctx)
			if d.Channel != nil {
				if werr := d.Channel.Shutdown(ctx); werr != nil && err == nil {
					err = werr
				}
			}
			return err
		},
	})
}

// ---------- tiny helpers ----------

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
