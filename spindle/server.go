package spindle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/urfave/cli/v3"
	"tangled.org/spindle/log"
	"tangled.org/spindle/notifier"
	"tangled.org/spindle/spindle/actions"
	"tangled.org/spindle/spindle/artifacts"
	"tangled.org/spindle/spindle/cache"
	"tangled.org/spindle/spindle/config"
	"tangled.org/spindle/spindle/db"
	"tangled.org/spindle/spindle/engines/docker"
	"tangled.org/spindle/spindle/engines/local"
	"tangled.org/spindle/spindle/models"
	"tangled.org/spindle/spindle/queue"
	"tangled.org/spindle/spindle/runner"
	"tangled.org/spindle/spindle/scheduler"
	"tangled.org/spindle/spindle/secrets"
	"tangled.org/spindle/spindle/snapshot"
	"tangled.org/spindle/telemetry"
	"tangled.org/spindle/workflow"
)

type Spindle struct {
	db        *db.DB
	l         *slog.Logger
	n         *notifier.Notifier
	jq        *queue.Queue
	cfg       *config.Config
	tel       *telemetry.Telemetry
	sched     *scheduler.Scheduler
	actions   *actions.Registry
	artifacts *artifacts.Store
	vault     secrets.Manager

	// held from id allocation to registration of a new run, so runs
	// enter their group in id order
	enqueueMu sync.Mutex

	mu      sync.Mutex
	runs    map[models.RunId]*activeRun
	started sync.Map // instance key -> time.Time
}

// Deps are the collaborators a Spindle is assembled from.
type Deps struct {
	DB        *db.DB
	Engine    models.Engine
	Cache     cache.Store
	Artifacts *artifacts.Store
	Differ    snapshot.Differ
	Secrets   secrets.Manager
	// Telemetry may be nil.
	Telemetry *telemetry.Telemetry
}

func New(cfg *config.Config, deps Deps, logger *slog.Logger) *Spindle {
	s := &Spindle{
		db:        deps.DB,
		l:         logger,
		n:         notifier.New(),
		jq:        queue.NewQueue(cfg.Server.QueueSize),
		cfg:       cfg,
		tel:       deps.Telemetry,
		actions:   actions.Builtins(),
		artifacts: deps.Artifacts,
		vault:     deps.Secrets,
		runs:      make(map[models.RunId]*activeRun),
	}

	r := &runner.Runner{
		Engine:  deps.Engine,
		Actions: s.actions,
		Services: &actions.Services{
			Cache:            deps.Cache,
			Artifacts:        deps.Artifacts,
			Differ:           deps.Differ,
			Baselines:        db.NewBaselines(deps.DB, deps.Artifacts),
			Clone:            models.CloneOpts{Depth: 1, Host: cfg.Pipelines.GitHost},
			Dev:              cfg.Server.Dev,
			TrunkBranch:      cfg.Pipelines.TrunkBranch,
			DefaultRetention: cfg.Artifacts.DefaultRetention,
		},
		LogDir:      cfg.Pipelines.LogDir,
		GracePeriod: cfg.Pipelines.GracePeriod,
		Retry: runner.RetryPolicy{
			Attempts: cfg.Pipelines.RetryAttempts,
			Delay:    cfg.Pipelines.RetryDelay,
		},
		OutputTail: cfg.Pipelines.OutputTail,
		Logger:     log.SubLogger(logger, "runner"),
	}

	s.sched = scheduler.New(r, scheduler.Options{
		Parallelism:    cfg.Pipelines.Parallelism,
		DefaultTimeout: cfg.Pipelines.WorkflowTimeout,
		NeedsPolicy:    workflow.NeedsPolicy(cfg.Pipelines.NeedsPolicy),
	}, log.SubLogger(logger, "scheduler"), s)

	return s
}

// Start runs the queue workers until ctx ends.
func (s *Spindle) Start(ctx context.Context) {
	s.jq.Start(ctx, s.cfg.Server.Workers)
}

// Stop cancels every active run and waits for the workers.
func (s *Spindle) Stop() {
	s.mu.Lock()
	for _, a := range s.runs {
		s.cancelLocked(a, "spindle shutting down")
	}
	s.mu.Unlock()
	s.jq.Stop()
}

func Command() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the spindle server",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return Run(ctx)
		},
		Description: `
Environment variables:
	SPINDLE_SERVER_LISTEN_ADDR          (default: 0.0.0.0:6555)
	SPINDLE_SERVER_DB_PATH              (default: spindle.db)
	SPINDLE_SERVER_QUEUE_SIZE           (default: 100)
	SPINDLE_SERVER_WORKERS              (default: 2)
	SPINDLE_PIPELINES_ENGINE            (docker or local, default: docker)
	SPINDLE_PIPELINES_WORKFLOW_TIMEOUT  (default: 20m)
	SPINDLE_PIPELINES_LOG_DIR           (default: /var/log/spindle)
	SPINDLE_CACHE_PROVIDER              (fs or redis, default: fs)
	SPINDLE_ARTIFACTS_PROVIDER          (fs or s3, default: fs)
	SPINDLE_SNAPSHOT_DIFFER_URL         (default: compare digests locally)
	SPINDLE_SECRETS_PROVIDER            (sqlite or vault, default: sqlite)
	SPINDLE_TELEMETRY_ENABLED           (default: false)
	SPINDLE_TELEMETRY_EXPORTER          (otlp or stdout, default: otlp)
	SPINDLE_TELEMETRY_ENDPOINT          (default: the otlp exporter's own)
`,
	}
}

func Run(ctx context.Context) error {
	logger := log.FromContext(ctx)

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log.SetLevel(cfg.Server.LogLevel)

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to setup db: %w", err)
	}
	defer d.Close()

	eng, err := newEngine(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to setup engine: %w", err)
	}

	cacheStore, err := newCache(cfg)
	if err != nil {
		return fmt.Errorf("failed to setup cache: %w", err)
	}
	defer cacheStore.Close()

	artifactStore, err := newArtifacts(ctx, cfg, d)
	if err != nil {
		return fmt.Errorf("failed to setup artifacts: %w", err)
	}
	defer artifactStore.Close()

	vault, err := newSecrets(cfg, d, logger)
	if err != nil {
		return fmt.Errorf("failed to setup secrets manager: %w", err)
	}
	if stopper, ok := vault.(secrets.Stopper); ok {
		defer stopper.Stop()
	}

	var tel *telemetry.Telemetry
	if cfg.Telemetry.Enabled {
		tel, err = telemetry.NewTelemetry(ctx, telemetry.Options{
			ServiceName:    "spindle",
			ServiceVersion: versioninfo.Short(),
			Exporter:       cfg.Telemetry.Exporter,
			Endpoint:       cfg.Telemetry.Endpoint,
			Insecure:       cfg.Telemetry.Insecure,
			MetricInterval: cfg.Telemetry.MetricInterval,
		})
		if err != nil {
			return fmt.Errorf("failed to setup telemetry: %w", err)
		}
		defer tel.Shutdown(context.WithoutCancel(ctx))
	}

	s := New(cfg, Deps{
		DB:        d,
		Engine:    eng,
		Cache:     cacheStore,
		Artifacts: artifactStore,
		Differ:    newDiffer(cfg, artifactStore, logger),
		Secrets:   vault,
		Telemetry: tel,
	}, logger)

	// starts the run queue workers in the background
	s.Start(ctx)
	defer s.Stop()

	go s.pruneArtifacts(ctx)

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: s.Router(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting spindle server", "address", cfg.Server.ListenAddr, "engine", cfg.Pipelines.Engine)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (s *Spindle) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID, s.RequestLogger)
	if s.tel != nil {
		mux.Use(s.tel.RequestInFlight(), s.tel.RequestDuration())
	}

	mux.HandleFunc("/events", s.Events)

	mux.Route("/runs", func(r chi.Router) {
		r.Post("/", s.TriggerRuns)
		r.Get("/", s.ListRuns)
		r.Route("/{run}", func(r chi.Router) {
			r.Get("/", s.GetRun)
			r.Post("/cancel", s.CancelRun)
			r.Get("/artifacts", s.ListArtifacts)
			r.Get("/artifacts/{name}", s.DownloadArtifact)
		})
	})

	mux.Get("/logs/{run}/{instance}", s.Logs)

	mux.Route("/repos/{owner}/{repo}/secrets", func(r chi.Router) {
		r.Get("/", s.ListSecrets)
		r.Put("/{key}", s.AddSecret)
		r.Delete("/{key}", s.RemoveSecret)
	})

	return mux
}

func newEngine(ctx context.Context, cfg *config.Config) (models.Engine, error) {
	switch cfg.Pipelines.Engine {
	case "docker":
		return docker.New(ctx, docker.Options{
			Nixery:          cfg.Pipelines.Nixery,
			Images:          cfg.Pipelines.Images,
			WorkflowTimeout: cfg.Pipelines.WorkflowTimeout,
			Dev:             cfg.Server.Dev,
		})
	case "local":
		return local.New(ctx, filepath.Join(os.TempDir(), "spindle-workspaces"), cfg.Pipelines.WorkflowTimeout)
	}
	return nil, fmt.Errorf("unknown engine %q", cfg.Pipelines.Engine)
}

type closingCache interface {
	cache.Store
	io.Closer
}

func newCache(cfg *config.Config) (closingCache, error) {
	switch cfg.Cache.Provider {
	case "fs":
		return cache.NewFSStore(cfg.Cache.Dir)
	case "redis":
		return cache.NewRedisStore(cfg.Cache.RedisAddr)
	}
	return nil, fmt.Errorf("unknown cache provider %q", cfg.Cache.Provider)
}

func newArtifacts(ctx context.Context, cfg *config.Config, d *db.DB) (*artifacts.Store, error) {
	var blobs artifacts.Blobs
	var err error

	switch cfg.Artifacts.Provider {
	case "fs":
		blobs, err = artifacts.NewFSBlobs(cfg.Artifacts.Dir)
	case "s3":
		blobs, err = artifacts.NewS3Blobs(ctx, artifacts.S3Options{
			Bucket:   cfg.Artifacts.Bucket,
			Prefix:   cfg.Artifacts.Prefix,
			Endpoint: cfg.Artifacts.Endpoint,
			Region:   cfg.Artifacts.Region,
		})
	default:
		err = fmt.Errorf("unknown artifacts provider %q", cfg.Artifacts.Provider)
	}
	if err != nil {
		return nil, err
	}

	return artifacts.New(d.DB, blobs)
}

func newSecrets(cfg *config.Config, d *db.DB, logger *slog.Logger) (secrets.Manager, error) {
	switch cfg.Secrets.Provider {
	case "sqlite":
		return secrets.NewSQLiteManager(d.DB)
	case "vault":
		v := cfg.Secrets.Vault
		return secrets.NewVaultManager(secrets.VaultOptions{
			Addr:     v.Addr,
			Mount:    v.Mount,
			Token:    v.Token,
			RoleID:   v.RoleID,
			SecretID: v.SecretID,
		}, log.SubLogger(logger, "vault"))
	}
	return nil, fmt.Errorf("unknown secrets provider %q", cfg.Secrets.Provider)
}

// newDiffer talks to the snapshot diff service when one is configured,
// and compares digests of the stored artifacts otherwise.
func newDiffer(cfg *config.Config, store *artifacts.Store, logger *slog.Logger) snapshot.Differ {
	if cfg.Snapshot.DifferURL != "" {
		return snapshot.NewHTTPDiffer(
			cfg.Snapshot.DifferURL,
			cfg.Snapshot.Timeout,
			snapshot.WithAttempts(cfg.Pipelines.RetryAttempts),
			snapshot.WithRetryDelay(cfg.Pipelines.RetryDelay),
			snapshot.WithLogger(log.SubLogger(logger, "differ")),
		)
	}

	return &snapshot.DigestDiffer{Fetcher: snapshot.FetcherFunc(func(ctx context.Context, ref snapshot.Ref) (io.ReadCloser, error) {
		_, rc, err := store.Download(ctx, ref.Run, ref.Job, ref.Artifact)
		return rc, err
	})}
}

func (s *Spindle) pruneArtifacts(ctx context.Context) {
	interval := s.cfg.Artifacts.PruneInterval
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := s.artifacts.Prune(ctx, now)
			if err != nil {
				s.l.Error("failed to prune artifacts", "error", err)
				continue
			}
			if n > 0 {
				s.l.Info("pruned expired artifacts", "count", n)
			}
		}
	}
}
