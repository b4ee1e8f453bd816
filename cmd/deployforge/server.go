package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/artpar/deployforge/internal/shell/admission"
	"github.com/artpar/deployforge/internal/shell/api"
	apimw "github.com/artpar/deployforge/internal/shell/api/middleware"
	"github.com/artpar/deployforge/internal/shell/artifacts"
	"github.com/artpar/deployforge/internal/shell/docker"
	"github.com/artpar/deployforge/internal/shell/events"
	"github.com/artpar/deployforge/internal/shell/queue"
	"github.com/artpar/deployforge/internal/shell/stages"
	"github.com/artpar/deployforge/internal/shell/store"
	"github.com/artpar/deployforge/internal/shell/workers"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitDockerError     = 3
	ExitHTTPServerError = 4
	ExitStorageError    = 5
)

// =============================================================================
// Server
// =============================================================================

// Server owns every long-lived component of the engine.
type Server struct {
	config     *Config
	httpServer *http.Server
	store      *store.SQLStore
	queue      *queue.MemoryQueue
	pool       *queue.Pool
	recovery   *workers.Recovery
	hub        *events.Hub
	docker     docker.Client
	logger     *slog.Logger
}

// NewServer creates a new server with the given config.
func NewServer(ctx context.Context, cfg *Config, logger *slog.Logger) (*Server, error) {
	s, err := openStore(ctx, cfg)
	if err != nil {
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitDatabaseError}
	}

	pipeline, dockerClient, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	workspaces, err := stages.NewWorkspaces(cfg.Stages.WorkspaceDir)
	if err != nil {
		s.Close()
		closeDocker(dockerClient, logger)
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitConfigError}
	}

	policy, err := workers.ParseRecoveryPolicy(cfg.Worker.RecoveryPolicy)
	if err != nil {
		s.Close()
		closeDocker(dockerClient, logger)
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitConfigError}
	}

	hub := events.NewHub(cfg.Auth.AllowedOrigins, logger)
	q := queue.NewMemoryQueue(cfg.Queue.Capacity)

	worker := workers.NewWorker(s, pipeline, workspaces, hub, workers.WorkerConfig{
		StageTimeout:  cfg.Worker.StageTimeout,
		KeepWorkspace: cfg.Worker.KeepWorkspace,
	}, logger)

	recovery := workers.NewRecovery(s, q, worker, policy, logger)

	pool := queue.NewPool(q, recovery.Process, queue.PoolConfig{
		Size:     cfg.Queue.Consumers,
		Interval: cfg.Queue.PollInterval,
	}, logger)

	controller := admission.NewController(s, q, hub, admission.Config{
		MaxActivePerUser: cfg.Admission.MaxActivePerUser,
	}, logger)

	handler := api.NewHandler(controller, s, hub, api.Config{
		Auth: apimw.AuthConfig{
			Mode:         cfg.Auth.Mode,
			SharedSecret: cfg.Auth.SharedSecret,
			JWTSecret:    []byte(cfg.Auth.JWTSecret),
			DevUsers:     s,
			Logger:       logger,
		},
		AllowedOrigins: cfg.Auth.AllowedOrigins,
		Version:        Version,
	}, logger)

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		store:      s,
		queue:      q,
		pool:       pool,
		recovery:   recovery,
		hub:        hub,
		docker:     dockerClient,
		logger:     logger,
	}, nil
}

func openStore(ctx context.Context, cfg *Config) (*store.SQLStore, error) {
	dsn := cfg.Database.DSN
	if cfg.Database.Driver == string(store.DialectSQLite) {
		if err := ensureParentDir(dsn); err != nil {
			return nil, err
		}
	}
	return store.Open(ctx, store.Config{
		Driver:       store.Dialect(cfg.Database.Driver),
		DSN:          dsn,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
}

// buildPipeline assembles the stage handlers for the configured mode. The
// returned docker client is nil unless stages run in containers.
func buildPipeline(ctx context.Context, cfg *Config, logger *slog.Logger) (stages.Pipeline, docker.Client, error) {
	if cfg.Stages.Mode == StagesSimulated {
		logger.Info("stages simulated", "delay", cfg.Stages.SimulatedDelay)
		return stages.SimulatedPipeline(cfg.Stages.SimulatedDelay), nil, nil
	}

	artifactStore, err := openArtifactStore(ctx, cfg.Artifacts)
	if err != nil {
		return stages.Pipeline{}, nil, &ServerError{Op: "buildPipeline", Err: err, ExitCode: ExitStorageError}
	}

	var runner stages.Runner = stages.HostRunner{}
	var dockerClient docker.Client
	if cfg.Stages.Mode == StagesDocker {
		d, err := docker.NewDockerClient(ctx, cfg.Stages.DockerHost)
		if err != nil {
			return stages.Pipeline{}, nil, &ServerError{Op: "buildPipeline", Err: err, ExitCode: ExitDockerError}
		}
		if err := d.Ping(ctx); err != nil {
			d.Close()
			return stages.Pipeline{}, nil, &ServerError{Op: "buildPipeline", Err: err, ExitCode: ExitDockerError}
		}
		dockerClient = d
		runner = docker.NewCommandRunner(d, cfg.Stages.DockerImage, logger)
	}

	pipeline := stages.Pipeline{
		Clone:   stages.GitClone{Token: cfg.Stages.GitToken, SSHKey: cfg.Stages.GitSSHKey},
		Install: stages.CommandStage{Step: stages.StepInstall, Runner: runner},
		Build:   stages.CommandStage{Step: stages.StepBuild, Runner: runner},
		Upload:  stages.Upload{Store: artifactStore, Prefix: cfg.Artifacts.Prefix},
	}
	if err := pipeline.Validate(); err != nil {
		closeDocker(dockerClient, logger)
		return stages.Pipeline{}, nil, &ServerError{Op: "buildPipeline", Err: err, ExitCode: ExitConfigError}
	}

	logger.Info("stages configured", "mode", cfg.Stages.Mode, "artifacts", cfg.Artifacts.Backend)
	return pipeline, dockerClient, nil
}

func openArtifactStore(ctx context.Context, cfg ArtifactsConfig) (artifacts.Store, error) {
	switch cfg.Backend {
	case ArtifactsS3:
		return artifacts.NewS3Store(ctx, artifacts.S3Config{
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
		})
	case ArtifactsMinIO:
		m, err := artifacts.NewMinIOStore(artifacts.MinIOConfig{
			Endpoint:  cfg.Endpoint,
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			UseSSL:    cfg.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := m.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return m, nil
	case ArtifactsLocal:
		return artifacts.NewLocalStore(cfg.LocalDir)
	default:
		return nil, fmt.Errorf("unknown artifacts backend %q", cfg.Backend)
	}
}

func closeDocker(d docker.Client, logger *slog.Logger) {
	if d == nil {
		return
	}
	if err := d.Close(); err != nil {
		logger.Error("Docker client close error", "error", err)
	}
}

// Start runs recovery, starts the workers and the HTTP server, and blocks
// until shutdown.
func (s *Server) Start(ctx context.Context) error {
	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go s.hub.Run(hubCtx)

	// Recovery runs before the consumers start so requeued work keeps its
	// creation order ahead of anything admitted afterwards and resumed work
	// shares the consumers' slots.
	report, err := s.recovery.Run(ctx)
	if err != nil {
		s.store.Close()
		return &ServerError{Op: "Start", Err: fmt.Errorf("recovery: %w", err), ExitCode: ExitDatabaseError}
	}
	s.logger.Info("recovered deployments",
		"requeued", report.Requeued,
		"resumed", report.Resumed,
		"failed", report.Failed,
	)

	s.pool.Start()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server",
			"address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		s.Shutdown(context.Background())
		return &ServerError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitHTTPServerError,
		}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown stops accepting requests, lets in-flight deployments finish within
// the shutdown timeout, and closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	s.pool.Stop()
	if err := s.pool.Wait(shutdownCtx); err != nil {
		s.logger.Warn("in-flight deployments did not finish before shutdown; they will be recovered on restart",
			"error", err)
	}
	s.queue.Close()

	closeDocker(s.docker, s.logger)

	if err := s.store.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
