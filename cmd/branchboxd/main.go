package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/branchbox/branchbox/internal/app/migrate"
	"github.com/branchbox/branchbox/internal/docker"
	"github.com/branchbox/branchbox/internal/driver"
	httpx "github.com/branchbox/branchbox/internal/http"
	"github.com/branchbox/branchbox/internal/repository/postgres"
	"github.com/branchbox/branchbox/internal/runner"
	"github.com/branchbox/branchbox/internal/service/lifecycle"
	"github.com/branchbox/branchbox/internal/tunnel"
	"github.com/branchbox/branchbox/internal/vcs"
	"github.com/branchbox/branchbox/internal/workspace"
	"github.com/branchbox/branchbox/internal/ws"
	"github.com/branchbox/branchbox/pkg/config"
	"github.com/branchbox/branchbox/pkg/logger"
)

func main() {
	cfg := config.LoadServerConfig()
	log := logger.New("branchboxd", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	migrator, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer migrator.Close()
	if err := migrator.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := migrator.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	dockerClient, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		log.Error("docker ping failed", "error", err)
		os.Exit(1)
	}

	workdirs, err := workspace.New(cfg.BaseWorkdir)
	if err != nil {
		log.Error("failed to prepare workspace root", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	ports, err := lifecycle.NewPortAllocator(repo, cfg.PortRangeStart, cfg.PortRangeEnd)
	if err != nil {
		log.Error("invalid port range", "error", err)
		os.Exit(1)
	}

	run := runner.New(log)
	vcsClient := vcs.New(cfg.GitHubAPIURL, cfg.GitHubOwner, cfg.GitHubRepo, cfg.GitHubToken, run, log)
	runtime := driver.New(dockerClient, run, cfg.ComposeFile, cfg.DockerNetwork, log)
	tunnels := tunnel.New(tunnel.Config{
		Binary:       cfg.NgrokBinary,
		Region:       cfg.NgrokRegion,
		Authtoken:    cfg.NgrokAuthtoken,
		APIURL:       cfg.NgrokAPIURL,
		PollAttempts: cfg.TunnelPollAttempts,
		PollInterval: cfg.TunnelPollInterval,
	}, log)

	hub := ws.NewHub()
	events := ws.NewEventPublisher(hub, log)

	svc := lifecycle.New(repo, vcsClient, runtime, tunnels, workdirs, ports, events, lifecycle.Config{
		AllowedServices: cfg.AllowedServices,
		DefaultTTL:      cfg.DefaultTTL,
		GitTimeout:      cfg.GitTimeout,
		BuildTimeout:    cfg.BuildTimeout,
		ServicePort:     cfg.ServicePort,
	}, log)

	// Destroys interrupted by a crash resume before traffic is accepted.
	if recovered, err := svc.RecoverInterrupted(ctx); err != nil {
		log.Error("recovery of interrupted destroys failed", "error", err)
	} else if recovered > 0 {
		log.Info("recovered interrupted destroys", "count", recovered)
	}

	go svc.Run(ctx, cfg.GCInterval)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, svc, hub, limiter, pool.Ping, dockerClient.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("provisioner starting",
			"addr", cfg.Addr,
			"workdir_root", cfg.BaseWorkdir,
			"port_range_start", cfg.PortRangeStart,
			"port_range_end", cfg.PortRangeEnd,
		)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("provisioner stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
