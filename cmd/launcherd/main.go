package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/openclaw/launcher/internal/adapters/docker"
	httpadapter "github.com/openclaw/launcher/internal/adapters/http"
	"github.com/openclaw/launcher/internal/adapters/registry"
	"github.com/openclaw/launcher/internal/config"
	"github.com/openclaw/launcher/internal/core/services"
	"github.com/openclaw/launcher/internal/egress"
	"github.com/openclaw/launcher/internal/workspace"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runtime, err := docker.NewAdapter()
	if err != nil {
		log.Fatal().Err(err).Msg("docker adapter init failed")
	}
	if err := runtime.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("docker daemon unreachable")
	}
	if err := runtime.EnsureNetwork(ctx, cfg.Egress.Network, cfg.Egress.Subnet, cfg.Egress.Gateway); err != nil {
		log.Fatal().Err(err).Str("network", cfg.Egress.Network).Msg("egress network setup failed")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("data dir setup failed")
	}
	reg := registry.New(filepath.Join(cfg.DataDir, "instances.json"), cfg.LockTimeout, log)

	templateDir := filepath.Join(cfg.DataDir, "templates")
	if err := workspace.SyncTemplates(ctx, templateDir, cfg.TemplateRepo); err != nil {
		log.Warn().Err(err).Msg("template sync failed, seeding without templates")
	}
	ws := workspace.NewManager(filepath.Join(cfg.DataDir, "instances"), templateDir, log)

	proxy := egress.New(cfg.Egress.ListenAddr, egress.NewAllowlist(cfg.Egress.Allowlist), log)
	if err := proxy.Start(); err != nil {
		log.Fatal().Err(err).Msg("egress proxy start failed")
	}
	defer proxy.Close()

	cache := services.NewStatusCache()
	restarts := services.NewRestartCounters()
	orchestrator := services.NewOrchestrator(cfg, reg, runtime, ws, cache, restarts, proxy.Allowlist(), log)
	reconciler := services.NewReconciler(reg, runtime, cache, restarts, proxy, cfg.ReconcileInterval, log)
	reconciler.Start(ctx)

	handler := httpadapter.NewInstanceHandler(orchestrator, reg, runtime, cache, restarts, ws, proxy.Counters())

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/health", handler.Health)
	app.Get("/metrics", httpadapter.MetricsHandler(reg, cache, restarts, proxy.Counters()))

	api := app.Group("/api", httpadapter.Auth(cfg.AuthToken))
	api.Get("/instances", handler.ListInstances)
	api.Post("/launch", handler.Launch)
	api.Post("/stop", handler.Stop)
	api.Post("/destroy", handler.Destroy)
	api.Get("/stats/:id", handler.Stats)
	api.Get("/logs/:id", handler.Logs)
	api.Get("/files/:id", handler.ListFiles)
	api.Get("/files/:id/:filename", handler.ReadFile)
	api.Put("/files/:id/:filename", handler.WriteFile)
	api.Post("/egress/:id", handler.GrantEgress)
	api.Delete("/egress/:id", handler.RevokeEgress)
	api.Get("/egress/stats", handler.EgressStats)

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("launcherd listening")
		if err := app.Listen(cfg.ListenAddr); err != nil {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	cancel()
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
	}
}
