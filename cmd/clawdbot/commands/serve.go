package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/clawdbot/clawdbot/pkg/clawdbot/admin"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/gateway"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/sessions"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/subagents"
)

// newServeCmd creates the `clawdbot serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator daemon",
		Long: `Start Clawdbot as a daemon: connects to the gateway, keeps the
subagent run registry, sweeps expired runs into the archive, and exposes
the local admin HTTP surface.

Examples:
  clawdbot serve
  clawdbot serve --config ./clawdbot.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, configPath, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := buildLogger(cmd, cfg)
	if configPath != "" {
		logger.Info("config loaded", "path", configPath)
	} else {
		logger.Info("no config file found, using defaults")
	}

	// ── Core wiring ──
	store := sessions.NewManager(cfg.Sessions, logger)
	gw := gateway.NewClient(cfg.Gateway, logger)
	retention := time.Duration(cfg.Subagents.RetentionMinutes) * time.Minute
	registry := subagents.NewRegistry(retention, logger)
	engine := subagents.NewEngine(cfg.Subagents, registry, gw, store, nil, cfg.Model, logger)

	// Completion announcements are injected into the requester's session and
	// delivered over the origin the spawn was requested from. Registering the
	// sink also enables the run watchers that settle finished children.
	engine.OnAnnounce(func(ann subagents.Announcement) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, err := gateway.StartAgent(ctx, gw, gateway.AgentParams{
			Message:        ann.Text,
			SessionKey:     ann.RequesterSessionKey,
			Channel:        ann.Origin.Channel,
			To:             ann.Origin.To,
			AccountID:      ann.Origin.AccountID,
			ThreadID:       ann.Origin.ThreadID,
			IdempotencyKey: uuid.New().String(),
			Deliver:        true,
		})
		if err != nil {
			logger.Warn("failed to deliver subagent announcement",
				"session", ann.RequesterSessionKey, "error", err)
		}
	})

	// ── Archive (optional) ──
	var archive *subagents.Archive
	var recent subagents.RecentRunSource
	if cfg.Subagents.ArchiveDB != "" {
		archive, err = subagents.OpenArchive(cfg.Subagents.ArchiveDB, logger)
		if err != nil {
			return fmt.Errorf("opening subagent archive: %w", err)
		}
		defer archive.Close()
		recent = archive
		logger.Info("subagent archive open", "path", cfg.Subagents.ArchiveDB)
	}

	handler := subagents.NewHandler(engine, recent, logger)

	// ── Maintenance jobs ──
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 1m", func() {
		evicted := registry.Sweep(time.Now())
		if len(evicted) == 0 {
			return
		}
		logger.Debug("swept ended subagent runs", "count", len(evicted))
		if archive != nil {
			archive.SaveAll(evicted)
		}
	}); err != nil {
		return fmt.Errorf("scheduling registry sweep: %w", err)
	}
	if archive != nil && cfg.Subagents.ArchiveRetentionDays > 0 {
		pruneAge := time.Duration(cfg.Subagents.ArchiveRetentionDays) * 24 * time.Hour
		if _, err := scheduler.AddFunc("@daily", func() {
			if _, err := archive.Prune(time.Now().Add(-pruneAge)); err != nil {
				logger.Warn("archive prune failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("scheduling archive prune: %w", err)
		}
	}
	scheduler.Start()

	// ── Admin HTTP surface ──
	adminServer := admin.New(cfg.Admin, handler, registry, cfg.MainSessionKey, logger)
	adminServer.Start()

	logger.Info("clawdbot running, press Ctrl+C to stop",
		"name", cfg.Name,
		"gateway", cfg.Gateway.URL,
		"admin", cfg.Admin.Address,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		cronCtx := scheduler.Stop()
		<-cronCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = adminServer.Stop(shutdownCtx)
		cancel()
		// Final sweep so nothing ended is lost on the way out.
		if archive != nil {
			var ended []subagents.RunRecord
			for _, rec := range registry.ListAll() {
				if rec.Ended() {
					ended = append(ended, rec)
				}
			}
			archive.SaveAll(ended)
		}
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	return nil
}
