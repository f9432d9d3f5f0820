package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vellum-app/vellum/internal/backoff"
	"github.com/vellum-app/vellum/internal/engine"
	"github.com/vellum-app/vellum/internal/generate"
	"github.com/vellum-app/vellum/internal/histcache"
	"github.com/vellum-app/vellum/internal/journal"
	"github.com/vellum-app/vellum/internal/server"
	"github.com/vellum-app/vellum/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the project API for the editor UI",
	Long: `Open the project, start the recovery journal and autosaver, and
serve the HTTP API plus the WebSocket event stream. Stops cleanly on
SIGINT/SIGTERM: a shutdown snapshot is captured and the journal removed.

An unclean previous shutdown must be resolved first with 'vellum open'.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := newLogger("serve")

		gen := buildGenerator()

		sess, err := engine.Open(projectDir, gen, &engine.Config{
			Model:  viper.GetString("model"),
			Logger: newLogger("engine"),
		})
		if err != nil {
			fatal("%v", err)
		}

		status, err := sess.Recovery(time.Now())
		if err != nil {
			fatal("%v", err)
		}
		if status.State == journal.StatePromptRestore {
			fatal("unclean shutdown detected; run 'vellum open' first")
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if gen != nil {
			if err := generate.WaitReady(ctx, gen, backoff.DefaultConfig()); err != nil {
				ui.Warning(fmt.Sprintf("generation backend unreachable: %v", err))
				logger.Printf("Continuing without generation: %v", err)
			}
		} else {
			ui.Warning("no ANTHROPIC_API_KEY configured; critique calls are disabled")
		}

		if err := sess.Begin(ctx); err != nil {
			fatal("%v", err)
		}

		syncHistoryCache(ctx, sess, logger)

		srv := server.NewServer(sess, &server.Config{
			Port:   viper.GetInt("port"),
			Logger: logger,
		})
		if err := srv.Start(); err != nil {
			fatal("%v", err)
		}

		ui.Banner(sess.Manifest().Name, fmt.Sprintf("API on %s", srv.Addr()))

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		ui.Info("Shutting down")
		if err := srv.Stop(); err != nil {
			logger.Printf("Server stop failed: %v", err)
		}
		if err := sess.Close(); err != nil {
			fatal("shutdown failed: %v", err)
		}
		ui.Success("Clean shutdown")
	},
}

// buildGenerator wires the Anthropic backend when an API key is configured.
func buildGenerator() generate.Generator {
	cfg := generate.DefaultAnthropicConfig()
	cfg.Model = viper.GetString("model")
	cfg.MaxTokens = viper.GetInt64("max_tokens")
	cfg.Logger = newLogger("generate")
	if key := viper.GetString("api_key"); key != "" {
		cfg.APIKey = key
	}

	gen, err := generate.NewAnthropic(cfg)
	if err != nil {
		return nil
	}
	return gen
}

// syncHistoryCache rebuilds the SQLite history cache now and then once a
// minute while serving.
func syncHistoryCache(ctx context.Context, sess *engine.Session, logger interface{ Printf(string, ...any) }) {
	cache, err := histcache.Open(filepath.Join(projectDir, histcache.CachePath))
	if err != nil {
		logger.Printf("History cache unavailable: %v", err)
		return
	}

	sync := func() {
		snaps, err := sess.Snapshots().List()
		if err != nil {
			logger.Printf("History cache sync failed: %v", err)
			return
		}
		entries, err := sess.Ledger().Entries()
		if err != nil {
			logger.Printf("History cache sync failed: %v", err)
			return
		}
		if err := cache.FullSync(ctx, snaps, entries); err != nil {
			logger.Printf("History cache sync failed: %v", err)
		}
	}

	sync()

	go func() {
		defer cache.Close()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sync()
			}
		}
	}()
}
