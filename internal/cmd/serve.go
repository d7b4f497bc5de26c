package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/OWNER/sm/internal/config"
	"github.com/OWNER/sm/internal/constants"
	"github.com/OWNER/sm/internal/delivery"
	"github.com/OWNER/sm/internal/handoff"
	"github.com/OWNER/sm/internal/obs"
	"github.com/OWNER/sm/internal/server"
	"github.com/OWNER/sm/internal/session"
	"github.com/OWNER/sm/internal/telegram"
	"github.com/OWNER/sm/internal/tmux"
	"github.com/OWNER/sm/internal/watch"
)

var serveConfigPath string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultPath(), "Path to the config file")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session manager daemon",
	Long: `Run the daemon: the session registry, the message delivery engine, the
hook sink and the loopback control plane the other subcommands talk to.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	driver := tmux.NewTmux()
	if !driver.IsAvailable() {
		return fmt.Errorf("tmux is not installed or not runnable")
	}

	registry := session.NewRegistry(cfg.SnapshotPath())
	if err := registry.Load(); err != nil {
		return err
	}
	if stopped, err := registry.Recover(driver); err != nil {
		log.Printf("[serve] pane recovery: %v", err)
	} else if len(stopped) > 0 {
		log.Printf("[serve] marked %d session(s) with dead panes as stopped", len(stopped))
	}

	store, err := delivery.OpenStore(cfg.QueueDBPath())
	if err != nil {
		return err
	}
	defer store.Close()

	tools, err := obs.Open(cfg.ObsDBPath())
	if err != nil {
		return err
	}
	defer tools.Close()

	engine := delivery.NewEngine(registry, store, driver, tools)

	var gw *telegram.Gateway
	if cfg.Telegram.Token != "" {
		gw = telegram.NewGateway(telegram.NewClient(cfg.Telegram.Token), registry, engine, cfg.Telegram.ChatID)
		engine.SetRemoteNotifier(gw)
	}

	if err := engine.Start(); err != nil {
		return err
	}
	defer engine.Close()

	watcher := watch.New(registry, engine)
	defer watcher.Close()
	coordinator := handoff.New(registry, engine, driver, cfg.HandoffDir())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if gw != nil {
		go gw.Run(ctx)
		log.Printf("[serve] telegram gateway enabled for chat %d", cfg.Telegram.ChatID)
	}

	go pruneToolEvents(ctx, tools)

	srv := server.New(server.Options{
		Registry:       registry,
		Engine:         engine,
		Watcher:        watcher,
		Handoff:        coordinator,
		Driver:         driver,
		Tools:          tools,
		AgentCommands:  cfg.AgentCommands(),
		APIAddr:        cfg.APIAddr,
		WarnTokens:     cfg.Context.WarnTokens,
		CriticalTokens: cfg.Context.CriticalTokens,
	})

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(cfg.APIAddr) }()

	select {
	case <-ctx.Done():
		log.Printf("[serve] shutting down")
		return nil
	case err := <-errc:
		return err
	}
}

// pruneToolEvents trims the tool-event log on a fixed interval so it does not
// grow without bound across long daemon uptimes.
func pruneToolEvents(ctx context.Context, tools *obs.Store) {
	ticker := time.NewTicker(constants.ToolEventPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := tools.Prune(time.Now().Add(-constants.ToolEventRetention))
			if err != nil {
				log.Printf("[serve] pruning tool events: %v", err)
			} else if n > 0 {
				log.Printf("[serve] pruned %d old tool event(s)", n)
			}
		}
	}
}
