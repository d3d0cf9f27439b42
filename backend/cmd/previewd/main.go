// Command previewd runs the project preview daemon: it exposes per-project
// loopback HTTP file servers on demand, bounded to a small pool and evicted
// on an LRU basis, for a host application to embed behind its own UI.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/websoft9/appos-previewd/internal/config"
	"github.com/websoft9/appos-previewd/internal/portmgr"
	"github.com/websoft9/appos-previewd/internal/servermgr"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "previewd",
		Short: "Preview daemon: on-demand per-project loopback file servers",
	}
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStatsCmd())
	return cmd
}

func newServeCmd() *cobra.Command {
	var projectFlags []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon, serving registered project roots until signaled to stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(projectFlags)
		},
	}
	cmd.Flags().StringArrayVar(&projectFlags, "project", nil, "projectID=rootPath pair to pre-register; may be repeated")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print the effective configuration as JSON and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
}

func runServe(projectFlags []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := setupLogger(cfg)
	logger.Info().
		Str("bind_address", cfg.BindAddress).
		Int("port_low", cfg.PortRangeLow).
		Int("port_high", cfg.PortRangeHigh).
		Int("max_active_servers", cfg.MaxActiveServers).
		Msg("starting preview daemon")

	portMgr, err := portmgr.New(cfg.DataDir, cfg.PortRangeLow, cfg.PortRangeHigh, logger)
	if err != nil {
		return fmt.Errorf("init port manager: %w", err)
	}

	mgr := servermgr.New(portMgr, servermgr.Config{
		BindAddress:      cfg.BindAddress,
		MaxActiveServers: cfg.MaxActiveServers,
		IdleTimeout:      cfg.IdleTimeout,
		ReaperInterval:   cfg.ReaperInterval,
		StartTimeout:     cfg.StartTimeout,
	}, logger)

	for _, pair := range projectFlags {
		id, root, ok := splitProjectFlag(pair)
		if !ok {
			logger.Warn().Str("flag", pair).Msg("ignoring malformed --project flag, expected projectID=rootPath")
			continue
		}
		if err := mgr.RegisterProjectRoot(id, root); err != nil {
			logger.Warn().Err(err).Str("project_id", id).Msg("failed to register project root")
			continue
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down preview daemon")
	done := make(chan struct{})
	go func() {
		mgr.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("preview daemon exited cleanly")
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("preview daemon shutdown timed out, exiting anyway")
	}
	return nil
}

func splitProjectFlag(pair string) (projectID, root string, ok bool) {
	for i := 0; i < len(pair); i++ {
		if pair[i] == '=' {
			return pair[:i], pair[i+1:], pair[:i] != "" && pair[i+1:] != ""
		}
	}
	return "", "", false
}

func setupLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	log.Logger = logger
	return logger
}
