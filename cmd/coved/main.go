package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/covehq/cove/internal/config"
	"github.com/covehq/cove/internal/container"
	"github.com/covehq/cove/internal/logger"
	"github.com/covehq/cove/internal/runtime"
	"github.com/covehq/cove/internal/server"
	"github.com/covehq/cove/internal/session"
	"github.com/covehq/cove/internal/store"
	"github.com/covehq/cove/internal/terminal"
	"github.com/covehq/cove/internal/watcher"
	"github.com/covehq/cove/internal/workspace"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "coved",
		Short:   "cove session daemon — per-user sandboxed workspaces with terminals",
		Version: version,
		RunE:    runServe,
	}

	root.Flags().String("config", "", "config file path (yaml)")
	root.Flags().String("addr", "", "listen address (overrides config)")
	root.Flags().String("image", "", "container image (overrides config)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")

	var cfg *config.Config
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	if image, _ := cmd.Flags().GetString("image"); image != "" {
		cfg.Container.Image = image
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	if err := os.MkdirAll(cfg.Workspace.UsersDir, 0755); err != nil {
		return fmt.Errorf("create users dir: %w", err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	notifier, err := watcher.New(cfg.Workspace.UsersDir)
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer notifier.Close()

	workspaces := workspace.NewProvisioner(cfg.Workspace.UsersDir)
	client := runtime.NewDockerCLI("docker")
	containers := container.NewController(client, container.Options{
		Image:          cfg.Container.Image,
		Memory:         cfg.Container.Memory,
		CPUShares:      cfg.Container.CPUShares,
		RuntimeTimeout: cfg.Container.RuntimeTimeout,
	})
	orch := session.NewOrchestrator(workspaces, containers, client, notifier, st, terminal.Options{
		Shell: cfg.Terminal.Shell,
		Cols:  80,
		Rows:  24,
	})

	srv := server.New(orch, workspaces)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Server.Addr)
	}()

	logger.Info("coved started",
		"version", version,
		"addr", cfg.Server.Addr,
		"users_dir", cfg.Workspace.UsersDir,
		"image", cfg.Container.Image)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return srv.Close()
	case err := <-errCh:
		return err
	}
}
