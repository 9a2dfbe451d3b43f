package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sessionfabric/control-plane/src/agent"
)

func main() {
	var (
		controlURL   string
		token        string
		id           string
		name         string
		labelsCSV    string
		dataDir      string
		defaultShell string
		noUpgrade    bool
		configPath   string
	)

	root := &cobra.Command{
		Use:   "executor-agent",
		Short: "session fabric executor agent",
		Long:  "Runs on a remote host, registers with a control plane, and hosts terminal and rich sessions on its behalf.",
		RunE: func(cmd *cobra.Command, args []string) error {
			fileCfg, err := agent.LoadFileConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config file %s: %w", configPath, err)
			}

			cfg := agent.Config{
				URL: controlURL, Token: token, ID: id, Name: name, Labels: splitLabels(labelsCSV),
				DataDir: dataDir, DefaultShell: defaultShell, NoUpgrade: noUpgrade,
			}
			fileCfg.ApplyTo(&cfg)

			if cfg.URL == "" {
				return fmt.Errorf("--url (or EXECUTOR_URL) is required")
			}
			if cfg.Token == "" {
				return fmt.Errorf("--token (or EXECUTOR_TOKEN) is required")
			}
			if cfg.ID == "" {
				cfg.ID = uuid.NewString()
			}
			if cfg.Name == "" {
				cfg.Name, _ = os.Hostname()
			}
			cfg.Version = version()

			client := agent.New(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			upgrade := client.Run(ctx.Done())
			if upgrade {
				os.Exit(agent.UpgradeExitCode)
			}
			return nil
		},
	}

	root.Flags().StringVar(&controlURL, "url", envOr("EXECUTOR_URL", ""), "control plane base URL, e.g. ws://host:8080")
	root.Flags().StringVar(&token, "token", envOr("EXECUTOR_TOKEN", ""), "executor bearer token")
	root.Flags().StringVar(&id, "id", os.Getenv("EXECUTOR_ID"), "stable executor id (generated if empty)")
	root.Flags().StringVar(&name, "name", os.Getenv("EXECUTOR_NAME"), "display name (defaults to hostname)")
	root.Flags().StringVar(&labelsCSV, "labels", os.Getenv("EXECUTOR_LABELS"), "comma-separated labels")
	root.Flags().StringVar(&dataDir, "data-dir", envOr("EXECUTOR_DATA_DIR", "./data"), "directory for rich session event logs and fifos")
	root.Flags().StringVar(&defaultShell, "shell", envOr("DEFAULT_SHELL", "/bin/bash"), "default shell for terminal sessions")
	root.Flags().BoolVar(&noUpgrade, "no-upgrade", false, "ignore upgrade requests from the control plane")
	root.Flags().StringVar(&configPath, "config", envOr("EXECUTOR_CONFIG", ""), "optional YAML config file; flags and env vars override it")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func splitLabels(csv string) []string {
	var labels []string
	for _, l := range strings.Split(csv, ",") {
		if l = strings.TrimSpace(l); l != "" {
			labels = append(labels, l)
		}
	}
	return labels
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// buildVersion is set via -ldflags at release build time.
var buildVersion = "dev"

func version() string { return buildVersion }
