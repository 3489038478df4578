package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/ashureev/agentdesk/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type rootOptions struct {
	configFile string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	serveOpts := &serveOptions{}

	root := &cobra.Command{
		Use:           "agentdesk",
		Short:         "Orchestrates sandboxed computer-use agent sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts, serveOpts)
		},
	}
	addGlobalFlags(root.PersistentFlags(), opts)
	addServeFlags(root.Flags(), serveOpts)

	root.AddCommand(
		newServeCmd(opts),
		newSweepCmd(opts),
		newVersionCmd(),
	)
	return root
}

func addGlobalFlags(fs *pflag.FlagSet, opts *rootOptions) {
	fs.StringVar(&opts.configFile, "config", "", "config file (yaml, toml or env) layered under environment variables")
	fs.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading configuration")
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "agentdesk", version)
		},
	}
}

// setup loads the dotenv file and configuration and installs the JSON
// logger as the default.
func setup(opts *rootOptions) (*config.Config, *slog.Logger, error) {
	envErr := godotenv.Load(opts.envFile)

	cfg, err := config.Load(opts.configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return nil, nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if envErr != nil {
		if errors.Is(envErr, fs.ErrNotExist) {
			logger.Info("No .env file found, using environment variables", "path", opts.envFile)
		} else {
			logger.Warn("Failed to load .env file", "path", opts.envFile, "error", envErr)
		}
	}
	return cfg, logger, nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
