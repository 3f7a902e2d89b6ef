package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/schaermu/modsync/internal/config"
	"github.com/schaermu/modsync/internal/git"
	"github.com/schaermu/modsync/internal/logging"
	"github.com/schaermu/modsync/internal/reconcile"
	"github.com/schaermu/modsync/internal/report"
	modsync "github.com/schaermu/modsync/internal/sync"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// envFiles are loaded from the working directory before flags are read.
// Later files override earlier ones.
var envFiles = []string{".env", ".env.local"}

func main() {
	os.Exit(run(os.Args, os.Stdin, os.Stdout, os.Stderr))
}

// app holds the state of one invocation
type app struct {
	v      *viper.Viper
	stdout io.Writer
	stderr io.Writer
	logger zerolog.Logger
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	a := &app{
		v:      viper.New(),
		stdout: stdout,
		stderr: stderr,
		logger: zerolog.Nop(),
	}

	rootCmd := &cobra.Command{
		Use:   "modsync",
		Short: "Keep a game-mod collection in sync with its declared sources",
		Long: `modsync clones and updates the mods, client mods, games and texture packs
declared in its configuration file, each into its category folder below the
collection root.

Existing data is never overwritten: folders that are not repositories, or
whose remote cannot be determined, are reported as conflicts and left alone.
The link command mirrors the subdirectories of one directory into another
as symbolic links, with the same guarantee.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", config.DefaultPath(), "config file (.yaml, .toml or .json)")
	flags.String("collection", "", "collection root (overrides the config file)")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.String("log-format", "auto", "log format (auto, console, json)")
	flags.Int("jobs", 0, "packages reconciled in parallel per category (overrides sync.jobs)")

	rootCmd.AddCommand(
		a.syncCommand(),
		a.linkCommand(),
		a.statusCommand(),
		a.addCommand(),
		a.removeCommand(),
		a.serveCommand(),
		a.versionCommand(),
	)

	rootCmd.SetArgs(args[1:])
	rootCmd.SetIn(stdin)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

// setup loads env files, binds the flags and builds the logger
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	loadEnvFiles()

	a.v.SetEnvPrefix("MODSYNC")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	if err := a.v.BindPFlags(cmd.Root().PersistentFlags()); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}

	a.logger = logging.New(logging.Config{
		Level:  a.v.GetString("log-level"),
		Format: a.v.GetString("log-format"),
		Output: a.stderr,
	})
	return nil
}

func loadEnvFiles() {
	for i, name := range envFiles {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if i == 0 {
			_ = godotenv.Load(name)
		} else {
			_ = godotenv.Overload(name)
		}
	}
}

func (a *app) configPath() string {
	return a.v.GetString("config")
}

// loadConfig loads the config file and applies the --collection override
func (a *app) loadConfig() (*config.Config, error) {
	path := a.configPath()
	a.logger.Debug().Str("path", path).Msg("loading configuration")

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if c := a.v.GetString("collection"); c != "" {
		abs, err := filepath.Abs(os.ExpandEnv(c))
		if err != nil {
			return nil, err
		}
		cfg.Collection = abs
	}

	a.logger.Debug().
		Str("collection", cfg.Collection).
		Str("state_dir", cfg.Paths.StateDir).
		Int("jobs", cfg.Sync.Jobs).
		Str("auth", cfg.AuthMethod()).
		Msg("configuration loaded")

	return cfg, nil
}

// readConfigForEdit reads the config file without defaults, for commands
// that write it back. A missing file yields an empty configuration.
func (a *app) readConfigForEdit() (*config.Config, string, error) {
	path := os.ExpandEnv(a.configPath())
	cfg, err := config.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return &config.Config{}, path, nil
	}
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// newEngine wires the git client, reconcilers and reporter for cfg
func (a *app) newEngine(cfg *config.Config, reporter report.Reporter) *modsync.Engine {
	client := git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile, cfg.TimeoutDuration())
	registry := reconcile.NewDefaultRegistry(client, cfg.Sync.Remote, a.logger)
	return modsync.NewEngine(cfg, registry, reporter, a.logger)
}

// reporter writes styled lines to stdout, plus structured events to the
// log when it is consumed as JSON.
func (a *app) reporter() report.Reporter {
	console := report.NewConsoleReporter(a.stdout, logging.IsTerminal(a.stdout))
	if a.v.GetString("log-format") != "json" {
		return console
	}
	return report.NewMulti(console, report.NewLogReporter(a.logger))
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
