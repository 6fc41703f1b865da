// Package cli implements the caam command tree. Commands that external
// tooling consumes (`list --json`, `switch --next --json`) print their
// contract shapes directly, without the human envelope.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/caam/internal/account"
	"github.com/Dicklesworthstone/caam/internal/affinity"
	"github.com/Dicklesworthstone/caam/internal/authpool"
	"github.com/Dicklesworthstone/caam/internal/config"
	"github.com/Dicklesworthstone/caam/internal/fetch"
	"github.com/Dicklesworthstone/caam/internal/history"
	"github.com/Dicklesworthstone/caam/internal/oauth"
	"github.com/Dicklesworthstone/caam/internal/quota"
	"github.com/Dicklesworthstone/caam/internal/rotation"
	"github.com/Dicklesworthstone/caam/internal/store"
)

// Version is stamped at build time.
var Version = "dev"

// App holds the wired dependencies shared by all commands.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Accounts *store.Store[account.Document]
	Sessions *store.Store[affinity.Document]
	History  *history.Logger
	Pool     *authpool.Pool
	Tracker  *quota.Tracker
}

type rootFlags struct {
	configPath string
	verbose    bool
}

func (f *rootFlags) app() (*App, error) {
	var cfg *config.Config
	var err error
	if f.configPath != "" {
		cfg, err = config.Load(f.configPath)
	} else {
		cfg, err = config.LoadOrDefault()
	}
	if err != nil {
		return nil, err
	}

	level := slog.LevelWarn
	if f.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	accounts := store.New(cfg.AccountsPath(), func(d *account.Document) { d.Normalize() }, store.Options{Logger: logger})
	sessions := store.New(cfg.SessionsPath(), func(d *affinity.Document) { affinity.Sanitize(d) }, store.Options{Logger: logger})

	hist := history.NewLogger(history.Options{
		Path:       cfg.HistoryPath(),
		MaxEntries: cfg.History.MaxEntries,
		Enabled:    cfg.History.Enabled,
	})

	pool := authpool.New(authpool.Options{
		Accounts:               accounts,
		Sessions:               sessions,
		Refresher:              oauth.NewClient(cfg.TokenEndpoints(), nil, logger),
		History:                hist,
		Logger:                 logger,
		DefaultStrategy:        rotation.ParseStrategy(cfg.DefaultStrategy, rotation.StrategySticky),
		LeaseTTL:               cfg.Rotation.LeaseTTL.Std(),
		MissingRefreshCooldown: cfg.Rotation.MissingRefreshCooldown.Std(),
		FailureCooldown:        cfg.Rotation.FailureCooldown.Std(),
	})

	tracker := quota.NewTracker(quota.WithFetcher(&quota.HTTPFetcher{
		Endpoints: cfg.UsageEndpoints(),
	}))

	return &App{
		Config:   cfg,
		Logger:   logger,
		Accounts: accounts,
		Sessions: sessions,
		History:  hist,
		Pool:     pool,
		Tracker:  tracker,
	}, nil
}

// Orchestrator builds the fetch orchestrator over the app pool.
func (a *App) Orchestrator() *fetch.Orchestrator {
	return fetch.New(fetch.Options{
		Pool:              a.Pool,
		Logger:            a.Logger,
		RateLimitCooldown: a.Config.Rotation.RateLimitCooldown.Std(),
	})
}

// NewRootCmd builds the caam command tree.
func NewRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "caam",
		Short: "Coding agent account manager",
		Long: `caam manages pools of OAuth accounts for coding agents: it stores
credentials per auth mode, rotates between accounts, refreshes access tokens
with cross-process coordination, and parks rate-limited accounts until they
recover.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "Config file (default: $XDG_CONFIG_HOME/caam/config.toml)")
	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(
		newListCmd(flags),
		newStatusCmd(flags),
		newSwitchCmd(flags),
		newTokenCmd(flags),
		newAccountsCmd(flags),
		newPruneCmd(flags),
		newServeCmd(flags),
	)
	return cmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := NewRootCmd().Execute(); err != nil {
		printCommandError(err)
		return 1
	}
	return 0
}
