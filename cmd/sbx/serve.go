package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/actor"
	"github.com/zulandar/signalbox/internal/auth"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/effects"
	"github.com/zulandar/signalbox/internal/executor"
	"github.com/zulandar/signalbox/internal/gateway"
	"github.com/zulandar/signalbox/internal/index"
	"github.com/zulandar/signalbox/internal/notify"
	"github.com/zulandar/signalbox/internal/scm"
	"golang.org/x/term"
)

// Maintenance cadence and policy for the daemon's background jobs.
const (
	presenceReapEvery = "@every 1m"
	actorSweepEvery   = "@every 5m"
	staleExpireEvery  = "@every 30m"

	actorMaxIdle = 30 * time.Minute
	staleMaxAge  = 14 * 24 * time.Hour
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Signalbox daemon",
		Long:  "Starts the session gateway, the actor registry, and the index maintenance schedules. Runs until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Signalbox config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if err := ensureSecret(cfg, out); err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	store := index.NewStore(gormDB)

	reg, err := actor.NewRegistry(actor.RegistryOpts{
		Store:   store,
		Factory: claudeFactory(cfg),
		Config:  cfg,
		Effects: buildEffects(cfg),
	})
	if err != nil {
		return err
	}

	sched := cron.New()
	sched.AddFunc(presenceReapEvery, reg.ReapPresence)
	sched.AddFunc(actorSweepEvery, func() {
		if n := reg.Sweep(actorMaxIdle); n > 0 {
			log.Printf("serve: evicted %d idle session actors", n)
		}
	})
	sched.AddFunc(staleExpireEvery, func() {
		n, err := store.ExpireStale(time.Now().Add(-staleMaxAge))
		if err != nil {
			log.Printf("serve: expire stale sessions: %v", err)
		} else if n > 0 {
			log.Printf("serve: archived %d stale sessions", n)
		}
	})
	sched.Start()
	defer sched.Stop()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return gateway.Start(ctx, gateway.StartOpts{
		Registry: reg,
		Config:   cfg,
		Out:      out,
	})
}

// claudeFactory builds the per-session sandbox executor.
func claudeFactory(cfg *config.Config) executor.Factory {
	return func(sc executor.SessionConfig) executor.Executor {
		ex := executor.NewClaudeExecutor(cfg.Executor.Binary, cfg.Executor.WorkDir, sc)
		ex.Timeout = cfg.Executor.Timeout
		return ex
	}
}

// buildEffects wires the configured SCM provider and notifiers. Anything
// unconfigured is simply absent; a bare daemon runs with no side effects.
func buildEffects(cfg *config.Config) actor.SideEffects {
	var provider scm.Provider
	if cfg.SCM.GitHubToken != "" {
		p, err := scm.NewGitHubProvider(scm.GitHubProviderOpts{
			Token:     cfg.SCM.GitHubToken,
			Labels:    cfg.SCM.PRLabels,
			Reviewers: cfg.SCM.PRReviewers,
		})
		if err != nil {
			log.Printf("serve: github provider disabled: %v", err)
		} else {
			provider = p
		}
	}

	var notifiers []notify.Notifier
	if cfg.Notify.SlackChannel != "" {
		n, err := notify.NewSlack(notify.SlackOpts{
			Token:     cfg.Notify.SlackToken,
			ChannelID: cfg.Notify.SlackChannel,
		})
		if err != nil {
			log.Printf("serve: slack notifications disabled: %v", err)
		} else {
			notifiers = append(notifiers, n)
		}
	}
	if cfg.Notify.DiscordChannel != "" {
		n, err := notify.NewDiscord(notify.DiscordOpts{
			BotToken:  cfg.Notify.DiscordToken,
			ChannelID: cfg.Notify.DiscordChannel,
		})
		if err != nil {
			log.Printf("serve: discord notifications disabled: %v", err)
		} else {
			notifiers = append(notifiers, n)
		}
	}

	return effects.New(provider, notifiers...)
}

// ensureSecret guarantees a usable internal auth secret: config first, then
// the environment, then an interactive prompt when running on a terminal.
func ensureSecret(cfg *config.Config, out io.Writer) error {
	if cfg.Auth.Secret == "" {
		cfg.Auth.Secret = os.Getenv("SIGNALBOX_SECRET")
	}
	if cfg.Auth.Secret == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(out, "Internal auth secret: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return fmt.Errorf("read secret: %w", err)
		}
		cfg.Auth.Secret = strings.TrimSpace(string(raw))
	}
	return auth.RequireSecret(cfg.Auth.Secret)
}
