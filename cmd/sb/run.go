package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/zulandar/switchboard/internal/bot"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/dashboard"
	"github.com/zulandar/switchboard/internal/logging"
	"github.com/zulandar/switchboard/internal/surface"
)

func newRunCmd() *cobra.Command {
	var (
		configPath string
		dryRun     bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bot",
		Long: `Logs in to the configured platform and answers messages until stopped.

Signals: SIGINT/SIGTERM stop, SIGUSR1 pauses, SIGUSR2 resumes.
The config file is watched; rate limits, safety policy, and response
tables are reloaded on change.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, configPath, dryRun)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "wire every component and print the plan without logging in")
	return cmd
}

// readPassword prompts on the terminal. Tests override it.
var readPassword = func(prompt string, out io.Writer) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", nil
	}
	fmt.Fprint(out, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func runRun(cmd *cobra.Command, configPath string, dryRun bool) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return err
	}

	a, err := buildApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	if dryRun {
		printPlan(out, cfg)
		return nil
	}

	if cfg.Credentials.Username != "" && cfg.Credentials.Password == "" {
		pw, err := readPassword(fmt.Sprintf("Password for %s: ", cfg.Credentials.Username), out)
		if err != nil {
			return err
		}
		cfg.Credentials.Password = pw
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	creds := surface.Credentials{Username: cfg.Credentials.Username, Password: cfg.Credentials.Password}
	if err := a.bot.Start(ctx, creds); err != nil {
		return err
	}

	store := config.NewStore(cfg)
	go func() {
		err := config.Watch(ctx, configPath, store, func(c *config.Config) {
			if err := a.bot.ApplyConfig(c); err != nil {
				log.Error(err, "apply reloaded config")
			}
		}, log)
		if err != nil {
			log.Error(err, "config watch disabled")
		}
	}()

	if cfg.StatusServer.Enabled {
		go func() {
			err := dashboard.Start(ctx, dashboard.StartOpts{
				Provider: a.bot,
				Port:     cfg.StatusServer.Port,
				DB:       a.db,
				Gatherer: a.registry,
				Log:      log,
			})
			if err != nil {
				log.Error(err, "status server stopped")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigCh)

	stats := serve(a.bot, sigCh, log)
	fmt.Fprintf(out, "Stopped: read %d, sent %d, errors %d, runtime %s\n",
		stats.MessagesRead, stats.MessagesSent, stats.Errors, stats.Runtime.Round(time.Second))
	return nil
}

// runner is the part of *bot.Bot that serve drives.
type runner interface {
	Pause() bool
	Resume() bool
	Stop() bot.Stats
	Done() <-chan struct{}
}

// serve maps signals onto bot controls until the bot stops, either by a
// stop signal or on its own.
func serve(b runner, sigCh <-chan os.Signal, log logr.Logger) bot.Stats {
	for {
		select {
		case <-b.Done():
			return b.Stop()
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				if !b.Pause() {
					log.Info("pause ignored", "signal", sig.String())
				}
			case syscall.SIGUSR2:
				if !b.Resume() {
					log.Info("resume ignored", "signal", sig.String())
				}
			default:
				log.Info("shutting down", "signal", sig.String())
				return b.Stop()
			}
		}
	}
}

// printPlan describes what run would do.
func printPlan(out io.Writer, cfg *config.Config) {
	rl := cfg.RateLimiting
	fmt.Fprintf(out, "Platform:       %s\n", cfg.Surface.Platform)
	fmt.Fprintf(out, "Rate limiting:  %s (burst %d, %.2f/s, %d/min, %d/hour, %d/day)\n",
		rl.Strategy, rl.BurstSize, rl.RequestsPerSecond, rl.RequestsPerMinute, rl.MessagesPerHour, rl.MessagesPerDay)
	fmt.Fprintf(out, "Breaker:        %s\n", onOff(rl.CircuitBreaker.IsEnabled()))
	fmt.Fprintf(out, "Distributed:    %s\n", onOff(rl.Distributed.Enabled))
	fmt.Fprintf(out, "Disclosure:     %s\n", onOff(cfg.Safety.BotDisclosure.IsEnabled()))
	fmt.Fprintf(out, "Blacklist:      %d keywords\n", len(cfg.Safety.Blacklist.Keywords))
	fmt.Fprintf(out, "Auto-stop:      after %d messages or %.1f hours\n", cfg.Safety.AutoStop.AfterMessages, cfg.Safety.AutoStop.AfterHours)
	if cfg.AI.Enabled() {
		fmt.Fprintf(out, "Responses:      AI (%s) with %d templates, weight %.2f\n", cfg.AI.Model, len(cfg.Response.Templates), cfg.Response.TemplateWeight)
	} else {
		fmt.Fprintf(out, "Responses:      %d templates, %d keywords\n", len(cfg.Response.Templates), len(cfg.Response.Keywords))
	}
	if cfg.Database.Enabled() {
		fmt.Fprintf(out, "Database:       %s\n", cfg.Database.Driver)
	} else {
		fmt.Fprintf(out, "Database:       off\n")
	}
	if cfg.StatusServer.Enabled {
		fmt.Fprintf(out, "Status server:  :%d\n", cfg.StatusServer.Port)
	} else {
		fmt.Fprintf(out, "Status server:  off\n")
	}
	fmt.Fprintln(out, "\nDry run: not logging in.")
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
