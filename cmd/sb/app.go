package main

import (
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/zulandar/switchboard/internal/admission"
	"github.com/zulandar/switchboard/internal/archive"
	"github.com/zulandar/switchboard/internal/bot"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/metrics"
	"github.com/zulandar/switchboard/internal/responder"
	"github.com/zulandar/switchboard/internal/safety"
	"github.com/zulandar/switchboard/internal/surface"
	"github.com/zulandar/switchboard/internal/surface/discord"
	"github.com/zulandar/switchboard/internal/surface/slack"
)

// app is a fully wired bot and the resources it owns.
type app struct {
	bot      *bot.Bot
	registry *prometheus.Registry
	db       *gorm.DB // nil when no database is configured
	surface  surface.Surface
}

// newSurface builds the messaging surface selected by the config. Tests
// override it.
var newSurface = func(cfg *config.Config, log logr.Logger) (surface.Surface, error) {
	switch cfg.Surface.Platform {
	case "mock":
		return surface.NewMockSurface(), nil
	case "discord":
		return discord.New(discord.Opts{BotToken: cfg.Surface.Discord.BotToken, Log: log})
	case "slack":
		return slack.New(slack.Opts{
			AppToken: cfg.Surface.Slack.AppToken,
			BotToken: cfg.Surface.Slack.BotToken,
			Log:      log,
		})
	default:
		return nil, fmt.Errorf("unsupported platform %q", cfg.Surface.Platform)
	}
}

// buildApp wires every component from cfg. On error nothing is left open.
func buildApp(cfg *config.Config, log logr.Logger) (_ *app, err error) {
	a := &app{registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(a.registry)
	if err != nil {
		return nil, err
	}

	var (
		backend admission.Backend
		pruner  bot.Pruner
		rec     bot.Archive
	)
	if cfg.Database.Enabled() {
		a.db, err = db.Open(cfg.Database)
		if err != nil {
			return nil, err
		}
		if err := db.AutoMigrate(a.db); err != nil {
			return nil, err
		}
		r, err := archive.NewRecorder(a.db, cfg.Surface.Platform)
		if err != nil {
			return nil, err
		}
		rec = r
		if cfg.RateLimiting.Distributed.Enabled {
			sb, err := admission.NewSQLBackend(a.db)
			if err != nil {
				return nil, err
			}
			backend, pruner = sb, sb
		}
	}

	ctrl, err := admission.New(admission.Opts{
		Config:  admission.FromConfig(cfg.RateLimiting),
		Backend: backend,
		Metrics: m,
		Log:     log,
	})
	if err != nil {
		return nil, err
	}

	gen, err := newResponder(cfg, m, log)
	if err != nil {
		return nil, err
	}

	surf, err := newSurface(cfg, log)
	if err != nil {
		return nil, err
	}
	a.surface = surf

	a.bot, err = bot.New(bot.Opts{
		Config:    cfg,
		Surface:   a.surface,
		Admission: ctrl,
		Policy:    safety.NewPolicy(safety.FromConfig(cfg.Safety), nil),
		Responder: gen,
		Archive:   rec,
		Pruner:    pruner,
		Metrics:   m,
		Log:       log,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// newResponder builds the responder, with an AI completer when one is
// configured.
func newResponder(cfg *config.Config, m *metrics.Metrics, log logr.Logger) (*responder.Responder, error) {
	var completer responder.Completer
	if cfg.AI.Enabled() {
		hc, err := responder.NewHTTPCompleter(responder.HTTPOpts{
			Endpoint:    cfg.AI.Endpoint,
			APIKey:      cfg.AI.APIKey,
			Model:       cfg.AI.Model,
			Temperature: cfg.AI.Temperature,
			MaxTokens:   cfg.AI.MaxTokens,
			Timeout:     time.Duration(cfg.AI.TimeoutSec) * time.Second,
			Metrics:     m,
		})
		if err != nil {
			return nil, err
		}
		completer = hc
	}
	return responder.New(responder.Opts{
		Config:    responder.FromConfig(cfg.Response),
		Completer: completer,
		CacheTTL:  time.Duration(cfg.AI.CacheTTLSec) * time.Second,
		Metrics:   m,
		Log:       log,
	})
}

// close releases the surface and the database. Surface.Close is safe to
// repeat after the bot's own Stop.
func (a *app) close() error {
	var err error
	if a.surface != nil {
		err = multierr.Append(err, a.surface.Close())
	}
	if a.db != nil {
		err = multierr.Append(err, db.Close(a.db))
	}
	return err
}
