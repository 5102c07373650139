// Package dashboard serves the read-only status API: bot state, admission
// control, tracked sessions, live status streams, and Prometheus metrics.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/zulandar/switchboard/internal/admission"
	"github.com/zulandar/switchboard/internal/bot"
	"github.com/zulandar/switchboard/internal/session"
)

// Provider is the view of the bot the dashboard reads. *bot.Bot implements it.
type Provider interface {
	Status() bot.Status
	AdmissionSnapshot() admission.Snapshot
	Sessions() []session.Session
}

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Provider Provider
	Port     int
	DB       *gorm.DB            // optional; enables the archive routes
	Gatherer prometheus.Gatherer // defaults to prometheus.DefaultGatherer
	Interval time.Duration       // status stream period; defaults to 2s
	Log      logr.Logger
}

const defaultInterval = 2 * time.Second

func (o *StartOpts) applyDefaults() {
	if o.Port <= 0 {
		o.Port = 8080
	}
	if o.Gatherer == nil {
		o.Gatherer = prometheus.DefaultGatherer
	}
	if o.Interval <= 0 {
		o.Interval = defaultInterval
	}
	if o.Log.GetSink() == nil {
		o.Log = logr.Discard()
	}
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Provider == nil {
		return fmt.Errorf("dashboard: provider is required")
	}
	opts.applyDefaults()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           newRouter(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			opts.Log.Error(err, "dashboard shutdown")
		}
	}()

	opts.Log.Info("dashboard listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// newRouter builds the gin engine. opts must have defaults applied.
func newRouter(opts StartOpts) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)
	return router
}
