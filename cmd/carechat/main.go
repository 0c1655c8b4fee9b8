package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/unimindcare/carechat/config"
	"github.com/unimindcare/carechat/internal/auth"
	"github.com/unimindcare/carechat/internal/handlers"
	"github.com/unimindcare/carechat/internal/observability"
	"github.com/unimindcare/carechat/internal/peer"
	"github.com/unimindcare/carechat/internal/session"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	tokens := auth.Store{File: cfg.Client.TokenFile, Session: cfg.Client.Token}
	sess := session.New(session.Config{
		SignalingURL:   cfg.Client.SignalingURL,
		ServerURL:      cfg.Client.ServerURL,
		ICEServers:     cfg.Client.STUNURLs,
		ReconnectDelay: cfg.Client.ReconnectDelay,
		RedirectDelay:  cfg.Client.RedirectDelay,
		RequestTimeout: cfg.Client.RequestTimeout,
		Media: peer.SampleSource{
			Audio:  cfg.Client.MediaAudio,
			Video:  cfg.Client.MediaVideo,
			Logger: logger,
		},
	}, tokens, func() {
		logger.Warn("login required", slog.String("login_url", cfg.Client.ServerURL+"/login"))
	}, logger)

	httpServer := &http.Server{
		Addr:              cfg.Client.ListenAddr,
		Handler:           handlers.NewControl(sess, logger).Router(cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting control api", slog.String("addr", cfg.Client.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		start(gctx, sess, cfg.Client.ReconnectDelay, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sess.Teardown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("client stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("client stopped")
}

// start initializes the session, retrying while the relay is unreachable.
// Authentication failures are final; the control API reports them.
func start(ctx context.Context, sess *session.Session, retry time.Duration, logger *slog.Logger) {
	for {
		err := sess.Init(ctx)
		switch {
		case err == nil:
			return
		case errors.Is(err, auth.ErrUnauthorized):
			logger.Error("session rejected", slog.String("error", err.Error()))
			return
		}
		logger.Warn("session start failed, retrying", slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return
		case <-time.After(retry):
		}
	}
}
