// Command atelierd runs the Atelier gateway: the REST session surface plus
// the /v1/live voice-editing websocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/atelier-ai/atelier/internal/dotenv"
	"github.com/atelier-ai/atelier/pkg/editor"
	"github.com/atelier-ai/atelier/pkg/gateway/config"
	gatewayserver "github.com/atelier-ai/atelier/pkg/gateway/server"
	"github.com/atelier-ai/atelier/pkg/studio"
	"github.com/atelier-ai/atelier/pkg/studio/pgstore"
	"github.com/atelier-ai/atelier/pkg/upstream/gemini"
)

type daemonDeps struct {
	loadConfig   func() (config.Config, error)
	newGateway   func(config.Config, *slog.Logger, gatewayserver.Dependencies) *gatewayserver.Server
	openArchiver func(ctx context.Context, databaseURL string, logger *slog.Logger) (*pgstore.Archiver, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultDaemonDeps() daemonDeps {
	return daemonDeps{
		loadConfig:   config.LoadFromEnv,
		newGateway:   gatewayserver.New,
		openArchiver: pgstore.Open,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildLogger(cfg config.Config, fallback io.Writer) *slog.Logger {
	var out io.Writer = fallback
	if cfg.LogFile != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAgeDays,
			Compress:   true,
		}
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func runDaemon(ctx context.Context, stderr io.Writer, deps daemonDeps) error {
	if deps.loadConfig == nil || deps.newGateway == nil {
		return errors.New("missing gateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := buildLogger(cfg, stderr)

	client, err := gemini.New(ctx, gemini.Config{
		APIKey:     cfg.GeminiAPIKey,
		ImageModel: cfg.ImageModel,
		LiveModel:  cfg.LiveModel,
	})
	if err != nil {
		return fmt.Errorf("init gemini client: %w", err)
	}

	storeOpts := []studio.StoreOption{}
	var archiver *pgstore.Archiver
	if cfg.DatabaseURL != "" && deps.openArchiver != nil {
		archiver, err = deps.openArchiver(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("open session archive: %w", err)
		}
		storeOpts = append(storeOpts, studio.WithArchiver(archiver))
		logger.Info("session archive enabled")
	}

	store := studio.NewStore(storeOpts...)
	gw := deps.newGateway(cfg, logger, gatewayserver.Dependencies{
		Store:  store,
		Editor: editor.NewService(client),
		Dialer: client,
	})
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting gateway", "addr", cfg.Addr, "auth_mode", cfg.AuthMode)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()
	gw.WarnLiveSessionsDraining()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitLiveSessions(waitCtx) {
		gw.CancelLiveSessions()
	}

	if archiver != nil {
		archiveCtx, archiveCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer archiveCancel()
		archiver.Close(archiveCtx)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps daemonDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := dotenv.Load(".env"); err != nil {
		fmt.Fprintf(stderr, "atelierd: %v\n", err)
		return 1
	}

	if err := runDaemon(ctx, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "atelierd: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultDaemonDeps()))
}
