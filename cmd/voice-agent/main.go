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

	"github.com/UtkarshKm/ai-voice-agent/internal/dotenv"
	"github.com/UtkarshKm/ai-voice-agent/pkg/gateway/config"
	gatewayserver "github.com/UtkarshKm/ai-voice-agent/pkg/gateway/server"
	"github.com/UtkarshKm/ai-voice-agent/pkg/llm"
	"github.com/UtkarshKm/ai-voice-agent/pkg/store"
	"github.com/UtkarshKm/ai-voice-agent/pkg/tools"
	"github.com/UtkarshKm/ai-voice-agent/pkg/voice/stt"
	"github.com/UtkarshKm/ai-voice-agent/pkg/voice/tts"
)

type agentDeps struct {
	loadConfig   func() (config.Config, error)
	buildStore   func(context.Context, config.Config) (store.Store, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultAgentDeps() agentDeps {
	return agentDeps{
		loadConfig: config.LoadFromEnv,
		buildStore: buildStore,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreRedis:
		return store.NewRedis(ctx, store.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	case config.StorePostgres:
		return store.NewPostgres(ctx, cfg.DatabaseURL)
	default:
		return store.NewMemory(), nil
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func newToolRegistry(cfg config.Config) *tools.Registry {
	httpClient := &http.Client{Timeout: cfg.APITimeout}
	executors := []tools.Executor{
		tools.NewWeather("https://wttr.in", httpClient),
	}
	if cfg.TavilyKey != "" {
		executors = append(executors, tools.NewWebSearch(cfg.TavilyKey, "https://api.tavily.com", httpClient))
	}
	return tools.NewRegistry(executors...)
}

func runAgent(ctx context.Context, logger *slog.Logger, deps agentDeps) error {
	if deps.loadConfig == nil || deps.buildStore == nil {
		return errors.New("missing config or store dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := deps.buildStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("close session store", "error", err)
		}
	}()

	reaper := store.NewReaper(st, store.ReaperConfig{
		Interval: cfg.ReapInterval,
		Idle:     cfg.SessionIdle,
		Logger:   logger,
	})
	reaper.Start()
	defer reaper.Stop()

	driver, err := llm.NewDriver(ctx, cfg.GeminiKey, newToolRegistry(cfg), llm.Options{
		Model:   cfg.Model,
		Timeout: cfg.APITimeout,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("init generation driver: %w", err)
	}

	gw := gatewayserver.New(cfg, logger, gatewayserver.Dependencies{
		Store:     st,
		STT:       stt.NewAssemblyAI(cfg.AssemblyAIKey),
		TTS:       tts.NewMurf(cfg.MurfKey),
		Generator: driver,
	})
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting voice agent",
		"addr", cfg.Addr,
		"store", cfg.StoreBackend,
		"model", cfg.Model,
		"session_idle", cfg.SessionIdle.String())

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

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("voice agent stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps agentDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.Load(".env"); err != nil {
		fmt.Fprintf(stderr, "voice-agent: %v\n", err)
		return 1
	}

	if err := runAgent(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "voice-agent: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultAgentDeps()))
}
