// Command voicechatd is the voicechat gateway daemon. It terminates call
// WebSockets, drives the configured speech providers, and serves metrics and
// health probes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/talhawkk/voicechat/internal/config"
	"github.com/talhawkk/voicechat/internal/gateway"
	"github.com/talhawkk/voicechat/internal/health"
	"github.com/talhawkk/voicechat/internal/observe"
	"github.com/talhawkk/voicechat/internal/store"
	agentdeepgram "github.com/talhawkk/voicechat/pkg/provider/agent/deepgram"
	"github.com/talhawkk/voicechat/pkg/provider/llm"
	"github.com/talhawkk/voicechat/pkg/provider/llm/anyllm"
	oaillm "github.com/talhawkk/voicechat/pkg/provider/llm/openai"
	sttdeepgram "github.com/talhawkk/voicechat/pkg/provider/stt/deepgram"
	"github.com/talhawkk/voicechat/pkg/provider/tts/elevenlabs"
)

// version is injected at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicechatd: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicechatd: %v\n", err)
		}
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voicechatd",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("telemetry init failed", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	gwCfg, err := buildGatewayConfig(cfg)
	if err != nil {
		slog.Error("provider setup failed", "err", err)
		return 1
	}

	probes := health.New()

	// Exchange persistence is optional; calls run fine without it.
	if dsn := cfg.Storage.PostgresDSN; dsn != "" {
		pg, err := store.NewPostgres(ctx, dsn)
		if err != nil {
			slog.Error("exchange store unavailable", "err", err)
			return 1
		}
		defer pg.Close()

		rec := store.NewRecorder(pg, store.RecorderConfig{})
		defer rec.Close()
		gwCfg.Recorder = rec
		probes.Add("database", pg.Ping)
		slog.Info("exchange persistence enabled")
	}

	gw, err := gateway.NewServer(gwCfg)
	if err != nil {
		slog.Error("gateway setup failed", "err", err)
		return 1
	}

	callMux := http.NewServeMux()
	callMux.Handle("/call", observe.Middleware(observe.DefaultMetrics())(gw))
	callServer := &http.Server{Addr: cfg.Server.ListenAddr, Handler: callMux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("call endpoint listening", "addr", cfg.Server.ListenAddr)
		if err := callServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("call endpoint: %w", err)
		}
		return nil
	})

	var opsServer *http.Server
	if cfg.Server.MetricsAddr != "" {
		opsMux := http.NewServeMux()
		opsMux.Handle("/metrics", promhttp.Handler())
		probes.Register(opsMux)
		opsServer = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: opsMux}

		g.Go(func() error {
			slog.Info("metrics endpoint listening", "addr", cfg.Server.MetricsAddr)
			if err := opsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics endpoint: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		var errs []error
		errs = append(errs, callServer.Shutdown(shutdownCtx))
		if opsServer != nil {
			errs = append(errs, opsServer.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildGatewayConfig instantiates the configured providers.
func buildGatewayConfig(cfg *config.Config) (gateway.Config, error) {
	out := gateway.Config{
		Instructions: cfg.Agent.Instructions,
		Greeting:     cfg.Agent.Greeting,
	}

	if entry := cfg.Providers.Agent; entry.Configured() {
		p, err := buildAgent(entry)
		if err != nil {
			return gateway.Config{}, fmt.Errorf("providers.agent: %w", err)
		}
		out.Agent = p
	}
	if entry := cfg.Providers.STT; entry.Configured() {
		p, err := buildSTT(entry)
		if err != nil {
			return gateway.Config{}, fmt.Errorf("providers.stt: %w", err)
		}
		out.Transcriber = p
	}
	if entry := cfg.Providers.LLM; entry.Configured() {
		p, err := buildLLM(entry)
		if err != nil {
			return gateway.Config{}, fmt.Errorf("providers.llm: %w", err)
		}
		out.Responder = p
	}
	if entry := cfg.Providers.TTS; entry.Configured() {
		p, err := buildTTS(entry)
		if err != nil {
			return gateway.Config{}, fmt.Errorf("providers.tts: %w", err)
		}
		out.Synthesizer = p
	}
	return out, nil
}

func buildAgent(entry config.ProviderEntry) (*agentdeepgram.Provider, error) {
	if entry.Name != "deepgram" {
		return nil, fmt.Errorf("unknown agent provider %q", entry.Name)
	}
	var opts []agentdeepgram.Option
	if entry.BaseURL != "" {
		opts = append(opts, agentdeepgram.WithBaseURL(entry.BaseURL))
	}
	if entry.Model != "" {
		opts = append(opts, agentdeepgram.WithListenModel(entry.Model))
	}
	return agentdeepgram.New(entry.APIKey, opts...)
}

func buildSTT(entry config.ProviderEntry) (*sttdeepgram.Transcriber, error) {
	if entry.Name != "deepgram" {
		return nil, fmt.Errorf("unknown stt provider %q", entry.Name)
	}
	var opts []sttdeepgram.Option
	if entry.Model != "" {
		opts = append(opts, sttdeepgram.WithModel(entry.Model))
	}
	if entry.Language != "" {
		opts = append(opts, sttdeepgram.WithLanguage(entry.Language))
	}
	if entry.BaseURL != "" {
		opts = append(opts, sttdeepgram.WithBaseURL(entry.BaseURL))
	}
	return sttdeepgram.New(entry.APIKey, opts...)
}

// buildLLM uses the native OpenAI client for "openai" and routes every other
// backend through the any-llm multiplexer.
func buildLLM(entry config.ProviderEntry) (llm.Responder, error) {
	if entry.Name == "openai" {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	}

	var opts []anyllmlib.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	return anyllm.New(entry.Name, entry.Model, opts...)
}

func buildTTS(entry config.ProviderEntry) (*elevenlabs.Synthesizer, error) {
	if entry.Name != "elevenlabs" {
		return nil, fmt.Errorf("unknown tts provider %q", entry.Name)
	}
	var opts []elevenlabs.Option
	if entry.Model != "" {
		opts = append(opts, elevenlabs.WithModel(entry.Model))
	}
	if entry.BaseURL != "" {
		opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
	}
	return elevenlabs.New(entry.APIKey, entry.VoiceID, opts...)
}
