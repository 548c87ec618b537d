// Command voicechat is the interactive call client. It captures microphone
// audio, runs the local voice pipeline, and holds a call against a voicechat
// gateway until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/talhawkk/voicechat/internal/call"
	"github.com/talhawkk/voicechat/internal/capture"
	"github.com/talhawkk/voicechat/internal/config"
	"github.com/talhawkk/voicechat/internal/playback"
	paudio "github.com/talhawkk/voicechat/pkg/audio"
	"github.com/talhawkk/voicechat/pkg/audio/portaudio"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	gatewayURL := flag.String("gateway", "", "gateway WebSocket URL (overrides the config file)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicechat: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.SlogLevel(),
	}))
	slog.SetDefault(logger)

	url := cfg.Client.GatewayURL
	if *gatewayURL != "" {
		url = *gatewayURL
	}
	if url == "" {
		fmt.Fprintln(os.Stderr, "voicechat: no gateway URL; set client.gateway_url or pass -gateway")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Speaker first: scheduled playback needs the device before any agent
	// audio can arrive.
	speaker := &portaudio.PlaybackDevice{}
	if err := speaker.Open(ctx, paudio.PlaybackOptions{SampleRate: paudio.PlaybackRate}); err != nil {
		slog.Error("playback device unavailable", "err", err)
		return 1
	}
	defer speaker.Close()

	capturer := capture.New(&portaudio.CaptureDevice{}, cfg.Pipeline.Capture.Capturer())

	// The manager enforces one active call; each session gets a fresh
	// scheduler over the shared speaker.
	mgr := call.NewManager(func() (*call.Session, error) {
		sched := playback.New(speaker, cfg.Pipeline.Playback.Scheduler())
		return call.New(capturer, sched, call.Config{
			GatewayURL:        url,
			DialTimeout:       cfg.Client.DialTimeout(),
			MinUtteranceBytes: cfg.Client.MinUtteranceBytes,
			VAD:               cfg.Pipeline.VAD.Detector(),
			Hooks: call.Hooks{
				OnTranscript: func(text, _ string) {
					fmt.Printf("you:   %s\n", text)
				},
				OnResponse: func(text string) {
					fmt.Printf("agent: %s\n", text)
				},
				OnState: func(from, to call.State) {
					slog.Debug("session state", "from", from, "to", to)
				},
			},
		}), nil
	})

	sess, err := mgr.Start(ctx)
	if err != nil {
		var acq *call.AcquisitionError
		if errors.As(err, &acq) {
			slog.Error("required resource unavailable", "resource", acq.Resource, "err", acq.Err)
		} else {
			slog.Error("call setup failed", "err", err)
		}
		return 1
	}

	slog.Info("call connected", "session_id", sess.ID(), "mode", sess.Mode(), "gateway", url)
	fmt.Println("listening; press Ctrl+C to hang up")

	select {
	case <-ctx.Done():
	case <-sess.Done():
	}

	mgr.Stop()
	if dropped := capturer.Dropped(); dropped > 0 {
		slog.Info("capture frames dropped during call", "count", dropped)
	}
	slog.Info("call ended", "session_id", sess.ID())
	return 0
}
