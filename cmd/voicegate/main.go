package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/playtalk-labs/voicegate/internal/agent"
	"github.com/playtalk-labs/voicegate/internal/config"
	"github.com/playtalk-labs/voicegate/internal/httpserver"
	"github.com/playtalk-labs/voicegate/internal/metrics"
	"github.com/playtalk-labs/voicegate/internal/session"
	"github.com/playtalk-labs/voicegate/internal/signaling"
	"github.com/playtalk-labs/voicegate/internal/webrtcpeer"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	// Construct the WebRTC API early so misconfigurations are caught on
	// startup. ICE sockets are only created once peer connections exist.
	api, err := webrtcpeer.NewAPI(cfg, logger)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	logger.Info("starting voicegate",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"ice_gathering_timeout", cfg.ICEGatheringTimeout,
		"agent_start_timeout", cfg.AgentStartTimeout,
		"deepgram_key_set", cfg.DeepgramAPIKey != "",
		"openai_key_set", cfg.OpenAIAPIKey != "",
		"cartesia_key_set", cfg.CartesiaAPIKey != "",
	)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	m := metrics.New("voicegate")
	srv := httpserver.New(cfg, logger, resolveBuildInfo(), m.Handler())

	negotiator := webrtcpeer.NewHandler(api, cfg, logger, m.ActiveConnections)
	runner := agent.NewRunner(cfg, logger)
	sig := signaling.NewServer(cfg, logger, session.NewStore(), negotiator, runner, m)
	sig.RegisterRoutes(srv.Mux())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		negotiator.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	if err := sig.Shutdown(shutdownCtx); err != nil {
		logger.Error("signaling shutdown incomplete", "err", err)
	}
	negotiator.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo() httpserver.BuildInfo {
	commit, built := buildCommit, buildTime
	// Prefer ldflags-injected values but fall back to the Go build info when
	// available, which covers `go run` and dev builds.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if built == "" {
					built = s.Value
				}
			}
		}
	}
	return httpserver.BuildInfo{Commit: commit, BuildTime: built}
}
