package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/marketstream/internal/auth"
	"github.com/rickgao/marketstream/internal/config"
	"github.com/rickgao/marketstream/internal/database"
	"github.com/rickgao/marketstream/internal/model"
	"github.com/rickgao/marketstream/internal/recorder"
	"github.com/rickgao/marketstream/internal/stream"
	"github.com/rickgao/marketstream/internal/subscription"
	"github.com/rickgao/marketstream/internal/version"
	"github.com/rickgao/marketstream/internal/wire"
)

func main() {
	configPath := flag.String("config", "configs/streamwatch.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting streamwatch",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"venue_url", cfg.Venue.URL,
		"channels", len(cfg.Channels),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Load signing credentials when any private channel is configured
	var signer wire.Signer
	if cfg.Venue.APIKey != "" && cfg.Venue.PrivateKeyPath != "" {
		creds, err := auth.LoadCredentials(cfg.Venue.APIKey, cfg.Venue.PrivateKeyPath)
		if err != nil {
			logger.Error("failed to load credentials", "error", err)
			os.Exit(1)
		}
		signer = creds
		logger.Info("credentials loaded", "key_id", cfg.Venue.APIKey)
	}

	// Create the stream client
	clientCfg := stream.Config{
		URL:                  cfg.Venue.URL,
		HandshakeTimeout:     cfg.Stream.HandshakeTimeout,
		WriteTimeout:         cfg.Stream.WriteTimeout,
		PingInterval:         cfg.Stream.PingInterval,
		PongTimeout:          cfg.Stream.PongTimeout,
		SubscribeTimeout:     cfg.Stream.SubscribeTimeout,
		ReconnectBaseDelay:   cfg.Stream.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.Stream.ReconnectMaxDelay,
		MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
		QueueCapacity:        cfg.Stream.QueueCapacity,
	}
	client := stream.NewClient(clientCfg, model.NewDecoder(), signer, logger)

	if err := client.Connect(ctx); err != nil {
		// Connect failures keep retrying in the background.
		logger.Warn("initial connect failed, retrying", "error", err)
	}

	// Establish configured subscriptions
	var tradesHandle *streamHandle
	for _, ch := range cfg.Channels {
		spec := wire.ChannelSpec{
			Channel: ch.Channel,
			Symbol:  ch.Symbol,
			Side:    ch.Side,
			Private: ch.Private,
		}
		h, err := client.Subscribe(ctx, spec)
		if err != nil {
			logger.Error("subscribe failed", "key", spec.Key(), "error", err)
			os.Exit(1)
		}
		logger.Info("subscribed", "key", spec.Key())

		if ch.Channel == model.ChannelTrades && tradesHandle == nil {
			tradesHandle = &streamHandle{spec: spec, handle: h}
		} else {
			// Drain channels without a dedicated consumer.
			go drain(ctx, spec.Key(), h, logger)
		}
	}

	// Start the trade recorder when configured
	if cfg.Recorder.Enabled && tradesHandle != nil {
		logger.Info("connecting to database",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Name,
		)
		pool, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		logger.Info("database connected")

		rec := recorder.NewTradeRecorder(cfg.Recorder, tradesHandle.handle, pool, logger)
		if err := rec.Start(ctx); err != nil {
			logger.Error("failed to start trade recorder", "error", err)
			os.Exit(1)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			rec.Stop(stopCtx)
		}()
	} else if tradesHandle != nil {
		go drain(ctx, tradesHandle.spec.Key(), tradesHandle.handle, logger)
	}

	logger.Info("streamwatch running", "state", client.State().String())

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := client.Disconnect(shutdownCtx); err != nil {
		logger.Error("disconnect failed", "error", err)
	}

	stats := client.Stats()
	logger.Info("streamwatch stopped",
		"frames_received", stats.Router.Received,
		"frames_routed", stats.Router.Routed,
		"decode_errors", stats.Router.DecodeErrors,
	)
}

type streamHandle struct {
	spec   wire.ChannelSpec
	handle *subscription.Handle
}

// drain consumes a stream with no downstream sink, logging resync notices
// and the terminal condition.
func drain(ctx context.Context, key string, h *subscription.Handle, logger *slog.Logger) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.Notices():
				logger.Info("stream resynced", "key", key)
			}
		}
	}()

	for {
		if _, err := h.Pull(ctx); err != nil {
			if ctx.Err() == nil {
				logger.Info("stream ended", "key", key, "error", h.Err())
			}
			return
		}
	}
}
