// Command fanout runs the WebSocket fan-out server described in
// SPEC_FULL.md. Grounded on the teacher's cmd/single/main.go: automaxprocs
// side-effect import, config load, server start, signal-driven graceful
// shutdown.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/odinstream/fanout/internal/authn"
	"github.com/odinstream/fanout/internal/channel"
	"github.com/odinstream/fanout/internal/cluster"
	"github.com/odinstream/fanout/internal/config"
	"github.com/odinstream/fanout/internal/dispatch"
	"github.com/odinstream/fanout/internal/ingest"
	"github.com/odinstream/fanout/internal/logging"
	"github.com/odinstream/fanout/internal/message"
	"github.com/odinstream/fanout/internal/offlinequeue"
	"github.com/odinstream/fanout/internal/platform"
	"github.com/odinstream/fanout/internal/registry"
	"github.com/odinstream/fanout/internal/supervisor"
	"github.com/rs/zerolog"

	_ "go.uber.org/automaxprocs"
)

func main() {
	bootstrapLogger := logging.New(logging.Options{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootstrapLogger)
	if err != nil {
		bootstrapLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogFields(logger)

	policies := registry.LoadRolePolicy(cfg.RateLimitWindow, cfg.RateLimitMaxMessages)
	reg := registry.New(policies, logger)

	channels := channel.New(cfg.MaxSubscriptionsPerConn, reg.IsAuthenticated)
	for _, spec := range cfg.Channels {
		if err := channels.Define(channel.Spec{
			ID:             spec.ID,
			Kind:           channel.Kind(spec.Kind),
			Public:         spec.Public,
			RequiresAuth:   spec.RequiresAuth,
			MaxSubscribers: spec.MaxSubscribers,
			HistorySize:    spec.HistorySize,
			AllowedRoles:   spec.AllowedRoles,
		}); err != nil {
			logger.Fatal().Err(err).Str("channel_id", spec.ID).Msg("failed to define startup channel")
		}
	}

	sampler, err := platform.NewSampler(cfg.CPULimit)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resource sampler")
	}

	var queue *offlinequeue.Queue
	var enqueuer dispatch.OfflineEnqueuer
	if cfg.QueueEnabled {
		store, err := buildQueueStore(cfg, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize offline queue store")
		}
		queue = offlinequeue.New(offlinequeue.Options{
			MaxPerUser:  cfg.QueueMaxSize,
			DefaultTTL:  cfg.QueueTTL,
			MaxAttempts: cfg.QueueMaxRetries,
		}, store, logger)
		enqueuer = queue
	}

	verifier := authn.NewJWTVerifier(cfg.JWTSecret)

	disp := dispatch.New(reg, channels, enqueuer, logger)

	sup := supervisor.New(cfg, logger, reg, channels, disp, queue, verifier, sampler)
	disp.SetSubscriptionChecker(sup)

	if cfg.ClusterTeeNATSURL != "" {
		tee, err := cluster.NewTee(cfg.ClusterTeeNATSURL, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("cluster tee disabled: failed to connect")
		} else {
			defer tee.Close()
			disp.SetTee(tee)
			if err := tee.Subscribe(teeReplayer{disp: disp}); err != nil {
				logger.Warn().Err(err).Msg("cluster tee: failed to subscribe for replay")
			}
		}
	}

	if cfg.KafkaBrokers != "" {
		source, err := ingest.NewKafkaSource(ingest.KafkaConfig{
			Brokers:       strings.Split(cfg.KafkaBrokers, ","),
			ConsumerGroup: cfg.KafkaConsumerGroup,
		}, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("kafka ingest disabled: failed to connect")
		} else {
			defer source.Close()
			ingestCtx, ingestCancel := context.WithCancel(context.Background())
			defer ingestCancel()
			go source.Run(ingestCtx, func(ev ingest.Event) {
				disp.Publish(ev.Channel, ev.Type, ev.Payload, message.Metadata{Priority: message.PriorityNormal}, nil)
			})
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", sup.HandleUpgrade)

	server := &http.Server{Addr: cfg.Addr, Handler: mux}

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: supervisor.Metrics()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := sup.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("supervisor exited with error")
		}
	}()

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("websocket server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("websocket server failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := sup.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("supervisor shutdown incomplete")
	}
	cancel()

	_ = server.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)

	logger.Info().Msg("shutdown complete")
}

// teeReplayer satisfies cluster.Replayer by fixing the priority of replayed
// cross-instance messages to normal: the tee envelope carries no priority.
type teeReplayer struct {
	disp *dispatch.Dispatcher
}

func (r teeReplayer) Publish(channelID, msgType string, payload json.RawMessage) int {
	return r.disp.Publish(channelID, msgType, payload, message.Metadata{Priority: message.PriorityNormal}, nil)
}

func (r teeReplayer) SendToUser(userID, channelID, msgType string, payload json.RawMessage) int {
	return r.disp.SendToUser(userID, channelID, msgType, payload, message.Metadata{Priority: message.PriorityNormal})
}

// buildQueueStore constructs the offline queue's persistence backend per
// WS_QUEUE_STORE.
func buildQueueStore(cfg *config.Config, logger zerolog.Logger) (offlinequeue.Store, error) {
	switch cfg.QueueStore {
	case "nats-kv":
		return offlinequeue.NewNATSKVStore(offlinequeue.NATSKVConfig{
			URL:    cfg.QueueNATSURL,
			Bucket: cfg.QueueNATSBucket,
		})
	default:
		return offlinequeue.NewMemoryStore(), nil
	}
}
