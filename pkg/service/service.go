// Package service assembles the orchestrator components and owns their
// lifecycle.
package service

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"safety-aware-orchestrator/pkg/alerts"
	"safety-aware-orchestrator/pkg/config"
	"safety-aware-orchestrator/pkg/crisis"
	"safety-aware-orchestrator/pkg/dialogue"
	"safety-aware-orchestrator/pkg/handlers"
	"safety-aware-orchestrator/pkg/live"
	"safety-aware-orchestrator/pkg/llm"
	"safety-aware-orchestrator/pkg/metrics"
	redisClient "safety-aware-orchestrator/pkg/redis"
	"safety-aware-orchestrator/pkg/risk"
	"safety-aware-orchestrator/pkg/server"
	"safety-aware-orchestrator/pkg/store"
	"safety-aware-orchestrator/pkg/tools"
)

type Service struct {
	config  *config.Config
	logger  *logrus.Logger
	metrics *metrics.Metrics

	registry *live.Registry
	relay    *alerts.Relay
	leader   *alerts.LeaderElection
	server   *http.Server
}

func NewService(redis *redisClient.Client, config *config.Config, logger *logrus.Logger, metrics *metrics.Metrics) (*Service, error) {
	rdb := redis.Redis()

	records := store.NewRecordStore(rdb, logger, metrics)
	memories := store.NewMemoryStore(rdb, metrics)
	threads := store.NewThreadStore(rdb, metrics, config.ThreadHistoryTTL())

	scorer, err := risk.NewScorer(risk.DefaultPatterns(), risk.Thresholds{
		Critical: config.RiskCriticalThreshold,
		Warning:  config.RiskWarningThreshold,
		Caution:  config.RiskCautionThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build risk scorer: %w", err)
	}

	executor := tools.NewExecutor(logger, tools.Builtin(records, memories, sharedRand{}, logger)...)

	dispatcher := alerts.NewManager(logger,
		alerts.NewInternalNotifier(rdb, metrics),
		alerts.NewWhatsAppNotifier(config.WhatsAppAPIURL, config.WhatsAppAccessToken, config.WhatsAppPhoneNumberID),
		alerts.NewTelegramNotifier(config.TelegramBotToken),
		alerts.NewEHRNotifier(config.EHRAPIURL, config.EHRAPIKey),
	)
	logger.WithField("channels", dispatcher.Channels()).Info("Alert channels configured")

	crisisHandler := crisis.NewHandler(
		dispatcher,
		store.NewLedgerStore(rdb, metrics),
		records,
		executor,
		crisis.Targets{
			Internal: config.EmergencyContact,
			WhatsApp: config.EmergencyWhatsAppTo,
			Telegram: config.EmergencyTelegramChat,
		},
		config.EscalationWindow(),
		logger,
		metrics,
	)
	executor.Register(tools.AlertTool(crisisHandler))

	llmConfig := llm.DefaultConfig()
	llmConfig.Model = config.OpenAIModel
	client := llm.NewClient(config.OpenAIAPIKey, config.OpenAIBaseURL)
	generator := llm.NewGenerator(&client.Responses, executor.Definitions(), llmConfig, logger)

	orchestrator := dialogue.NewOrchestrator(dialogue.Deps{
		Recall:    memories,
		Generator: generator,
		Tools:     executor,
		Threads:   threads,
		Cooldown:  store.NewCooldownStore(rdb, metrics),
		Rand:      sharedRand{},
		Scorer:    scorer,
		Escalator: crisisHandler,
	}, dialogue.Options{
		RecallLimit:       config.RecallLimit,
		WellnessChance:    config.WellnessRandomChance,
		WellnessCooldown:  config.WellnessCooldown(),
		MaxToolIterations: config.MaxToolIterations,
	}, logger, metrics)

	registry := live.NewRegistry(live.RegistryDeps{
		Dialer: &live.WSDialer{
			URL:     config.LiveEndpointURL,
			APIKey:  config.LiveAPIKey,
			Timeout: config.LiveConnectTimeout(),
		},
		Devices: live.FileDevices{
			MicrophonePath:     config.LiveMicrophonePath,
			SpeakerPath:        config.LiveSpeakerPath,
			CameraSnapshotPath: config.LiveCameraSnapshotPath,
			ScreenSnapshotPath: config.LiveScreenSnapshotPath,
		},
		Memories:  memories,
		Escalator: crisisHandler,
		Callbacks: live.Callbacks{
			OnText: func(userID, text string) {
				logger.WithField("user_id", userID).Debug(text)
			},
		},
	}, live.RegistryConfig{
		Model:          config.LiveModel,
		Voice:          config.LiveVoice,
		ConnectTimeout: config.LiveConnectTimeout(),
	}, logger, metrics)

	s := &Service{
		config:   config,
		logger:   logger,
		metrics:  metrics,
		registry: registry,
	}

	if config.AlertRelayEnabled {
		s.leader = alerts.NewLeaderElection(rdb, config.PodID, config.RelayLeaderTTL(), logger, metrics)
		s.relay = alerts.NewRelay(rdb, config.AlertConsumerGroup, config.PodID, alerts.LogAlertHandler(logger), logger, metrics)
		s.relay.GateRecovery(s.leader.IsLeader)
	}

	handler := handlers.NewHandler(handlers.Deps{
		Turns:    orchestrator,
		Records:  records,
		Sessions: registry,
		Health:   redis,
		Channels: dispatcher,
		Alerts:   crisisHandler,
		IsLeader: s.IsLeader,
	}, logger)
	s.server = server.NewHTTPServer(config, handler, logger)

	return s, nil
}

func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting safety-aware orchestrator")

	if s.relay != nil {
		if err := s.leader.Start(ctx); err != nil {
			return fmt.Errorf("failed to start leader election: %w", err)
		}
		if err := s.relay.Start(ctx); err != nil {
			return fmt.Errorf("failed to start alert relay: %w", err)
		}
	}

	go func() {
		s.logger.WithField("port", s.config.Port).Info("Starting HTTP server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	s.logger.WithField("pod_id", s.config.PodID).Info("Orchestrator started successfully")
	return nil
}

// Stop drains HTTP first so no new turns or sessions arrive, then stops the
// live sessions and the relay.
func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info("Stopping orchestrator")

	var firstErr error

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.WithError(err).Error("Failed to shutdown HTTP server gracefully")
		firstErr = err
	}

	if err := s.registry.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("Live sessions did not stop in time")
		if firstErr == nil {
			firstErr = err
		}
	}

	if s.relay != nil {
		s.relay.Stop()
		s.leader.Stop()
	}

	s.logger.Info("Orchestrator stopped")
	return firstErr
}

func (s *Service) IsLeader() bool {
	return s.leader != nil && s.leader.IsLeader()
}

// sharedRand draws from the goroutine-safe top-level source.
type sharedRand struct{}

func (sharedRand) Float64() float64 { return rand.Float64() }

func (sharedRand) Intn(n int) int { return rand.Intn(n) }
