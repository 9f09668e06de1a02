package live

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"safety-aware-orchestrator/pkg/constants"
	"safety-aware-orchestrator/pkg/metrics"
	"safety-aware-orchestrator/pkg/models"
	"safety-aware-orchestrator/pkg/prompts"
	"safety-aware-orchestrator/pkg/store"
)

// MemoryReader supplies the per-user memory context block.
type MemoryReader interface {
	Recent(ctx context.Context, userID string, kind store.MemoryKind, limit int) ([]string, error)
}

type RegistryConfig struct {
	Model          string
	Voice          string
	ConnectTimeout time.Duration
	// VideoInterval overrides the capture cadence; zero keeps the default.
	VideoInterval time.Duration
}

type RegistryDeps struct {
	Dialer    Dialer
	Devices   Devices
	Memories  MemoryReader
	Escalator Escalator
	Callbacks Callbacks
}

// Registry is the single owner of live sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*pipeline
	seq      atomic.Uint64
	wg       sync.WaitGroup

	deps    RegistryDeps
	cfg     RegistryConfig
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewRegistry(deps RegistryDeps, cfg RegistryConfig, logger *logrus.Logger, metrics *metrics.Metrics) *Registry {
	return &Registry{
		sessions: make(map[string]*pipeline),
		deps:     deps,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
	}
}

// Start opens the devices and the remote connection, registers the session
// and launches its tasks in the background. Nothing is registered when any
// step fails; resources opened so far are closed first.
func (r *Registry) Start(ctx context.Context, userID string, mode models.SessionMode) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	if _, ok := models.ParseSessionMode(string(mode)); !ok {
		return "", fmt.Errorf("unknown session mode %q", mode)
	}
	if mode == "" {
		mode = models.ModeCamera
	}

	id := fmt.Sprintf("session_%s_%d", sessionIDSafe(userID), r.seq.Add(1))
	log := r.logger.WithFields(logrus.Fields{
		"session_id": id,
		"user_id":    userID,
		"mode":       mode,
	})

	devs, err := r.openDevices(mode)
	if err != nil {
		log.WithError(err).Error("Failed to open live session devices")
		return "", err
	}

	cfg := r.sessionConfig(ctx, userID, log)

	dialCtx := ctx
	if r.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, r.cfg.ConnectTimeout)
		defer cancel()
	}
	conn, err := r.deps.Dialer.Dial(dialCtx, cfg)
	if err != nil {
		devs.close()
		log.WithError(err).Error("Failed to connect live endpoint")
		return "", fmt.Errorf("connect live endpoint: %w", err)
	}

	p := newPipeline(id, userID, mode, conn, devs, r.deps.Escalator, r.deps.Callbacks, log, r.metrics)
	if r.cfg.VideoInterval > 0 {
		p.videoInterval = r.cfg.VideoInterval
	}

	r.mu.Lock()
	r.sessions[id] = p
	r.mu.Unlock()
	r.metrics.ActiveLiveSessions.Inc()

	r.wg.Add(1)
	go r.supervise(p)

	log.Info("Live session started")
	return id, nil
}

func (r *Registry) supervise(p *pipeline) {
	defer r.wg.Done()

	err := p.run()

	r.mu.Lock()
	if r.sessions[p.id] == p {
		delete(r.sessions, p.id)
	}
	r.mu.Unlock()
	r.metrics.ActiveLiveSessions.Dec()

	if err != nil {
		r.metrics.SessionFailures.Inc()
		p.logger.WithError(err).Error("Live session failed")
		return
	}
	p.logger.Info("Live session ended")
}

// Stop signals the session to stop and reports whether it existed. It does
// not wait for the tasks to return.
func (r *Registry) Stop(id string) bool {
	r.mu.Lock()
	p, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	p.stop()
	p.logger.Info("Live session stop requested")
	return true
}

func (r *Registry) Status() map[string]models.SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]models.SessionStatus, len(r.sessions))
	for id, p := range r.sessions {
		out[id] = models.SessionStatus{
			Running: p.running.Load(),
			UserID:  p.userID,
			Mode:    p.mode,
		}
	}
	return out
}

// Shutdown stops every session and waits for their tasks until ctx is done.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Stop(id)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) openDevices(mode models.SessionMode) (pipelineDevices, error) {
	var devs pipelineDevices
	var err error

	if devs.mic, err = r.deps.Devices.OpenMicrophone(); err != nil {
		return pipelineDevices{}, fmt.Errorf("%w: microphone: %v", models.ErrDeviceUnavailable, err)
	}
	if devs.speaker, err = r.deps.Devices.OpenSpeaker(); err != nil {
		devs.close()
		return pipelineDevices{}, fmt.Errorf("%w: speaker: %v", models.ErrDeviceUnavailable, err)
	}

	switch mode {
	case models.ModeCamera:
		devs.grabber, err = r.deps.Devices.OpenCamera()
	case models.ModeScreen:
		devs.grabber, err = r.deps.Devices.OpenScreen()
	}
	if err != nil {
		devs.close()
		return pipelineDevices{}, fmt.Errorf("%w: %s: %v", models.ErrDeviceUnavailable, mode, err)
	}
	return devs, nil
}

// sessionConfig embeds recent semantic and episodic memories. Memory lookups
// are best-effort.
func (r *Registry) sessionConfig(ctx context.Context, userID string, log *logrus.Entry) SessionConfig {
	var facts, sessions []string
	if r.deps.Memories != nil {
		var err error
		if facts, err = r.deps.Memories.Recent(ctx, userID, store.MemorySemantic, constants.LiveSemanticSnippetLimit); err != nil {
			log.WithError(err).Warn("Semantic memories unavailable for live session")
		}
		if sessions, err = r.deps.Memories.Recent(ctx, userID, store.MemoryEpisodic, constants.LiveEpisodicSnippetLimit); err != nil {
			log.WithError(err).Warn("Episodic memories unavailable for live session")
		}
	}
	return SessionConfig{
		Model:             r.cfg.Model,
		Voice:             r.cfg.Voice,
		SystemInstruction: prompts.Live(facts, sessions),
	}
}

// sessionIDSafe keeps session ids usable as a single URL path segment.
func sessionIDSafe(userID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '.':
			return r
		}
		return '-'
	}, userID)
}
