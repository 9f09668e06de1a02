// Package live runs real-time audio/video sessions against a remote streaming
// endpoint and escalates when the endpoint emits the visual safety marker.
package live

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"safety-aware-orchestrator/pkg/constants"
	"safety-aware-orchestrator/pkg/metrics"
	"safety-aware-orchestrator/pkg/models"
)

// errRemoteClosed ends a session without counting it as a failure.
var errRemoteClosed = errors.New("live endpoint closed the session")

// Callbacks receive inbound model output. All are optional and must not block.
type Callbacks struct {
	OnAudio       func(userID string, pcm []byte)
	OnText        func(userID, text string)
	OnVisualAlert func(userID, text string)
}

type Escalator interface {
	Handle(ctx context.Context, userID, trigger string, assessment *models.RiskAssessment) models.Escalation
}

type pipeline struct {
	id     string
	userID string
	mode   models.SessionMode

	conn    Conn
	mic     io.ReadCloser
	speaker io.WriteCloser
	grabber Grabber

	outbound chan models.Frame
	inbound  *frameQueue
	running  atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	escalator     Escalator
	callbacks     Callbacks
	videoInterval time.Duration
	now           func() time.Time
	logger        *logrus.Entry
	metrics       *metrics.Metrics
}

type pipelineDevices struct {
	mic     io.ReadCloser
	speaker io.WriteCloser
	grabber Grabber
}

func (d pipelineDevices) close() {
	if d.mic != nil {
		_ = d.mic.Close()
	}
	if d.speaker != nil {
		_ = d.speaker.Close()
	}
	if d.grabber != nil {
		_ = d.grabber.Close()
	}
}

func newPipeline(id, userID string, mode models.SessionMode, conn Conn, devs pipelineDevices,
	escalator Escalator, callbacks Callbacks, logger *logrus.Entry, m *metrics.Metrics) *pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	p := &pipeline{
		id:            id,
		userID:        userID,
		mode:          mode,
		conn:          conn,
		mic:           devs.mic,
		speaker:       devs.speaker,
		grabber:       devs.grabber,
		outbound:      make(chan models.Frame, constants.OutboundQueueCapacity),
		inbound:       newFrameQueue(),
		ctx:           ctx,
		cancel:        cancel,
		escalator:     escalator,
		callbacks:     callbacks,
		videoInterval: constants.VideoCaptureInterval,
		now:           time.Now,
		logger:        logger,
		metrics:       m,
	}
	p.running.Store(true)
	return p
}

// run blocks until the session stops. The first task failure cancels the
// others and is returned; a stop or a remote close returns nil.
func (p *pipeline) run() error {
	g, gctx := errgroup.WithContext(p.ctx)

	go func() {
		<-gctx.Done()
		p.stop()
	}()

	g.Go(func() error { return p.captureAudio(gctx) })
	if p.grabber != nil {
		g.Go(func() error { return p.captureVideo(gctx) })
	}
	g.Go(func() error { return p.sendLoop(gctx) })
	g.Go(func() error { return p.receiveLoop(gctx) })
	g.Go(func() error { return p.playback(gctx) })

	err := g.Wait()
	p.stop()
	if errors.Is(err, errRemoteClosed) {
		p.logger.Info("Live endpoint closed the session")
		return nil
	}
	return err
}

// stop flips the running flag and closes every device and the connection so
// blocked reads return. Safe to call more than once.
func (p *pipeline) stop() {
	p.closeOnce.Do(func() {
		p.running.Store(false)
		p.cancel()
		pipelineDevices{mic: p.mic, speaker: p.speaker, grabber: p.grabber}.close()
		if p.conn != nil {
			_ = p.conn.Close()
		}
	})
}

func (p *pipeline) fail(what string, err error) error {
	if !p.running.Load() {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", models.ErrSessionTaskFailure, what, err)
}

// offer enqueues f unless the outbound queue is full, in which case f is
// dropped.
func (p *pipeline) offer(f models.Frame, stream string) bool {
	if !p.running.Load() {
		return false
	}
	select {
	case p.outbound <- f:
		return true
	default:
		p.metrics.FramesDropped.WithLabelValues(stream).Inc()
		return false
	}
}

func (p *pipeline) captureAudio(ctx context.Context) error {
	buf := make([]byte, constants.AudioChunkBytes)
	for p.running.Load() && ctx.Err() == nil {
		if _, err := io.ReadFull(p.mic, buf); err != nil {
			return p.fail("microphone", err)
		}
		chunk := make([]byte, len(buf))
		copy(chunk, buf)
		p.offer(models.Frame{MimeType: constants.AudioMimeType, Payload: chunk, TS: p.now()}, "audio")
	}
	return nil
}

// captureVideo waits out the interval before grabbing, so each frame is
// enqueued right after it is captured.
func (p *pipeline) captureVideo(ctx context.Context) error {
	stream := string(p.mode)
	ticker := time.NewTicker(p.videoInterval)
	defer ticker.Stop()

	for p.running.Load() {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		img, err := p.grabber.Grab(ctx)
		if err != nil {
			return p.fail(stream, err)
		}
		frame, err := encodeImage(img, p.now())
		if err != nil {
			return p.fail(stream, err)
		}
		p.offer(frame, stream)
	}
	return nil
}

// sendLoop is the only writer on the connection.
func (p *pipeline) sendLoop(ctx context.Context) error {
	for p.running.Load() {
		select {
		case <-ctx.Done():
			return nil
		case f := <-p.outbound:
			if err := p.conn.Send(ctx, f); err != nil {
				return p.fail("send", err)
			}
			p.metrics.FramesSent.WithLabelValues(f.MimeType).Inc()
		}
	}
	return nil
}

func (p *pipeline) receiveLoop(ctx context.Context) error {
	for p.running.Load() {
		ev, err := p.conn.Receive(ctx)
		if err != nil {
			if p.running.Load() && isClosed(err) {
				return errRemoteClosed
			}
			return p.fail("receive", err)
		}
		p.handleEvent(ctx, ev)
		if ev.GoAway {
			p.logger.Warn("Live endpoint sent go-away")
		}
	}
	return nil
}

func (p *pipeline) handleEvent(ctx context.Context, ev ServerEvent) {
	for _, pcm := range ev.Audio {
		p.inbound.Push(models.Frame{MimeType: constants.AudioMimeType, Payload: pcm, TS: p.now()})
		if p.callbacks.OnAudio != nil {
			p.callbacks.OnAudio(p.userID, pcm)
		}
	}

	for _, text := range ev.Text {
		// escalation runs before any consumer sees the text
		if strings.Contains(text, constants.SafetyMarker) {
			p.raiseVisualAlert(ctx, text)
		}
		if p.callbacks.OnText != nil {
			p.callbacks.OnText(p.userID, text)
		}
	}

	if ev.Interrupted {
		if n := p.inbound.Drain(); n > 0 {
			p.metrics.FramesDropped.WithLabelValues("playback").Add(float64(n))
			p.logger.WithField("frames", n).Debug("Playback flushed after interruption")
		}
	}
}

func (p *pipeline) raiseVisualAlert(ctx context.Context, text string) {
	p.metrics.SafetyMarkersDetected.Inc()
	p.logger.WithField("level", models.RiskCritical.String()).Warn("Visual safety marker detected")

	if p.escalator != nil {
		// escalation must finish even if the session is stopping
		esc := p.escalator.Handle(context.WithoutCancel(ctx), p.userID, text, nil)
		p.logger.WithFields(logrus.Fields{
			"level":   esc.Level.String(),
			"actions": len(esc.Actions),
		}).Info("Live session escalated")
	}
	if p.callbacks.OnVisualAlert != nil {
		p.callbacks.OnVisualAlert(p.userID, text)
	}
}

func (p *pipeline) playback(ctx context.Context) error {
	for p.running.Load() {
		f, err := p.inbound.Pop(ctx)
		if err != nil {
			return nil
		}
		if _, err := p.speaker.Write(f.Payload); err != nil {
			return p.fail("speaker", err)
		}
	}
	return nil
}
