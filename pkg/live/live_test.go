package live

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safety-aware-orchestrator/pkg/constants"
	"safety-aware-orchestrator/pkg/metrics"
	"safety-aware-orchestrator/pkg/models"
	"safety-aware-orchestrator/pkg/store"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func testMetrics() *metrics.Metrics {
	return metrics.NewMetricsWith(prometheus.NewRegistry())
}

type fakeConn struct {
	mu   sync.Mutex
	sent []models.Frame

	events  chan ServerEvent
	recvErr chan error
	sendErr error

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events:  make(chan ServerEvent, 16),
		recvErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Send(_ context.Context, f models.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, f)
	return nil
}

func (c *fakeConn) Receive(_ context.Context) (ServerEvent, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case err := <-c.recvErr:
		return ServerEvent{}, err
	case <-c.closed:
		return ServerEvent{}, net.ErrClosed
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) sentFrames() []models.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Frame(nil), c.sent...)
}

type fakeDialer struct {
	conn *fakeConn
	err  error
	cfg  SessionConfig
}

func (d *fakeDialer) Dial(_ context.Context, cfg SessionConfig) (Conn, error) {
	d.cfg = cfg
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

type recordingSpeaker struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (s *recordingSpeaker) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	return s.buf.Write(p)
}

func (s *recordingSpeaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSpeaker) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

type fakeGrabber struct {
	img    image.Image
	closed bool
	mu     sync.Mutex
}

func (g *fakeGrabber) Grab(_ context.Context) (image.Image, error) {
	return g.img, nil
}

func (g *fakeGrabber) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

type fakeDevices struct {
	micR    *io.PipeReader
	micW    *io.PipeWriter
	speaker *recordingSpeaker
	camera  *fakeGrabber

	cameraErr error
}

func newFakeDevices() *fakeDevices {
	r, w := io.Pipe()
	return &fakeDevices{
		micR:    r,
		micW:    w,
		speaker: &recordingSpeaker{},
		camera:  &fakeGrabber{img: image.NewRGBA(image.Rect(0, 0, 2048, 1024))},
	}
}

func (d *fakeDevices) OpenMicrophone() (io.ReadCloser, error) { return d.micR, nil }
func (d *fakeDevices) OpenSpeaker() (io.WriteCloser, error)   { return d.speaker, nil }

func (d *fakeDevices) OpenCamera() (Grabber, error) {
	if d.cameraErr != nil {
		return nil, d.cameraErr
	}
	return d.camera, nil
}

func (d *fakeDevices) OpenScreen() (Grabber, error) { return nil, errors.New("no display") }

// micClosed reports whether the microphone reader was closed.
func (d *fakeDevices) micClosed() bool {
	_, err := d.micW.Write([]byte{0})
	return errors.Is(err, io.ErrClosedPipe)
}

type fakeMemories struct {
	byKind map[store.MemoryKind][]string
}

func (m *fakeMemories) Recent(_ context.Context, _ string, kind store.MemoryKind, limit int) ([]string, error) {
	items := m.byKind[kind]
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

type recordingEscalator struct {
	mu    *sync.Mutex
	order *[]string
	got   []*models.RiskAssessment
}

func (e *recordingEscalator) Handle(_ context.Context, _, trigger string, a *models.RiskAssessment) models.Escalation {
	e.mu.Lock()
	defer e.mu.Unlock()
	*e.order = append(*e.order, "escalate:"+trigger)
	e.got = append(e.got, a)
	return models.Escalation{Level: models.RiskCritical}
}

func newTestRegistry(devs *fakeDevices, dialer *fakeDialer, esc Escalator) *Registry {
	return NewRegistry(RegistryDeps{
		Dialer:    dialer,
		Devices:   devs,
		Memories:  &fakeMemories{},
		Escalator: esc,
	}, RegistryConfig{
		Model:         "models/test-live",
		Voice:         "Zephyr",
		VideoInterval: 10 * time.Millisecond,
	}, testLogger(), testMetrics())
}

func TestRegistry_StartThenStopImmediately(t *testing.T) {
	devs := newFakeDevices()
	conn := newFakeConn()
	reg := newTestRegistry(devs, &fakeDialer{conn: conn}, nil)

	id, err := reg.Start(context.Background(), "u1", models.ModeCamera)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "session_u1_"))
	assert.Contains(t, reg.Status(), id)

	assert.True(t, reg.Stop(id))
	assert.NotContains(t, reg.Status(), id)
	assert.False(t, reg.Stop(id))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, reg.Shutdown(ctx))

	assert.True(t, conn.isClosed())
	assert.True(t, devs.micClosed())
	assert.True(t, devs.camera.closed)
}

func TestRegistry_SessionIDsAreUnique(t *testing.T) {
	devs := newFakeDevices()
	reg := newTestRegistry(devs, &fakeDialer{conn: newFakeConn()}, nil)

	a, err := reg.Start(context.Background(), "u1", models.ModeNone)
	require.NoError(t, err)
	reg.Stop(a)

	devs2 := newFakeDevices()
	reg.deps.Devices = devs2
	reg.deps.Dialer = &fakeDialer{conn: newFakeConn()}
	b, err := reg.Start(context.Background(), "u1", models.ModeNone)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	require.NoError(t, reg.Shutdown(context.Background()))
}

func TestRegistry_SessionIDIsOnePathSegment(t *testing.T) {
	devs := newFakeDevices()
	reg := newTestRegistry(devs, &fakeDialer{conn: newFakeConn()}, nil)

	id, err := reg.Start(context.Background(), "clinic/north u1?x", models.ModeNone)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "session_clinic-north-u1-x_"))
	assert.NotContains(t, id, "/")
	assert.Equal(t, "clinic/north u1?x", reg.Status()[id].UserID)

	assert.True(t, reg.Stop(id))
	require.NoError(t, reg.Shutdown(context.Background()))
}

func TestRegistry_DeviceFailureRegistersNothing(t *testing.T) {
	devs := newFakeDevices()
	devs.cameraErr = errors.New("camera busy")
	dialer := &fakeDialer{conn: newFakeConn()}
	reg := newTestRegistry(devs, dialer, nil)

	_, err := reg.Start(context.Background(), "u1", models.ModeCamera)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrDeviceUnavailable)
	assert.Empty(t, reg.Status())
	assert.True(t, devs.micClosed())
	assert.True(t, devs.speaker.closed)
	assert.Empty(t, dialer.cfg.Model, "dial must not be attempted")
}

func TestRegistry_DialFailureRegistersNothing(t *testing.T) {
	devs := newFakeDevices()
	reg := newTestRegistry(devs, &fakeDialer{err: errors.New("handshake refused")}, nil)

	_, err := reg.Start(context.Background(), "u1", models.ModeCamera)
	require.Error(t, err)
	assert.Empty(t, reg.Status())
	assert.True(t, devs.micClosed())
	assert.True(t, devs.camera.closed)
}

func TestRegistry_RejectsUnknownMode(t *testing.T) {
	reg := newTestRegistry(newFakeDevices(), &fakeDialer{conn: newFakeConn()}, nil)
	_, err := reg.Start(context.Background(), "u1", models.SessionMode("hologram"))
	assert.Error(t, err)
}

func TestRegistry_SessionConfigCarriesMemoryContext(t *testing.T) {
	devs := newFakeDevices()
	dialer := &fakeDialer{conn: newFakeConn()}
	reg := newTestRegistry(devs, dialer, nil)
	reg.deps.Memories = &fakeMemories{byKind: map[store.MemoryKind][]string{
		store.MemorySemantic: {"sister named Sarah"},
		store.MemoryEpisodic: {"box breathing helped on Monday"},
	}}

	id, err := reg.Start(context.Background(), "u1", models.ModeNone)
	require.NoError(t, err)
	defer reg.Stop(id)

	assert.Equal(t, "models/test-live", dialer.cfg.Model)
	assert.Equal(t, "Zephyr", dialer.cfg.Voice)
	assert.Contains(t, dialer.cfg.SystemInstruction, "RELATIONSHIPS/FACTS:\nsister named Sarah")
	assert.Contains(t, dialer.cfg.SystemInstruction, "RECENT SESSIONS:\nbox breathing helped on Monday")
	assert.Contains(t, dialer.cfg.SystemInstruction, constants.SafetyMarker)
}

func TestRegistry_StreamsMediaBothWays(t *testing.T) {
	devs := newFakeDevices()
	conn := newFakeConn()
	reg := newTestRegistry(devs, &fakeDialer{conn: conn}, nil)

	id, err := reg.Start(context.Background(), "u1", models.ModeCamera)
	require.NoError(t, err)

	go func() { _, _ = devs.micW.Write(make([]byte, constants.AudioChunkBytes)) }()
	conn.events <- ServerEvent{Audio: [][]byte{{1, 2, 3}}}

	assert.Eventually(t, func() bool {
		var audio, video bool
		for _, f := range conn.sentFrames() {
			audio = audio || f.MimeType == constants.AudioMimeType
			video = video || f.MimeType == constants.ImageMimeType
		}
		return audio && video
	}, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return bytes.Equal(devs.speaker.bytes(), []byte{1, 2, 3})
	}, 2*time.Second, 10*time.Millisecond)

	reg.Stop(id)
	require.NoError(t, reg.Shutdown(context.Background()))
}

func TestRegistry_TaskFailureTearsSessionDown(t *testing.T) {
	devs := newFakeDevices()
	conn := newFakeConn()
	reg := newTestRegistry(devs, &fakeDialer{conn: conn}, nil)

	id, err := reg.Start(context.Background(), "u1", models.ModeCamera)
	require.NoError(t, err)

	conn.recvErr <- errors.New("stream reset")

	assert.Eventually(t, func() bool {
		_, listed := reg.Status()[id]
		return !listed
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, reg.Shutdown(context.Background()))
	assert.True(t, conn.isClosed())
	assert.True(t, devs.micClosed())
	assert.True(t, devs.speaker.closed)
}

func newTestPipeline(conn Conn, devs *fakeDevices, esc Escalator, cb Callbacks) *pipeline {
	log := testLogger().WithField("session_id", "session_u1_1")
	return newPipeline("session_u1_1", "u1", models.ModeNone, conn,
		pipelineDevices{mic: devs.micR, speaker: devs.speaker}, esc, cb, log, testMetrics())
}

func TestPipeline_RunReportsFirstTaskFailure(t *testing.T) {
	devs := newFakeDevices()
	conn := newFakeConn()
	p := newTestPipeline(conn, devs, nil, Callbacks{})

	errCh := make(chan error, 1)
	go func() { errCh <- p.run() }()
	conn.recvErr <- errors.New("stream reset")

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, models.ErrSessionTaskFailure)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not unwind")
	}
	assert.False(t, p.running.Load())
	assert.True(t, devs.micClosed())
}

func TestPipeline_RemoteCloseIsNotAFailure(t *testing.T) {
	devs := newFakeDevices()
	conn := newFakeConn()
	p := newTestPipeline(conn, devs, nil, Callbacks{})

	errCh := make(chan error, 1)
	go func() { errCh <- p.run() }()
	conn.recvErr <- io.EOF

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not unwind")
	}
}

func TestPipeline_DropsNewestWhenOutboundFull(t *testing.T) {
	p := newTestPipeline(newFakeConn(), newFakeDevices(), nil, Callbacks{})

	for i := 0; i < constants.OutboundQueueCapacity; i++ {
		assert.True(t, p.offer(models.Frame{MimeType: constants.AudioMimeType, Payload: []byte{byte(i)}}, "audio"))
	}

	start := time.Now()
	assert.False(t, p.offer(models.Frame{MimeType: constants.AudioMimeType, Payload: []byte{99}}, "audio"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	require.Len(t, p.outbound, constants.OutboundQueueCapacity)
	first := <-p.outbound
	assert.Equal(t, []byte{0}, first.Payload)
}

func TestPipeline_OfferAfterStopIsDropped(t *testing.T) {
	p := newTestPipeline(newFakeConn(), newFakeDevices(), nil, Callbacks{})
	p.stop()
	assert.False(t, p.offer(models.Frame{MimeType: constants.AudioMimeType}, "audio"))
	assert.Empty(t, p.outbound)
}

func TestPipeline_SafetyMarkerEscalatesBeforeText(t *testing.T) {
	var mu sync.Mutex
	var order []string
	esc := &recordingEscalator{mu: &mu, order: &order}
	cb := Callbacks{
		OnText: func(_, text string) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, "text:"+text)
		},
		OnVisualAlert: func(_, text string) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, "alert:"+text)
		},
	}
	p := newTestPipeline(newFakeConn(), newFakeDevices(), esc, cb)

	p.handleEvent(context.Background(), ServerEvent{Text: []string{
		"Hello there.",
		"CRITICAL_VISUAL_ALERT I can see something dangerous.",
	}})

	assert.Equal(t, []string{
		"text:Hello there.",
		"escalate:CRITICAL_VISUAL_ALERT I can see something dangerous.",
		"alert:CRITICAL_VISUAL_ALERT I can see something dangerous.",
		"text:CRITICAL_VISUAL_ALERT I can see something dangerous.",
	}, order)
	require.Len(t, esc.got, 1)
	assert.Nil(t, esc.got[0], "marker escalations use the default CRITICAL assessment")
}

func TestPipeline_InterruptionFlushesPlayback(t *testing.T) {
	p := newTestPipeline(newFakeConn(), newFakeDevices(), nil, Callbacks{})

	p.handleEvent(context.Background(), ServerEvent{Audio: [][]byte{{1}, {2}, {3}}})
	assert.Equal(t, 3, p.inbound.Len())

	p.handleEvent(context.Background(), ServerEvent{TurnComplete: true})
	assert.Equal(t, 3, p.inbound.Len())

	p.handleEvent(context.Background(), ServerEvent{Interrupted: true})
	assert.Equal(t, 0, p.inbound.Len())
}

func TestFrameQueue(t *testing.T) {
	q := newFrameQueue()

	got := make(chan models.Frame, 1)
	go func() {
		f, err := q.Pop(context.Background())
		if err == nil {
			got <- f
		}
	}()
	q.Push(models.Frame{Payload: []byte("a")})

	select {
	case f := <-got:
		assert.Equal(t, []byte("a"), f.Payload)
	case <-time.After(time.Second):
		t.Fatal("pop did not wake up")
	}

	q.Push(models.Frame{Payload: []byte("b")})
	q.Push(models.Frame{Payload: []byte("c")})
	f, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), f.Payload)
	assert.Equal(t, 1, q.Drain())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = q.Pop(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEncodeImage_ScalesToFit(t *testing.T) {
	frame, err := encodeImage(image.NewRGBA(image.Rect(0, 0, 2048, 1024)), time.Now())
	require.NoError(t, err)
	assert.Equal(t, constants.ImageMimeType, frame.MimeType)

	img, err := jpeg.Decode(bytes.NewReader(frame.Payload))
	require.NoError(t, err)
	assert.Equal(t, 1024, img.Bounds().Dx())
	assert.Equal(t, 512, img.Bounds().Dy())

	frame, err = encodeImage(image.NewRGBA(image.Rect(0, 0, 64, 48)), time.Now())
	require.NoError(t, err)
	img, err = jpeg.Decode(bytes.NewReader(frame.Payload))
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
}

type stampingGrabber struct {
	mu    sync.Mutex
	grabs []time.Time
}

func (g *stampingGrabber) Grab(_ context.Context) (image.Image, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.grabs = append(g.grabs, time.Now())
	return image.NewRGBA(image.Rect(0, 0, 64, 64)), nil
}

func (g *stampingGrabber) Close() error { return nil }

func TestPipeline_VideoFramesAreFreshWhenEnqueued(t *testing.T) {
	grabber := &stampingGrabber{}
	log := testLogger().WithField("session_id", "session_u1_1")
	p := newPipeline("session_u1_1", "u1", models.ModeCamera, newFakeConn(),
		pipelineDevices{grabber: grabber}, nil, Callbacks{}, log, testMetrics())
	p.videoInterval = 200 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- p.captureVideo(ctx) }()

	var frame models.Frame
	select {
	case frame = <-p.outbound:
	case <-time.After(2 * time.Second):
		t.Fatal("no video frame captured")
	}
	enqueued := time.Now()

	assert.GreaterOrEqual(t, enqueued.Sub(start), p.videoInterval, "first frame arrived before one interval")

	grabber.mu.Lock()
	require.NotEmpty(t, grabber.grabs)
	grabbed := grabber.grabs[0]
	grabber.mu.Unlock()

	assert.Less(t, enqueued.Sub(grabbed), 100*time.Millisecond)
	assert.False(t, frame.TS.Before(grabbed))
	assert.Equal(t, constants.ImageMimeType, frame.MimeType)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("capture did not stop")
	}
}
