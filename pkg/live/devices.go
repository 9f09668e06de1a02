package live

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"

	"safety-aware-orchestrator/pkg/constants"
	"safety-aware-orchestrator/pkg/models"
)

const jpegQuality = 80

// Grabber captures still images from a camera or the screen.
type Grabber interface {
	Grab(ctx context.Context) (image.Image, error)
	Close() error
}

// Devices opens the media endpoints of one session. Closing a returned
// device must unblock any read or write pending on it.
type Devices interface {
	OpenMicrophone() (io.ReadCloser, error)
	OpenSpeaker() (io.WriteCloser, error)
	OpenCamera() (Grabber, error)
	OpenScreen() (Grabber, error)
}

// FileDevices backs the microphone and speaker with raw PCM files or FIFOs
// and the camera and screen with snapshot images refreshed by another process.
type FileDevices struct {
	MicrophonePath     string
	SpeakerPath        string
	CameraSnapshotPath string
	ScreenSnapshotPath string
}

func (d FileDevices) OpenMicrophone() (io.ReadCloser, error) {
	if d.MicrophonePath == "" {
		return nil, errors.New("no microphone configured")
	}
	return openPipeOr(d.MicrophonePath, os.O_RDONLY)
}

func (d FileDevices) OpenSpeaker() (io.WriteCloser, error) {
	if d.SpeakerPath == "" {
		return nil, errors.New("no speaker configured")
	}
	return openPipeOr(d.SpeakerPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND)
}

func (d FileDevices) OpenCamera() (Grabber, error) {
	return openSnapshot(d.CameraSnapshotPath, "camera")
}

func (d FileDevices) OpenScreen() (Grabber, error) {
	return openSnapshot(d.ScreenSnapshotPath, "screen")
}

// openPipeOr opens FIFOs read-write so the open does not wait for a peer.
func openPipeOr(path string, flag int) (*os.File, error) {
	if info, err := os.Stat(path); err == nil && info.Mode()&os.ModeNamedPipe != 0 {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}

type snapshotGrabber struct {
	path   string
	closed atomic.Bool
}

func openSnapshot(path, name string) (Grabber, error) {
	if path == "" {
		return nil, fmt.Errorf("no %s configured", name)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%s snapshot: %w", name, err)
	}
	return &snapshotGrabber{path: path}, nil
}

func (g *snapshotGrabber) Grab(_ context.Context) (image.Image, error) {
	if g.closed.Load() {
		return nil, os.ErrClosed
	}
	f, err := os.Open(g.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return img, nil
}

func (g *snapshotGrabber) Close() error {
	g.closed.Store(true)
	return nil
}

// encodeImage scales img to fit within MaxImageDimension, keeping the aspect
// ratio, and encodes it as a JPEG frame.
func encodeImage(img image.Image, now time.Time) (models.Frame, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return models.Frame{}, errors.New("empty image")
	}

	if limit := constants.MaxImageDimension; w > limit || h > limit {
		if w >= h {
			h = h * limit / w
			w = limit
		} else {
			w = w * limit / h
			h = limit
		}
		if w < 1 {
			w = 1
		}
		if h < 1 {
			h = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
		img = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return models.Frame{}, fmt.Errorf("encode jpeg: %w", err)
	}
	return models.Frame{MimeType: constants.ImageMimeType, Payload: buf.Bytes(), TS: now}, nil
}
