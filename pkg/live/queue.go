package live

import (
	"context"
	"sync"

	"safety-aware-orchestrator/pkg/models"
)

// frameQueue is an unbounded FIFO for received audio. Pop blocks until a
// frame arrives or ctx is done.
type frameQueue struct {
	mu     sync.Mutex
	frames []models.Frame
	notify chan struct{}
}

func newFrameQueue() *frameQueue {
	return &frameQueue{notify: make(chan struct{}, 1)}
}

func (q *frameQueue) Push(f models.Frame) {
	q.mu.Lock()
	q.frames = append(q.frames, f)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *frameQueue) Pop(ctx context.Context) (models.Frame, error) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			f := q.frames[0]
			q.frames[0] = models.Frame{}
			q.frames = q.frames[1:]
			q.mu.Unlock()
			return f, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return models.Frame{}, ctx.Err()
		case <-q.notify:
		}
	}
}

// Drain discards pending frames and returns how many were dropped.
func (q *frameQueue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.frames)
	q.frames = nil
	return n
}

func (q *frameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
