package capture

import (
	"errors"
	"sync"
)

// DefaultBufferSize is the number of samples per delivered buffer.
const DefaultBufferSize = 4096

var (
	ErrAlreadyStarted = errors.New("capture already started")
	ErrNotStarted     = errors.New("capture not started")
	ErrStopped        = errors.New("capture stopped")
)

// Source produces mono float32 buffers in [-1, 1] at SampleRate. Start returns once
// capture is running; buffers arrive asynchronously on onBuffer. Stop releases the
// device and may be called from inside onBuffer.
type Source interface {
	Start(onBuffer func([]float32)) error
	Stop() error
	SampleRate() int
}

// PushSource delivers buffers handed to Push by an ingest transport.
type PushSource struct {
	rate int

	mu       sync.Mutex
	onBuffer func([]float32)
	started  bool
	stopped  bool
	done     chan struct{}
}

func NewPushSource(sampleRate int) *PushSource {
	return &PushSource{rate: sampleRate, done: make(chan struct{})}
}

func (p *PushSource) SampleRate() int { return p.rate }

func (p *PushSource) Start(onBuffer func([]float32)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true
	p.onBuffer = onBuffer
	return nil
}

// Push hands samples to the running callback on the caller's goroutine.
func (p *PushSource) Push(samples []float32) error {
	p.mu.Lock()
	switch {
	case p.stopped:
		p.mu.Unlock()
		return ErrStopped
	case !p.started:
		p.mu.Unlock()
		return ErrNotStarted
	}
	cb := p.onBuffer
	p.mu.Unlock()

	if cb != nil && len(samples) > 0 {
		cb(samples)
	}
	return nil
}

func (p *PushSource) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}
	p.stopped = true
	p.onBuffer = nil
	close(p.done)
	return nil
}

// Done is closed once the source has been stopped.
func (p *PushSource) Done() <-chan struct{} { return p.done }

func (p *PushSource) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}
