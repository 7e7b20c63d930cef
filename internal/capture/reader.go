package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/eleven-am/dictation-backend/internal/audio"
)

type Format string

const (
	FormatFloat32LE Format = "f32le"
	FormatS16LE     Format = "s16le"
)

func (f Format) bytesPerSample() int {
	if f == FormatS16LE {
		return 2
	}
	return 4
}

func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatFloat32LE, FormatS16LE:
		return Format(s), nil
	}
	return "", fmt.Errorf("unsupported sample format %q", s)
}

type ReaderOptions struct {
	Format     Format
	SampleRate int
	BufferSize int
	// Realtime paces delivery at the source sample rate.
	Realtime bool
}

// ReaderSource streams raw mono samples from an io.Reader on its own goroutine.
type ReaderSource struct {
	r    io.Reader
	opts ReaderOptions

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}
	err     error

	sleep func(time.Duration, <-chan struct{}) bool
}

func NewReaderSource(r io.Reader, opts ReaderOptions) *ReaderSource {
	if opts.Format == "" {
		opts.Format = FormatFloat32LE
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = audio.SourceSampleRate
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	return &ReaderSource{
		r:     r,
		opts:  opts,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		sleep: sleepOrStop,
	}
}

func (s *ReaderSource) SampleRate() int { return s.opts.SampleRate }

func (s *ReaderSource) Start(onBuffer func([]float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	go s.run(onBuffer)
	return nil
}

// Stop signals the reading goroutine and returns without waiting for it.
func (s *ReaderSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.stop)
	if !s.started {
		close(s.done)
	}
	return nil
}

// Done is closed when the reader is exhausted, fails, or is stopped.
func (s *ReaderSource) Done() <-chan struct{} { return s.done }

// Err reports the read error that ended capture, if any. io.EOF is not an error.
func (s *ReaderSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *ReaderSource) run(onBuffer func([]float32)) {
	defer close(s.done)

	chunk := make([]byte, s.opts.BufferSize*s.opts.Format.bytesPerSample())
	interval := time.Duration(float64(time.Second) * float64(s.opts.BufferSize) / float64(s.opts.SampleRate))

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		n, err := io.ReadFull(s.r, chunk)
		if n > 0 {
			samples := s.decode(chunk[:n])
			if len(samples) > 0 && !s.isStopped() {
				onBuffer(samples)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
			}
			return
		}

		if s.opts.Realtime && !s.sleep(interval, s.stop) {
			return
		}
	}
}

func (s *ReaderSource) decode(b []byte) []float32 {
	if s.opts.Format == FormatS16LE {
		return audio.Int16ToFloat32(audio.PCMBytesToInt16(b))
	}
	return audio.DecodeFloat32LE(b)
}

func (s *ReaderSource) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func sleepOrStop(d time.Duration, stop <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stop:
		return false
	}
}

var ErrNotWAV = errors.New("not a PCM WAV stream")

// WAVInfo describes the fmt chunk of a RIFF/WAVE stream.
type WAVInfo struct {
	Channels      int
	SampleRate    int
	BitsPerSample int
	Format        Format
}

// ReadWAVHeader consumes a RIFF/WAVE header up to the start of the data chunk and
// returns a reader positioned at the first sample. Only mono 16-bit PCM and 32-bit
// float are accepted.
func ReadWAVHeader(r io.Reader) (WAVInfo, io.Reader, error) {
	br := bufio.NewReader(r)

	var riff [12]byte
	if _, err := io.ReadFull(br, riff[:]); err != nil {
		return WAVInfo{}, nil, fmt.Errorf("read riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return WAVInfo{}, nil, ErrNotWAV
	}

	var info WAVInfo
	haveFmt := false
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			return WAVInfo{}, nil, fmt.Errorf("read chunk header: %w", err)
		}
		id := string(hdr[0:4])
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return WAVInfo{}, nil, ErrNotWAV
			}
			// Extension fields past the first 16 bytes are skipped.
			var body [16]byte
			if _, err := io.ReadFull(br, body[:]); err != nil {
				return WAVInfo{}, nil, fmt.Errorf("read fmt chunk: %w", err)
			}
			if _, err := io.CopyN(io.Discard, br, size-16); err != nil {
				return WAVInfo{}, nil, fmt.Errorf("skip fmt extension: %w", err)
			}
			tag := binary.LittleEndian.Uint16(body[0:2])
			info.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(body[14:16]))
			switch {
			case tag == 1 && info.BitsPerSample == 16:
				info.Format = FormatS16LE
			case tag == 3 && info.BitsPerSample == 32:
				info.Format = FormatFloat32LE
			default:
				return WAVInfo{}, nil, fmt.Errorf("%w: format tag %d, %d bits", ErrNotWAV, tag, info.BitsPerSample)
			}
			if info.Channels != 1 {
				return WAVInfo{}, nil, fmt.Errorf("%w: %d channels", ErrNotWAV, info.Channels)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return WAVInfo{}, nil, ErrNotWAV
			}
			return info, io.LimitReader(br, size), nil
		default:
			if _, err := io.CopyN(io.Discard, br, size+size%2); err != nil {
				return WAVInfo{}, nil, fmt.Errorf("skip %q chunk: %w", id, err)
			}
		}
		if size%2 == 1 && id == "fmt " {
			if _, err := br.ReadByte(); err != nil {
				return WAVInfo{}, nil, err
			}
		}
	}
}
