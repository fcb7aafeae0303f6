// Package camera owns the live capture device and the single-slot
// "latest frame" hand-off to the detection loop.
package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"anpr-edge/internal/frame"
)

var (
	ErrUnavailable = errors.New("camera unavailable")
	ErrNotOpen     = errors.New("camera not open")
)

// Device is a capture backend. Read returns false when no frame could be read.
type Device interface {
	Read() (frame.Frame, bool)
	Close() error
}

// Opener opens the device named by source with the requested geometry.
type Opener func(source string, width, height, fps int) (Device, error)

type Settings struct {
	Source string
	Width  int
	Height int
	FPS    int
}

// Source samples frames from a Device on its own goroutine and keeps only the
// most recent one. Readers get copies; the producer never waits for them.
type Source struct {
	settings Settings
	opener   Opener
	log      zerolog.Logger

	mu      sync.Mutex
	device  Device
	last    *frame.Frame
	seq     uint64
	retired bool // set by a failed open or Close; the source never reopens

	available atomic.Bool
	running   atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	captured atomic.Uint64
	failed   atomic.Uint64
}

func NewSource(opener Opener, settings Settings, log zerolog.Logger) *Source {
	if settings.FPS <= 0 {
		settings.FPS = 30
	}
	return &Source{
		settings: settings,
		opener:   opener,
		log:      log.With().Str("component", "camera").Str("source", settings.Source).Logger(),
	}
}

// Open attaches the device. On failure the source stays unavailable for its
// whole lifetime and the error is returned for reporting only; later calls,
// and calls after Close, return ErrUnavailable without touching the device.
func (s *Source) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retired {
		return ErrUnavailable
	}
	if s.device != nil {
		return nil
	}
	dev, err := s.opener(s.settings.Source, s.settings.Width, s.settings.Height, s.settings.FPS)
	if err != nil {
		s.retired = true
		s.log.Error().Err(err).Msg("camera initialization failed, continuing without camera")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.device = dev
	s.available.Store(true)
	s.log.Info().
		Int("width", s.settings.Width).
		Int("height", s.settings.Height).
		Int("fps", s.settings.FPS).
		Msg("camera initialized")
	return nil
}

// Start launches the sampling loop. It is a no-op when already running.
func (s *Source) Start(ctx context.Context) error {
	if !s.available.Load() {
		return ErrNotOpen
	}
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.captureLoop(ctx)
	s.log.Info().Msg("camera capture started")
	return nil
}

func (s *Source) captureLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(s.settings.FPS))
	defer ticker.Stop()

	for {
		s.captureOnce()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Source) captureOnce() {
	s.mu.Lock()
	dev := s.device
	s.mu.Unlock()
	if dev == nil {
		return
	}

	f, ok := dev.Read()
	if !ok || f.Empty() {
		s.failed.Add(1)
		return
	}

	s.mu.Lock()
	s.seq++
	f.Seq = s.seq
	if f.CapturedAt.IsZero() {
		f.CapturedAt = time.Now()
	}
	s.last = &f
	s.mu.Unlock()
	s.captured.Add(1)
}

// LatestFrame returns a deep copy of the last captured frame. It reports
// false before the first frame arrives and whenever the camera is unavailable.
func (s *Source) LatestFrame() (frame.Frame, bool) {
	if !s.available.Load() {
		return frame.Frame{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return frame.Frame{}, false
	}
	return s.last.Clone(), true
}

func (s *Source) Available() bool {
	return s.available.Load()
}

type Stats struct {
	Available bool   `json:"available"`
	Running   bool   `json:"running"`
	Captured  uint64 `json:"captured"`
	Failed    uint64 `json:"failed_reads"`
}

func (s *Source) Stats() Stats {
	return Stats{
		Available: s.available.Load(),
		Running:   s.running.Load(),
		Captured:  s.captured.Load(),
		Failed:    s.failed.Load(),
	}
}

// Close stops the loop, waits for it and releases the device. The source is
// unavailable afterwards.
func (s *Source) Close() error {
	if s.running.CompareAndSwap(true, false) {
		s.cancel()
		s.wg.Wait()
	}
	s.available.Store(false)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.retired = true
	s.last = nil
	if s.device == nil {
		return nil
	}
	err := s.device.Close()
	s.device = nil
	s.log.Info().
		Uint64("captured", s.captured.Load()).
		Uint64("failed_reads", s.failed.Load()).
		Msg("camera released")
	return err
}
