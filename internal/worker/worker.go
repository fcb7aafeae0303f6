// Package worker runs the detection loop: it pulls the latest frame, runs the
// recognition pipeline and pauses itself after every qualifying result until
// the consumer resumes it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"anpr-edge/internal/domain/anpr"
	"anpr-edge/internal/frame"
)

var (
	ErrStopped        = errors.New("detection worker stopped")
	ErrAlreadyStarted = errors.New("detection worker already started")
)

// PanicError wraps a panic raised inside a recognition pass.
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("recognition panicked: %v", e.Value)
}

type State string

const (
	StateRunning State = "RUNNING"
	StatePaused  State = "PAUSED"
	StateStopped State = "STOPPED"
)

const DefaultInterval = 100 * time.Millisecond

type FrameSource interface {
	LatestFrame() (frame.Frame, bool)
	Available() bool
}

type Recognizer interface {
	Process(ctx context.Context, f frame.Frame) (*anpr.RecognitionResult, error)
}

// Worker owns the RUNNING / PAUSED / STOPPED state machine. Exactly one result
// is published per RUNNING to PAUSED transition.
type Worker struct {
	source     FrameSource
	recognizer Recognizer
	interval   time.Duration
	log        zerolog.Logger

	mu          sync.Mutex
	state       State
	started     bool
	cancel      context.CancelFunc
	done        chan struct{}
	subscribers map[int]chan anpr.RecognitionResult
	nextSubID   int

	published uint64
	failures  uint64
}

func New(source FrameSource, recognizer Recognizer, interval time.Duration, log zerolog.Logger) *Worker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Worker{
		source:      source,
		recognizer:  recognizer,
		interval:    interval,
		log:         log.With().Str("component", "detection_worker").Logger(),
		state:       StateStopped,
		subscribers: make(map[int]chan anpr.RecognitionResult),
	}
}

// Subscribe returns a channel receiving every published result and a func
// that detaches it. Channels are closed when the worker stops.
func (w *Worker) Subscribe() (<-chan anpr.RecognitionResult, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ch := make(chan anpr.RecognitionResult, 1)
	if w.started && w.state == StateStopped {
		close(ch)
		return ch, func() {}
	}
	id := w.nextSubID
	w.nextSubID++
	w.subscribers[id] = ch

	return ch, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if c, ok := w.subscribers[id]; ok {
			delete(w.subscribers, id)
			close(c)
		}
	}
}

// Start enters RUNNING and launches the loop. A stopped worker cannot be restarted.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		if w.state == StateStopped {
			return ErrStopped
		}
		return ErrAlreadyStarted
	}
	w.started = true
	w.state = StateRunning

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(ctx)

	w.log.Info().Dur("interval", w.interval).Msg("detection worker started")
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if w.State() == StateStopped {
			return
		}
		w.cycle(ctx)

		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.state != StateStopped {
				w.state = StateStopped
				w.log.Info().Msg("detection loop exited on context cancellation")
			}
			w.mu.Unlock()
			return
		case <-ticker.C:
		}
	}
}

// cycle performs one iteration. Pipeline failures are logged and leave the
// state untouched.
func (w *Worker) cycle(ctx context.Context) {
	if w.State() != StateRunning {
		return
	}
	if w.source == nil || w.recognizer == nil || !w.source.Available() {
		return
	}
	f, ok := w.source.LatestFrame()
	if !ok {
		return
	}

	result, err := w.process(ctx, f)
	if err != nil {
		w.mu.Lock()
		w.failures++
		w.mu.Unlock()
		w.log.Error().Err(err).Uint64("seq", f.Seq).Msg("error in detection cycle")
		return
	}
	if result == nil {
		return
	}
	w.publish(*result)
}

func (w *Worker) process(ctx context.Context, f frame.Frame) (res *anpr.RecognitionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return w.recognizer.Process(ctx, f)
}

// publish hands the result to subscribers and transitions RUNNING to PAUSED.
// A result that lost the race against Pause or Stop is dropped. When every
// subscriber's buffer is full the result is dropped too and the worker keeps
// RUNNING, so the vehicle is picked up again on a later cycle.
func (w *Worker) publish(result anpr.RecognitionResult) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateRunning {
		w.log.Debug().Str("plate", result.PlateCode).Str("state", string(w.state)).Msg("dropping result, worker not running")
		return
	}

	delivered := 0
	for id, ch := range w.subscribers {
		select {
		case ch <- result:
			delivered++
		default:
			w.log.Warn().Int("subscriber", id).Str("plate", result.PlateCode).Msg("subscriber not keeping up")
		}
	}
	if len(w.subscribers) > 0 && delivered == 0 {
		w.log.Warn().Str("plate", result.PlateCode).Msg("no subscriber accepted result, staying active")
		return
	}

	w.state = StatePaused
	w.published++
	w.log.Info().
		Str("plate", result.PlateCode).
		Float64("confidence", result.CombinedConfidence).
		Msg("plate detected, detection paused")
}

// Pause forces RUNNING to PAUSED. Idempotent.
func (w *Worker) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateRunning {
		w.state = StatePaused
		w.log.Info().Msg("detection paused")
	}
}

// Resume forces PAUSED to RUNNING. Idempotent; no-op once stopped.
func (w *Worker) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StatePaused {
		w.state = StateRunning
		w.log.Info().Msg("detection resumed")
	}
}

// Stop moves to STOPPED from any state and waits for the loop to exit. No
// state changes or publications happen after it returns.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.state = StateStopped
	w.started = true
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeSubscribersLocked()
	w.log.Info().Uint64("published", w.published).Uint64("failures", w.failures).Msg("detection worker stopped")
}

func (w *Worker) closeSubscribersLocked() {
	for id, ch := range w.subscribers {
		delete(w.subscribers, id)
		close(ch)
	}
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

type Stats struct {
	State     State  `json:"state"`
	Published uint64 `json:"published"`
	Failures  uint64 `json:"failures"`
}

func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{State: w.state, Published: w.published, Failures: w.failures}
}
