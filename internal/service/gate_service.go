package service

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
	ErrInvalidInput  = errors.New("invalid input")
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrUnavailable   = errors.New("service unavailable")
)

type VehicleLookup interface {
	GetVehicle(ctx context.Context, plate string) (*anpr.VehicleRecord, error)
	LogDetection(ctx context.Context, ev *anpr.DetectionEvent) error
}

type SnapshotSaver interface {
	Save(plate string, img frame.Frame, at time.Time) (string, error)
}

// Notifier receives every gate decision after it has been logged.
type Notifier interface {
	Notify(ctx context.Context, d anpr.AccessDecision) error
}

type Resumer interface {
	Resume()
}

// GateService turns recognition results into access decisions and records
// them in the detection ledger.
type GateService struct {
	store     VehicleLookup
	snapshots SnapshotSaver
	notifiers []Notifier
	nodeID    string
	log       zerolog.Logger
	detection zerolog.Logger

	mu   sync.RWMutex
	last *anpr.AccessDecision
}

func NewGateService(store VehicleLookup, snapshots SnapshotSaver, nodeID string, log zerolog.Logger, notifiers ...Notifier) *GateService {
	return &GateService{
		store:     store,
		snapshots: snapshots,
		notifiers: notifiers,
		nodeID:    nodeID,
		log:       log.With().Str("component", "gate_service").Logger(),
		detection: log.With().Str("component", "detection").Str("node_id", nodeID).Logger(),
	}
}

// HandleRecognition decides ALLOWED or DENIED from registry membership alone.
// A failed lookup yields an error and no ledger entry; a failed ledger append
// is reported through Logged=false.
func (s *GateService) HandleRecognition(ctx context.Context, result anpr.RecognitionResult) (*anpr.AccessDecision, error) {
	if result.PlateCode == "" {
		return nil, fmt.Errorf("%w: plate code is empty", ErrInvalidInput)
	}

	vehicle, err := s.store.GetVehicle(ctx, result.PlateCode)
	if err != nil {
		s.log.Error().Err(err).Str("plate", result.PlateCode).Msg("failed to look up vehicle")
		return nil, fmt.Errorf("failed to look up vehicle: %w", err)
	}

	detectedAt := result.RecognizedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now()
	}

	event := anpr.DetectionEvent{
		NodeID:      s.nodeID,
		PlateNumber: result.PlateCode,
		DetectedAt:  detectedAt,
		Confidence:  result.CombinedConfidence,
		Status:      anpr.StatusDenied,
		Metadata: map[string]interface{}{
			"raw_text":             result.RawText,
			"detection_confidence": result.DetectionConfidence,
			"ocr_confidence":       result.OCRConfidence,
		},
	}
	if vehicle != nil {
		event.Status = anpr.StatusAllowed
		event.OwnerName = vehicle.OwnerName
		if vehicle.VehicleType != "" {
			event.Metadata["vehicle_type"] = vehicle.VehicleType
		}
	}

	if s.snapshots != nil && !result.PlateImage.Empty() {
		path, err := s.snapshots.Save(result.PlateCode, result.PlateImage, detectedAt)
		if err != nil {
			s.log.Warn().Err(err).Str("plate", result.PlateCode).Msg("failed to save plate snapshot")
		}
		event.ImagePath = path
	}

	decision := &anpr.AccessDecision{
		Vehicle: vehicle,
		Result:  &result,
	}

	if err := s.store.LogDetection(ctx, &event); err != nil {
		s.log.Error().
			Err(err).
			Str("plate", event.PlateNumber).
			Str("status", string(event.Status)).
			Msg("failed to log detection")
	} else {
		decision.Logged = true
	}
	decision.Event = event

	s.logDecision(event)
	s.remember(decision)
	s.notify(ctx, *decision)

	return decision, nil
}

func (s *GateService) logDecision(ev anpr.DetectionEvent) {
	var e *zerolog.Event
	if ev.Status == anpr.StatusAllowed {
		e = s.detection.Info().Str("owner", ev.OwnerName)
	} else {
		e = s.detection.Warn()
	}
	e.Str("event_id", ev.ID).
		Str("plate", ev.PlateNumber).
		Str("status", string(ev.Status)).
		Float64("confidence", ev.Confidence).
		Msg("gate decision")
}

func (s *GateService) notify(ctx context.Context, d anpr.AccessDecision) {
	for _, n := range s.notifiers {
		if err := n.Notify(ctx, d); err != nil {
			s.log.Warn().Err(err).Str("plate", d.Event.PlateNumber).Msg("failed to notify decision")
		}
	}
}

func (s *GateService) remember(d *anpr.AccessDecision) {
	s.mu.Lock()
	s.last = d
	s.mu.Unlock()
}

// LastDecision returns the most recent decision, or nil before the first one.
func (s *GateService) LastDecision() *anpr.AccessDecision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Run consumes worker results until ctx is cancelled or results is closed.
// With autoResume > 0 the worker is resumed that long after each decision;
// otherwise resuming is left to the operator.
func (s *GateService) Run(ctx context.Context, results <-chan anpr.RecognitionResult, resumer Resumer, autoResume time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case result, ok := <-results:
			if !ok {
				return
			}
			if _, err := s.HandleRecognition(ctx, result); err != nil {
				s.log.Error().Err(err).Str("plate", result.PlateCode).Msg("failed to handle recognition")
			}
			if autoResume <= 0 || resumer == nil {
				continue
			}
			timer := time.NewTimer(autoResume)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				resumer.Resume()
			}
		}
	}
}
