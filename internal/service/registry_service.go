package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"anpr-edge/internal/domain/anpr"
	"anpr-edge/internal/repository"
)

const (
	maxPlateLength = 20
	maxOwnerLength = 100
)

// RegistryService validates operator input before it reaches the registry
// and maps storage errors onto the service sentinels.
type RegistryService struct {
	repo *repository.Registry
	log  zerolog.Logger
	now  func() time.Time
}

func NewRegistryService(repo *repository.Registry, log zerolog.Logger) *RegistryService {
	return &RegistryService{
		repo: repo,
		log:  log.With().Str("component", "registry_service").Logger(),
		now:  time.Now,
	}
}

// CanonicalPlate upper-cases and strips whitespace.
func CanonicalPlate(plate string) string {
	return strings.ToUpper(strings.Join(strings.Fields(plate), ""))
}

func validatePlate(plate string) error {
	if plate == "" {
		return fmt.Errorf("%w: plate_number is required", ErrInvalidInput)
	}
	if len(plate) > maxPlateLength {
		return fmt.Errorf("%w: plate_number longer than %d characters", ErrInvalidInput, maxPlateLength)
	}
	for _, r := range plate {
		if !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-') {
			return fmt.Errorf("%w: plate_number may only contain letters, digits and '-'", ErrInvalidInput)
		}
	}
	return nil
}

func validateOwner(owner string) error {
	if strings.TrimSpace(owner) == "" {
		return fmt.Errorf("%w: owner_name is required", ErrInvalidInput)
	}
	if len(owner) > maxOwnerLength {
		return fmt.Errorf("%w: owner_name longer than %d characters", ErrInvalidInput, maxOwnerLength)
	}
	return nil
}

func storeError(op string, err error) error {
	switch {
	case errors.Is(err, repository.ErrDuplicatePlate):
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	case errors.Is(err, repository.ErrVehicleNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, repository.ErrNoFields):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	case errors.Is(err, repository.ErrUnavailable):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func (s *RegistryService) RegisterVehicle(ctx context.Context, rec anpr.VehicleRecord) (*anpr.VehicleRecord, error) {
	rec.PlateNumber = CanonicalPlate(rec.PlateNumber)
	rec.OwnerName = strings.TrimSpace(rec.OwnerName)
	if err := validatePlate(rec.PlateNumber); err != nil {
		return nil, err
	}
	if err := validateOwner(rec.OwnerName); err != nil {
		return nil, err
	}

	out, err := s.repo.AddVehicle(ctx, rec)
	if err != nil {
		if !errors.Is(err, repository.ErrDuplicatePlate) {
			s.log.Error().Err(err).Str("plate", rec.PlateNumber).Msg("failed to add vehicle")
		}
		return nil, storeError("add vehicle", err)
	}

	s.log.Info().Str("plate", out.PlateNumber).Str("owner", out.OwnerName).Msg("vehicle registered")
	return out, nil
}

func (s *RegistryService) GetVehicle(ctx context.Context, plate string) (*anpr.VehicleRecord, error) {
	plate = CanonicalPlate(plate)
	if plate == "" {
		return nil, fmt.Errorf("%w: plate is required", ErrInvalidInput)
	}
	rec, err := s.repo.GetVehicle(ctx, plate)
	if err != nil {
		return nil, storeError("get vehicle", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: vehicle %s", ErrNotFound, plate)
	}
	return rec, nil
}

func (s *RegistryService) UpdateVehicle(ctx context.Context, plate string, upd anpr.VehicleUpdate) (*anpr.VehicleRecord, error) {
	plate = CanonicalPlate(plate)
	if plate == "" {
		return nil, fmt.Errorf("%w: plate is required", ErrInvalidInput)
	}
	if upd.OwnerName != nil {
		owner := strings.TrimSpace(*upd.OwnerName)
		if err := validateOwner(owner); err != nil {
			return nil, err
		}
		upd.OwnerName = &owner
	}

	out, err := s.repo.UpdateVehicle(ctx, plate, upd)
	if err != nil {
		return nil, storeError("update vehicle", err)
	}
	s.log.Info().Str("plate", plate).Msg("vehicle updated")
	return out, nil
}

func (s *RegistryService) DeleteVehicle(ctx context.Context, plate string) error {
	plate = CanonicalPlate(plate)
	if plate == "" {
		return fmt.Errorf("%w: plate is required", ErrInvalidInput)
	}
	if err := s.repo.DeleteVehicle(ctx, plate); err != nil {
		return storeError("delete vehicle", err)
	}
	s.log.Info().Str("plate", plate).Msg("vehicle deleted")
	return nil
}

// ListVehicles returns every vehicle, or those matching query when it is set.
func (s *RegistryService) ListVehicles(ctx context.Context, query string) ([]anpr.VehicleRecord, error) {
	var (
		out []anpr.VehicleRecord
		err error
	)
	if strings.TrimSpace(query) == "" {
		out, err = s.repo.ListVehicles(ctx)
	} else {
		out, err = s.repo.SearchVehicles(ctx, query)
	}
	if err != nil {
		return nil, storeError("list vehicles", err)
	}
	return out, nil
}

type HistoryQuery struct {
	Plate  string
	Status string
	From   string
	To     string
	Limit  int
	Offset int
}

func (s *RegistryService) History(ctx context.Context, q HistoryQuery) ([]anpr.DetectionEvent, error) {
	filter := repository.DetectionFilter{
		Plate:  CanonicalPlate(q.Plate),
		Limit:  q.Limit,
		Offset: q.Offset,
	}

	if q.Status != "" {
		status := anpr.Status(strings.ToUpper(q.Status))
		if !status.Valid() {
			return nil, fmt.Errorf("%w: status must be ALLOWED or DENIED", ErrInvalidInput)
		}
		filter.Status = status
	}
	if q.From != "" {
		t, err := time.Parse(time.RFC3339, q.From)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid from time format", ErrInvalidInput)
		}
		filter.From = &t
	}
	if q.To != "" {
		t, err := time.Parse(time.RFC3339, q.To)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid to time format", ErrInvalidInput)
		}
		filter.To = &t
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, fmt.Errorf("%w: limit and offset must not be negative", ErrInvalidInput)
	}

	events, err := s.repo.FindDetections(ctx, filter)
	if err != nil {
		return nil, storeError("find detections", err)
	}
	return events, nil
}

// Stats reports today's figures, with the day starting at local midnight.
func (s *RegistryService) Stats(ctx context.Context) (anpr.Stats, error) {
	now := s.now()
	since := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	stats, err := s.repo.DetectionStats(ctx, since)
	if err != nil {
		return stats, storeError("compute stats", err)
	}
	return stats, nil
}

// Ping reports store liveness for health checks.
func (s *RegistryService) Ping(ctx context.Context) error {
	if err := s.repo.Ping(ctx); err != nil {
		return storeError("ping registry", err)
	}
	return nil
}
