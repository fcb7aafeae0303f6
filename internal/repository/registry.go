package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"anpr-edge/internal/domain/anpr"
)

var (
	ErrDuplicatePlate  = errors.New("plate number already registered")
	ErrVehicleNotFound = errors.New("vehicle not found")
	ErrNoFields        = errors.New("no fields to update")
	ErrInvalidStatus   = errors.New("invalid detection status")
	ErrUnavailable     = errors.New("registry unavailable")
)

const (
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 1000
)

// Opener (re)establishes the database connection.
type Opener func() (*gorm.DB, error)

// Registry stores vehicle records and the append-only detection ledger.
// Every operation, including the liveness check, runs under one lock so a
// reconnect never races a query.
type Registry struct {
	mu   sync.Mutex
	open Opener
	db   *gorm.DB
	log  zerolog.Logger
}

func NewRegistry(open Opener, log zerolog.Logger) *Registry {
	r := &Registry{
		open: open,
		log:  log.With().Str("component", "registry").Logger(),
	}
	if _, err := r.ensureLive(context.Background()); err != nil {
		r.log.Error().Err(err).Msg("registry not reachable at startup, will retry on next call")
	}
	return r
}

type vehicleRow struct {
	ID            string `gorm:"primaryKey"`
	PlateNumber   string `gorm:"not null;uniqueIndex"`
	OwnerName     string `gorm:"not null"`
	VehicleType   *string
	ContactNumber *string
	ValidUntil    *datatypes.Date
	Notes         *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (vehicleRow) TableName() string { return "vehicles" }

type detectionRow struct {
	ID          string    `gorm:"primaryKey"`
	NodeID      string    `gorm:"not null"`
	PlateNumber string    `gorm:"not null"`
	DetectedAt  time.Time `gorm:"not null"`
	Confidence  *float64
	Status      string `gorm:"not null"`
	OwnerName   *string
	ImagePath   *string
	Metadata    datatypes.JSONMap
}

func (detectionRow) TableName() string { return "detection_history" }

// ensureLive returns a usable handle, reopening at most once. Callers hold r.mu.
func (r *Registry) ensureLive(ctx context.Context) (*gorm.DB, error) {
	if r.db != nil {
		sqlDB, err := r.db.DB()
		if err == nil {
			if err = sqlDB.PingContext(ctx); err == nil {
				return r.db, nil
			}
			_ = sqlDB.Close()
		}
		r.log.Warn().Err(err).Msg("registry connection lost, reopening")
		r.db = nil
	}

	db, err := r.open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	r.db = db
	r.log.Info().Msg("registry connection established")
	return db, nil
}

// Ping reports whether the backend is reachable, reconnecting if needed.
func (r *Registry) Ping(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.ensureLive(ctx)
	return err
}

func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return nil
	}
	sqlDB, err := r.db.DB()
	r.db = nil
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func normalizePlateKey(plate string) string {
	return strings.ToUpper(strings.TrimSpace(plate))
}

func (r *Registry) AddVehicle(ctx context.Context, rec anpr.VehicleRecord) (*anpr.VehicleRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	db, err := r.ensureLive(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	row := vehicleRow{
		ID:            uuid.NewString(),
		PlateNumber:   normalizePlateKey(rec.PlateNumber),
		OwnerName:     rec.OwnerName,
		VehicleType:   optional(rec.VehicleType),
		ContactNumber: optional(rec.ContactNumber),
		ValidUntil:    toDate(rec.ValidUntil),
		Notes:         optional(rec.Notes),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&vehicleRow{}).Where("plate_number = ?", row.PlateNumber).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicatePlate
		}
		return tx.Create(&row).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		err = ErrDuplicatePlate
	}
	if err != nil {
		return nil, err
	}

	out := row.toDomain()
	return &out, nil
}

// GetVehicle returns (nil, nil) when the plate is not registered.
func (r *Registry) GetVehicle(ctx context.Context, plate string) (*anpr.VehicleRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	db, err := r.ensureLive(ctx)
	if err != nil {
		return nil, err
	}
	return getVehicle(db.WithContext(ctx), normalizePlateKey(plate))
}

func getVehicle(db *gorm.DB, plate string) (*anpr.VehicleRecord, error) {
	var row vehicleRow
	err := db.Where("plate_number = ?", plate).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := row.toDomain()
	return &out, nil
}

// UpdateVehicle applies the non-nil fields of upd and always refreshes updated_at.
func (r *Registry) UpdateVehicle(ctx context.Context, plate string, upd anpr.VehicleUpdate) (*anpr.VehicleRecord, error) {
	if upd.Empty() {
		return nil, ErrNoFields
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	db, err := r.ensureLive(ctx)
	if err != nil {
		return nil, err
	}

	fields := map[string]interface{}{
		"updated_at": time.Now().UTC().Truncate(time.Microsecond),
	}
	if upd.OwnerName != nil {
		fields["owner_name"] = *upd.OwnerName
	}
	if upd.VehicleType != nil {
		fields["vehicle_type"] = *upd.VehicleType
	}
	if upd.ContactNumber != nil {
		fields["contact_number"] = *upd.ContactNumber
	}
	if upd.ValidUntil != nil {
		fields["valid_until"] = *toDate(upd.ValidUntil)
	}
	if upd.Notes != nil {
		fields["notes"] = *upd.Notes
	}

	key := normalizePlateKey(plate)
	var out *anpr.VehicleRecord
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&vehicleRow{}).Where("plate_number = ?", key).Updates(fields)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrVehicleNotFound
		}
		var err error
		out, err = getVehicle(tx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Registry) DeleteVehicle(ctx context.Context, plate string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	db, err := r.ensureLive(ctx)
	if err != nil {
		return err
	}

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("plate_number = ?", normalizePlateKey(plate)).Delete(&vehicleRow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrVehicleNotFound
		}
		return nil
	})
}

func (r *Registry) ListVehicles(ctx context.Context) ([]anpr.VehicleRecord, error) {
	return r.findVehicles(ctx, "")
}

// SearchVehicles matches plate number or owner name, case-insensitively.
func (r *Registry) SearchVehicles(ctx context.Context, query string) ([]anpr.VehicleRecord, error) {
	return r.findVehicles(ctx, strings.TrimSpace(query))
}

func (r *Registry) findVehicles(ctx context.Context, query string) ([]anpr.VehicleRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	db, err := r.ensureLive(ctx)
	if err != nil {
		return nil, err
	}

	q := db.WithContext(ctx).Model(&vehicleRow{})
	if query != "" {
		pattern := "%" + strings.ToUpper(query) + "%"
		q = q.Where("UPPER(plate_number) LIKE ? OR UPPER(owner_name) LIKE ?", pattern, pattern)
	}

	var rows []vehicleRow
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]anpr.VehicleRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// LogDetection appends one event to the ledger. Missing ID and DetectedAt
// are filled in and written back to ev.
func (r *Registry) LogDetection(ctx context.Context, ev *anpr.DetectionEvent) error {
	if !ev.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, ev.Status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	db, err := r.ensureLive(ctx)
	if err != nil {
		return err
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.DetectedAt.IsZero() {
		ev.DetectedAt = time.Now()
	}
	ev.DetectedAt = ev.DetectedAt.UTC().Truncate(time.Microsecond)
	ev.PlateNumber = normalizePlateKey(ev.PlateNumber)

	confidence := ev.Confidence
	row := detectionRow{
		ID:          ev.ID,
		NodeID:      ev.NodeID,
		PlateNumber: ev.PlateNumber,
		DetectedAt:  ev.DetectedAt,
		Confidence:  &confidence,
		Status:      string(ev.Status),
		OwnerName:   optional(ev.OwnerName),
		ImagePath:   optional(ev.ImagePath),
	}
	if len(ev.Metadata) > 0 {
		row.Metadata = datatypes.JSONMap(ev.Metadata)
	}

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&row).Error
	})
}

type DetectionFilter struct {
	Plate  string
	Status anpr.Status
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// GetDetectionHistory returns the most recent events, newest first.
func (r *Registry) GetDetectionHistory(ctx context.Context, limit int) ([]anpr.DetectionEvent, error) {
	return r.FindDetections(ctx, DetectionFilter{Limit: limit})
}

func (r *Registry) FindDetections(ctx context.Context, filter DetectionFilter) ([]anpr.DetectionEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	db, err := r.ensureLive(ctx)
	if err != nil {
		return nil, err
	}

	query := db.WithContext(ctx).Model(&detectionRow{})
	if filter.Plate != "" {
		query = query.Where("plate_number = ?", normalizePlateKey(filter.Plate))
	}
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if filter.From != nil {
		query = query.Where("detected_at >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		query = query.Where("detected_at <= ?", filter.To.UTC())
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	query = query.Order("detected_at DESC").Limit(limit)
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var rows []detectionRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]anpr.DetectionEvent, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// DetectionStats counts registered vehicles, all ledger entries, and the
// ALLOWED / DENIED decisions at or after since.
func (r *Registry) DetectionStats(ctx context.Context, since time.Time) (anpr.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := anpr.Stats{Since: since.UTC()}
	db, err := r.ensureLive(ctx)
	if err != nil {
		return stats, err
	}
	db = db.WithContext(ctx)

	if err := db.Model(&vehicleRow{}).Count(&stats.TotalVehicles).Error; err != nil {
		return stats, fmt.Errorf("count vehicles: %w", err)
	}
	if err := db.Model(&detectionRow{}).Count(&stats.TotalDetections).Error; err != nil {
		return stats, fmt.Errorf("count detections: %w", err)
	}
	if err := db.Model(&detectionRow{}).
		Where("status = ? AND detected_at >= ?", string(anpr.StatusAllowed), stats.Since).
		Count(&stats.AllowedSince).Error; err != nil {
		return stats, fmt.Errorf("count allowed: %w", err)
	}
	if err := db.Model(&detectionRow{}).
		Where("status = ? AND detected_at >= ?", string(anpr.StatusDenied), stats.Since).
		Count(&stats.DeniedSince).Error; err != nil {
		return stats, fmt.Errorf("count denied: %w", err)
	}
	return stats, nil
}

func (row vehicleRow) toDomain() anpr.VehicleRecord {
	rec := anpr.VehicleRecord{
		ID:          row.ID,
		PlateNumber: row.PlateNumber,
		OwnerName:   row.OwnerName,
		CreatedAt:   row.CreatedAt.UTC(),
		UpdatedAt:   row.UpdatedAt.UTC(),
	}
	if row.VehicleType != nil {
		rec.VehicleType = *row.VehicleType
	}
	if row.ContactNumber != nil {
		rec.ContactNumber = *row.ContactNumber
	}
	if row.Notes != nil {
		rec.Notes = *row.Notes
	}
	if row.ValidUntil != nil {
		t := time.Time(*row.ValidUntil)
		t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		rec.ValidUntil = &t
	}
	return rec
}

func (row detectionRow) toDomain() anpr.DetectionEvent {
	ev := anpr.DetectionEvent{
		ID:          row.ID,
		NodeID:      row.NodeID,
		PlateNumber: row.PlateNumber,
		DetectedAt:  row.DetectedAt.UTC(),
		Status:      anpr.Status(row.Status),
	}
	if row.Confidence != nil {
		ev.Confidence = *row.Confidence
	}
	if row.OwnerName != nil {
		ev.OwnerName = *row.OwnerName
	}
	if row.ImagePath != nil {
		ev.ImagePath = *row.ImagePath
	}
	if len(row.Metadata) > 0 {
		ev.Metadata = map[string]interface{}(row.Metadata)
	}
	return ev
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func toDate(t *time.Time) *datatypes.Date {
	if t == nil {
		return nil
	}
	u := t.UTC()
	d := datatypes.Date(time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC))
	return &d
}
