package anpr

import (
	"image"
	"time"

	"anpr-edge/internal/frame"
)

type Status string

const (
	StatusAllowed Status = "ALLOWED"
	StatusDenied  Status = "DENIED"
)

func (s Status) Valid() bool {
	return s == StatusAllowed || s == StatusDenied
}

// Detection is the single best plate region the detector found in a frame.
type Detection struct {
	Box        image.Rectangle
	Confidence float64
}

// TextCandidate is one reading returned by the OCR capability.
type TextCandidate struct {
	Text       string
	Confidence float64
}

type RecognitionResult struct {
	PlateCode           string      `json:"plate_code"`
	RawText             string      `json:"raw_text"`
	CombinedConfidence  float64     `json:"combined_confidence"`
	DetectionConfidence float64     `json:"detection_confidence"`
	OCRConfidence       float64     `json:"ocr_confidence"`
	PlateImage          frame.Frame `json:"-"`
	PreprocessedImage   frame.Frame `json:"-"`
	RecognizedAt        time.Time   `json:"recognized_at"`
}

type VehicleRecord struct {
	ID            string     `json:"id"`
	PlateNumber   string     `json:"plate_number"`
	OwnerName     string     `json:"owner_name"`
	VehicleType   string     `json:"vehicle_type,omitempty"`
	ContactNumber string     `json:"contact_number,omitempty"`
	ValidUntil    *time.Time `json:"valid_until,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// VehicleUpdate carries the fields of a partial update. Nil fields are left untouched.
type VehicleUpdate struct {
	OwnerName     *string    `json:"owner_name,omitempty"`
	VehicleType   *string    `json:"vehicle_type,omitempty"`
	ContactNumber *string    `json:"contact_number,omitempty"`
	ValidUntil    *time.Time `json:"valid_until,omitempty"`
	Notes         *string    `json:"notes,omitempty"`
}

func (u VehicleUpdate) Empty() bool {
	return u.OwnerName == nil && u.VehicleType == nil && u.ContactNumber == nil &&
		u.ValidUntil == nil && u.Notes == nil
}

type DetectionEvent struct {
	ID          string                 `json:"id"`
	NodeID      string                 `json:"node_id"`
	PlateNumber string                 `json:"plate_number"`
	DetectedAt  time.Time              `json:"detected_at"`
	Confidence  float64                `json:"confidence"`
	Status      Status                 `json:"status"`
	OwnerName   string                 `json:"owner_name,omitempty"`
	ImagePath   string                 `json:"image_path,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// AccessDecision is what the gate consumer produces for one qualifying detection.
type AccessDecision struct {
	Event   DetectionEvent     `json:"event"`
	Vehicle *VehicleRecord     `json:"vehicle,omitempty"`
	Result  *RecognitionResult `json:"result,omitempty"`
	Logged  bool               `json:"logged"`
}

type Stats struct {
	TotalVehicles   int64     `json:"total_vehicles"`
	TotalDetections int64     `json:"total_detections"`
	AllowedSince    int64     `json:"allowed_since"`
	DeniedSince     int64     `json:"denied_since"`
	Since           time.Time `json:"since"`
}
