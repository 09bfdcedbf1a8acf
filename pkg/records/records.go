// Package records holds the JSON record shapes exchanged with storage and
// vision collaborators.
package records

import (
	"fmt"
	"time"

	"github.com/pawsense/feeder/pkg/feeding"
)

// DatetimeLayout is the local, zone-less timestamp used in every record.
const DatetimeLayout = "2006-01-02T15:04:05"

const (
	TypeIntake = "intake"
	TypeEye    = "eye"
)

// Intake is one feeding event as handed to a sink.
type Intake struct {
	SerialNumber string     `json:"serial_number"`
	Datetime     string     `json:"datetime"`
	Type         string     `json:"type"`
	Data         IntakeData `json:"data"`
}

type IntakeData struct {
	Duration int `json:"duration"` // minutes
	Amount   int `json:"amount"`   // grams
}

// NewIntake builds the record for ev, timestamped at the start of feeding.
func NewIntake(serial string, ev feeding.Event) Intake {
	return Intake{
		SerialNumber: serial,
		Datetime:     ev.Start.Format(DatetimeLayout),
		Type:         TypeIntake,
		Data: IntakeData{
			Duration: ev.DurationMinutes,
			Amount:   ev.AmountGrams,
		},
	}
}

// Time parses Datetime in loc.
func (r Intake) Time(loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(DatetimeLayout, r.Datetime, loc)
}

type EyeSide string

const (
	EyeRight EyeSide = "right"
	EyeLeft  EyeSide = "left"
)

// Eye is the eye-health record produced by the vision pipeline.
type Eye struct {
	SerialNumber string  `json:"serial_number"`
	Datetime     string  `json:"datetime"`
	Type         string  `json:"type"`
	Data         EyeData `json:"data"`
}

type EyeData struct {
	Eyes []EyeResult `json:"eyes"`
}

// EyeResult carries per-condition probabilities for one eye.
type EyeResult struct {
	EyeSide                    EyeSide `json:"eye_side"`
	BlepharitisProb            float64 `json:"blepharitis_prob"`
	ConjunctivitisProb         float64 `json:"conjunctivitis_prob"`
	CornealSequestrumProb      float64 `json:"corneal_sequestrum_prob"`
	NonUlcerativeKeratitisProb float64 `json:"non_ulcerative_keratitis_prob"`
	CornealUlcerProb           float64 `json:"corneal_ulcer_prob"`
	ImageURL                   *string `json:"image_url"`
}

// Validate checks the record against its schema.
func (e Eye) Validate() error {
	if e.Type != TypeEye {
		return fmt.Errorf("eye record has type %q", e.Type)
	}
	if _, err := time.Parse(DatetimeLayout, e.Datetime); err != nil {
		return fmt.Errorf("eye record datetime %q: %w", e.Datetime, err)
	}
	for i, r := range e.Data.Eyes {
		if r.EyeSide != EyeRight && r.EyeSide != EyeLeft {
			return fmt.Errorf("eyes[%d]: invalid eye side %q", i, r.EyeSide)
		}
		for name, p := range r.probs() {
			if p < 0 || p > 1 {
				return fmt.Errorf("eyes[%d]: %s %v out of range [0, 1]", i, name, p)
			}
		}
	}
	return nil
}

func (r EyeResult) probs() map[string]float64 {
	return map[string]float64{
		"blepharitis_prob":              r.BlepharitisProb,
		"conjunctivitis_prob":           r.ConjunctivitisProb,
		"corneal_sequestrum_prob":       r.CornealSequestrumProb,
		"non_ulcerative_keratitis_prob": r.NonUlcerativeKeratitisProb,
		"corneal_ulcer_prob":            r.CornealUlcerProb,
	}
}

// DetectionResult is the response of the external object detector for one
// image. Filtering is left to the vision pipeline.
type DetectionResult struct {
	InferenceID string      `json:"inference_id"`
	Time        float64     `json:"time"`
	Image       ImageSize   `json:"image"`
	Predictions []Detection `json:"predictions"`
}

type ImageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Detection is one bounding box.
type Detection struct {
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	Confidence  float64 `json:"confidence"`
	Class       string  `json:"class"`
	ClassID     int     `json:"class_id"`
	DetectionID string  `json:"detection_id"`
}
