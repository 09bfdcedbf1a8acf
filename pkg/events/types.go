package events

import "encoding/json"

// Event names
const (
	FeedingIntake      = "feeding.intake"
	CaptureSession     = "capture.session"
	CalibrationChanged = "calibration.changed"
	TareSchedule       = "tare.schedule"
)

// Event is a generic SSE event from daemon.
type Event struct {
	Name string          // SSE event name
	Data json.RawMessage // Raw JSON payload
	Ts   int64           // Unix seconds at publish time
}

// FeedingIntakeEvent is the payload for feeding.intake.
type FeedingIntakeEvent struct {
	Start           string `json:"start"`
	End             string `json:"end"`
	DurationMinutes int    `json:"durationMinutes"`
	AmountGrams     int    `json:"amountGrams"`
	Published       bool   `json:"published"`
}

// CaptureSessionEvent is the payload for capture.session. It is published
// once when a session opens and once when it ends.
type CaptureSessionEvent struct {
	ID           string `json:"id"`
	Phase        string `json:"phase"` // started | ended
	FramesTaken  int    `json:"framesTaken"`
	FramesFailed int    `json:"framesFailed"`
	TotalFrames  int    `json:"totalFrames"`
	EndReason    string `json:"endReason,omitempty"`
}

// CalibrationChangedEvent is the payload for calibration.changed.
type CalibrationChangedEvent struct {
	Reason     string  `json:"reason"` // tare | calibrate | auto-tare
	Offset     float64 `json:"offset"`
	Scale      float64 `json:"scale"`
	Calibrated bool    `json:"calibrated"`
}

// TareScheduleEvent is the payload for tare.schedule.
type TareScheduleEvent struct {
	Phase   string `json:"phase"` // upcoming | error
	RunAt   int64  `json:"runAt,omitempty"`
	Message string `json:"message,omitempty"`
}

// DecodeAs decodes the event payload into the caller-specified generic type T.
// It ignores the event name and simply unmarshals Data into T. If Data is empty,
// it returns the zero value of T with a nil error.
//
// Example:
//
//	payload, err := events.DecodeAs[events.FeedingIntakeEvent](ev)
//	if err != nil { /* handle */ }
//	fmt.Println(payload.AmountGrams)
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
