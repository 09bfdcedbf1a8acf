package records

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pawsense/feeder/pkg/feeding"
)

func TestIntakeJSON(t *testing.T) {
	start := time.Date(2023, 12, 25, 19, 0, 15, 0, time.Local)
	rec := NewIntake("SN1234", feeding.Event{
		Start:           start,
		End:             start.Add(2 * time.Minute),
		DurationMinutes: 2,
		AmountGrams:     20,
	})

	b, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"serial_number": "SN1234",
		"datetime": "2023-12-25T19:00:15",
		"type": "intake",
		"data": {"duration": 2, "amount": 20}
	}`, string(b))

	got, err := rec.Time(time.Local)
	require.NoError(t, err)
	assert.True(t, got.Equal(start))
}

func TestEyeValidate(t *testing.T) {
	url := "https://example.invalid/right.jpg"
	valid := Eye{
		SerialNumber: "SN1",
		Datetime:     "2023-12-25T19:00:15",
		Type:         TypeEye,
		Data: EyeData{Eyes: []EyeResult{
			{EyeSide: EyeRight, BlepharitisProb: 0.1, CornealUlcerProb: 0.5, ImageURL: &url},
			{EyeSide: EyeLeft, ConjunctivitisProb: 1},
		}},
	}
	require.NoError(t, valid.Validate())

	b, err := json.Marshal(valid.Data.Eyes[1])
	require.NoError(t, err)
	assert.Contains(t, string(b), `"image_url":null`)

	tests := []struct {
		name   string
		mutate func(e *Eye)
	}{
		{"wrong type", func(e *Eye) { e.Type = TypeIntake }},
		{"bad datetime", func(e *Eye) { e.Datetime = "yesterday" }},
		{"bad side", func(e *Eye) { e.Data.Eyes[0].EyeSide = "middle" }},
		{"prob above one", func(e *Eye) { e.Data.Eyes[1].CornealSequestrumProb = 1.2 }},
		{"negative prob", func(e *Eye) { e.Data.Eyes[0].NonUlcerativeKeratitisProb = -0.01 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid
			e.Data.Eyes = append([]EyeResult(nil), valid.Data.Eyes...)
			tt.mutate(&e)
			assert.Error(t, e.Validate())
		})
	}
}

func TestDetectionResultDecode(t *testing.T) {
	raw := `{
	  "inference_id": "",
	  "time": 0.042,
	  "image": {"width": 500, "height": 375},
	  "predictions": [
	    {"x": 333.0, "y": 141.0, "width": 76.0, "height": 64.0, "confidence": 0.88, "class": "eye", "class_id": 0, "detection_id": ""}
	  ]
	}`

	var res DetectionResult
	require.NoError(t, json.Unmarshal([]byte(raw), &res))
	assert.Equal(t, 500, res.Image.Width)
	require.Len(t, res.Predictions, 1)
	assert.Equal(t, "eye", res.Predictions[0].Class)
	assert.InDelta(t, 0.88, res.Predictions[0].Confidence, 1e-12)
}
