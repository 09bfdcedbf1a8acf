package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"github.com/pawsense/feeder/pkg/client"
	"github.com/pawsense/feeder/pkg/events"
	"github.com/pawsense/feeder/pkg/feeding"
	"github.com/pawsense/feeder/pkg/records"
	"github.com/pawsense/feeder/pkg/scale"
)

func init() {
	color.NoColor = true
}

func TestFormatEvent(t *testing.T) {
	now := time.Date(2024, 5, 1, 8, 30, 0, 0, time.Local)

	tests := []struct {
		name string
		ev   events.Event
		want string
	}{
		{
			name: "intake",
			ev:   events.Event{Name: events.FeedingIntake, Data: json.RawMessage(`{"amountGrams":42,"durationMinutes":3,"published":true}`)},
			want: "08:30:00 intake 42 g over 3 min",
		},
		{
			name: "undelivered intake",
			ev:   events.Event{Name: events.FeedingIntake, Data: json.RawMessage(`{"amountGrams":5,"durationMinutes":0}`)},
			want: "08:30:00 intake 5 g over 0 min (not delivered)",
		},
		{
			name: "capture ended",
			ev:   events.Event{Name: events.CaptureSession, Data: json.RawMessage(`{"id":"abc","phase":"ended","framesTaken":180,"framesFailed":2,"totalFrames":180,"endReason":"frames"}`)},
			want: "08:30:00 capture session abc ended (frames), 180/180 frames, 2 failed",
		},
		{
			name: "unknown event",
			ev:   events.Event{Name: "other", Data: json.RawMessage(`{}`)},
			want: "08:30:00 other {}",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatEvent(tt.ev, now))
		})
	}
}

func TestPrintStatus(t *testing.T) {
	now := time.Now()
	st := &client.Status{
		SerialNumber: "SN1",
		Weight:       &scale.Reading{Grams: 120.34, Calibrated: true},
		Feeding:      feeding.Snapshot{State: feeding.StateIdle},
		LastIntake: &records.Intake{
			Datetime: "2024-05-01T08:00:00",
			Data:     records.IntakeData{Amount: 30, Duration: 2},
		},
		AutoTare: client.ScheduleStatus{Expr: "0 4 * * *", Enabled: true},
	}

	cmd := NewStatusCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	printStatus(cmd, st, now)

	s := out.String()
	assert.Contains(t, s, "Serial number: SN1")
	assert.Contains(t, s, "Weight: 120.3 g")
	assert.Contains(t, s, "Last intake: 30 g at 2024-05-01T08:00:00, 2 min")
	assert.Contains(t, s, "Schedule: 0 4 * * *")
}
