package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pawsense/feeder/pkg/events"
)

func NewEventsCommand() *cobra.Command {
	raw := false

	cmd := &cobra.Command{
		Use:     "events",
		Short:   "Follow daemon events",
		GroupID: gAdvanced,
		Long: `Follow feeding, capture, calibration, and schedule events as they
happen. Press Ctrl-C to stop.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err := apiClient.Stream(ctx, func(ev events.Event) error {
				if raw {
					cmd.Printf("%s %s\n", ev.Name, string(ev.Data))
					return nil
				}
				cmd.Println(formatEvent(ev, time.Now()))
				return nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "print event payloads as JSON")

	return cmd
}

func formatEvent(ev events.Event, now time.Time) string {
	ts := color.New(color.Faint).Sprint(now.Format(time.TimeOnly))

	switch ev.Name {
	case events.FeedingIntake:
		p, err := events.DecodeAs[events.FeedingIntakeEvent](ev)
		if err != nil {
			break
		}
		published := ""
		if !p.Published {
			published = color.RedString(" (not delivered)")
		}
		return ts + " " + color.GreenString("intake") + " " +
			bold("%d g", p.AmountGrams) + " over " + bold("%d min", p.DurationMinutes) + published
	case events.CaptureSession:
		p, err := events.DecodeAs[events.CaptureSessionEvent](ev)
		if err != nil {
			break
		}
		if p.Phase == "started" {
			return ts + " " + color.CyanString("capture") + " session " + bold("%s", p.ID) + " started"
		}
		return ts + " " + color.CyanString("capture") + " session " + bold("%s", p.ID) +
			fmt.Sprintf(" ended (%s), %d/%d frames, %d failed", p.EndReason, p.FramesTaken, p.TotalFrames, p.FramesFailed)
	case events.CalibrationChanged:
		p, err := events.DecodeAs[events.CalibrationChangedEvent](ev)
		if err != nil {
			break
		}
		return ts + " " + color.YellowString("calibration") + " " + p.Reason +
			fmt.Sprintf(": offset %.1f, scale %.4f", p.Offset, p.Scale)
	case events.TareSchedule:
		p, err := events.DecodeAs[events.TareScheduleEvent](ev)
		if err != nil {
			break
		}
		if p.Phase == "upcoming" {
			return ts + " " + color.YellowString("auto tare") + " at " + time.Unix(p.RunAt, 0).Local().Format(time.TimeOnly)
		}
		return ts + " " + color.YellowString("auto tare") + " " + color.RedString("%s", p.Message)
	}

	return ts + " " + ev.Name + " " + string(ev.Data)
}
