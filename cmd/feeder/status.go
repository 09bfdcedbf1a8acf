package main

import (
	"encoding/json"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pawsense/feeder/pkg/client"
	"github.com/pawsense/feeder/pkg/feeding"
)

func NewStatusCommand() *cobra.Command {
	asJSON := false

	cmd := &cobra.Command{
		Use:     "status",
		GroupID: gBasic,
		Short:   "Get the current status of the feeder",
		Long:    `Get scale, feeding, proximity, and schedule status from the daemon.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := apiClient.GetStatus()
			if err != nil {
				return err
			}

			if asJSON {
				b, err := json.MarshalIndent(st, "", "  ")
				if err != nil {
					return err
				}
				cmd.Println(string(b))
				return nil
			}

			printStatus(cmd, st, time.Now())
			return nil
		},
	}

	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "print status as JSON")

	return cmd
}

func printStatus(cmd *cobra.Command, st *client.Status, now time.Time) {
	cmd.Println(bold("Scale:"))
	cmd.Printf("  Serial number: %s\n", bold("%s", st.SerialNumber))
	cmd.Printf("  Calibrated: %s\n", bool2Text(st.Calibration.Calibrated))
	if st.Calibrating {
		cmd.Println("  " + color.YellowString("Tare or calibration in progress"))
	}
	switch {
	case st.Weight != nil:
		cmd.Printf("  Weight: %s\n", bold("%.1f g", st.Weight.Grams))
		if st.Weight.Warning != "" {
			cmd.Println("    " + color.YellowString("%s", st.Weight.Warning))
		}
	default:
		cmd.Println("  Weight: unknown")
	}
	if st.WeightError != "" {
		cmd.Println("  Last read failed: " + color.RedString("%s", st.WeightError))
	}
	if st.Ticks.PossiblyMissed {
		cmd.Printf("  %s\n", color.YellowString("Weight loop is lagging: %d of %d ticks", st.Ticks.Recent, st.Ticks.Expected))
	}

	cmd.Println()
	cmd.Println(bold("Feeding:"))
	state := string(st.Feeding.State)
	if st.Feeding.State == feeding.StateActive {
		state = color.GreenString("%s", state)
		cmd.Printf("  State: %s since %s\n", bold("%s", state), ago(now, st.Feeding.StartedAt))
		cmd.Printf("  Baseline: %s\n", bold("%.1f g", st.Feeding.BaselineWeight))
	} else {
		cmd.Printf("  State: %s\n", bold("%s", state))
	}
	if st.LastIntake != nil {
		cmd.Printf("  Last intake: %s at %s, %d min\n",
			bold("%d g", st.LastIntake.Data.Amount), st.LastIntake.Datetime, st.LastIntake.Data.Duration)
	} else {
		cmd.Println("  Last intake: none yet")
	}

	cmd.Println()
	cmd.Println(bold("Proximity:"))
	cmd.Printf("  Source: %s\n", st.Ranging.Source)
	cmd.Printf("  Distance: %s (score %.2f)\n", bold("%.2f m", st.Ranging.Distance), st.Ranging.Score)
	if st.Capture.Current != nil {
		cmd.Printf("  Capturing: %s (%d/%d frames)\n", bold("%s", st.Capture.Current.ID),
			st.Capture.Current.FramesTaken, st.Capture.Current.TotalFrames)
	} else {
		cmd.Printf("  Capturing: %s\n", bool2Text(false))
	}

	cmd.Println()
	cmd.Println(bold("Auto tare:"))
	if !st.AutoTare.Enabled {
		cmd.Println("  Disabled")
		return
	}
	cmd.Printf("  Schedule: %s\n", bold("%s", st.AutoTare.Expr))
	if st.AutoTare.NextRun != nil {
		cmd.Printf("  Next run: %s\n", st.AutoTare.NextRun.Local().Format(time.DateTime))
	}
}
