package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pawsense/feeder/pkg/scale"
	"github.com/pawsense/feeder/pkg/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s %s\n", version.Version, version.GitCommit)
		},
	}
}

func NewWeightCommand() *cobra.Command {
	unit := string(scale.Grams)

	cmd := &cobra.Command{
		Use:     "weight",
		Short:   "Read the current weight",
		GroupID: gBasic,
		Long: `Take one filtered reading from the load cell.

The reading is rejected while a tare or calibration is running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := apiClient.GetWeight(scale.Unit(unit))
			if err != nil {
				return err
			}

			cmd.Printf("%s\n", bold("%.3f %s", w.Value, w.Unit))
			if w.Reading.Warning != "" {
				logrus.Warn(w.Reading.Warning)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&unit, "unit", "u", unit, "weight unit (g, kg)")

	return cmd
}

func NewTareCommand() *cobra.Command {
	times := 0

	cmd := &cobra.Command{
		Use:     "tare",
		Short:   "Zero the scale",
		GroupID: gBasic,
		Long: `Zero the scale with the bowl in place.

Make sure the bowl is empty and nothing touches the feeder. The current raw
reading becomes the new zero. If the scale is calibrated the new zero is saved.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			st, err := apiClient.Tare(times)
			if err != nil {
				return err
			}

			logrus.WithField("offset", st.Offset).Infof("successfully tared the scale")
			if !st.Calibrated {
				logrus.Warn("scale is not calibrated yet, run 'feeder calibrate <grams>'")
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&times, "times", "t", 0, "number of raw reads to average (0 uses the configured default)")

	return cmd
}

func NewCalibrateCommand() *cobra.Command {
	times := 0
	placeDelay := 10 * time.Second

	cmd := &cobra.Command{
		Use:     "calibrate <grams>",
		Aliases: []string{"cali"},
		Short:   "Calibrate the scale with a known mass",
		GroupID: gBasic,
		Long: `Calibrate the scale with a reference object of known mass.

1. Empty the bowl and run this command.
2. The scale tares itself.
3. Put the reference object in the bowl within --place-delay.
4. The scale factor is derived and saved.

If anything fails the previous calibration is kept.`,
		Example: `  feeder calibrate 500                  (500 g reference, 10s to place it)
  feeder calibrate 200 --place-delay 30s`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			grams, err := parseFloatArg(args, "reference mass")
			if err != nil {
				return err
			}
			if grams <= 0 {
				return fmt.Errorf("reference mass must be positive, got %v", grams)
			}

			logrus.Infof("taring, then place the %.1fg reference within %s", grams, placeDelay)

			st, err := apiClient.Calibrate(grams, times, placeDelay)
			if err != nil {
				return err
			}

			logrus.WithFields(logrus.Fields{
				"offset": st.Offset,
				"scale":  st.Scale,
			}).Info("successfully calibrated the scale")
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVarP(&times, "times", "t", 0, "number of raw reads to average (0 uses the configured default)")
	f.DurationVar(&placeDelay, "place-delay", placeDelay, "time to place the reference after the empty tare")

	return cmd
}

func NewCaptureCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "capture",
		Short:   "Show the image capture session",
		GroupID: gAdvanced,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := apiClient.GetCapture()
			if err != nil {
				return err
			}

			now := time.Now()
			if st.Current != nil {
				cmd.Printf("Current session: %s\n", bold("%s", st.Current.ID))
				cmd.Printf("  Started: %s\n", ago(now, st.Current.StartedAt))
				cmd.Printf("  Frames: %d/%d (%d failed)\n", st.Current.FramesTaken, st.Current.TotalFrames, st.Current.FramesFailed)
			} else {
				cmd.Println("No capture session running.")
			}
			if st.Last != nil {
				cmd.Printf("Last session: %s\n", bold("%s", st.Last.ID))
				cmd.Printf("  Ended: %s (%s)\n", ago(now, st.Last.EndedAt), st.Last.EndReason)
				cmd.Printf("  Frames: %d/%d (%d failed)\n", st.Last.FramesTaken, st.Last.TotalFrames, st.Last.FramesFailed)
			}
			return nil
		},
	}
}
