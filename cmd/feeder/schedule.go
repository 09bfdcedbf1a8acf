package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pawsense/feeder/pkg/client"
)

func NewScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedule [cron-expression]",
		Aliases: []string{"sch", "sched"},
		Short:   "Manage the automatic tare schedule",
		Long: `Manage the automatic tare schedule.

Before each run the daemon checks that nobody is eating and that the empty
bowl reads close to zero. Otherwise the run is skipped.

The schedule command can be used in multiple ways:
  feeder schedule 'minute hour day month weekday' Set schedule with cron expression
  feeder schedule disable                         Disable the schedule
  feeder schedule postpone [duration]             Postpone next run
  feeder schedule skip                            Skip next run
  feeder schedule show                            Show current schedule`,
		Example: `  feeder schedule '0 4 * * *' (At 04:00 every day)
  feeder schedule '30 3 * * 1' (At 03:30 on Monday)`,
		GroupID: gAdvanced,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return runScheduleShow(cmd)
			}
			return runScheduleSet(cmd, args[0])
		},
	}

	cmd.AddCommand(
		newScheduleDisableCommand(),
		newSchedulePostponeCommand(),
		newScheduleSkipCommand(),
		newScheduleShowCommand(),
	)

	return cmd
}

func newScheduleDisableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "disable",
		Short: "Disable the auto tare schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := apiClient.SetSchedule(""); err != nil {
				return err
			}
			cmd.Println("Auto tare disabled.")
			return nil
		},
	}
}

func newSchedulePostponeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "postpone [duration]",
		Short: "Postpone the next auto tare",
		Example: `  feeder schedule postpone      (Postpone by 1 hour)
  feeder schedule postpone 90m  (Postpone by 90 minutes)`,
		Long: `Postpone the next auto tare by a duration. The default is 1 hour.
The postponed run must still come before the one after it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := time.Hour
			if len(args) > 0 {
				parsed, err := time.ParseDuration(args[0])
				if err != nil {
					return fmt.Errorf("invalid duration %q: %w", args[0], err)
				}
				d = parsed
			}

			st, err := apiClient.PostponeSchedule(d)
			if err != nil {
				return err
			}
			cmd.Printf("Next run postponed by %s.\n", d)
			printNextRun(cmd, st)
			return nil
		},
	}
}

func newScheduleSkipCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "skip",
		Short: "Skip the next auto tare",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := apiClient.SkipSchedule()
			if err != nil {
				return err
			}
			cmd.Println("Next scheduled run skipped.")
			printNextRun(cmd, st)
			return nil
		},
	}
}

func newScheduleShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the auto tare schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScheduleShow(cmd)
		},
	}
}

func runScheduleSet(cmd *cobra.Command, cronExpr string) error {
	if cronExpr == "" {
		return fmt.Errorf("cron expression cannot be empty, use 'feeder schedule disable' instead")
	}
	st, err := apiClient.SetSchedule(cronExpr)
	if err != nil {
		return err
	}
	cmd.Printf("Auto tare scheduled at %s.\n", bold("%s", st.Expr))
	printNextRun(cmd, st)
	return nil
}

func runScheduleShow(cmd *cobra.Command) error {
	st, err := apiClient.GetSchedule()
	if err != nil {
		return err
	}
	if !st.Enabled {
		cmd.Println("Auto tare is not scheduled.")
		return nil
	}
	cmd.Printf("Schedule: %s\n", bold("%s", st.Expr))
	printNextRun(cmd, st)
	return nil
}

func printNextRun(cmd *cobra.Command, st *client.ScheduleStatus) {
	if st.NextRun == nil {
		return
	}
	cmd.Printf("Next run: %s\n", st.NextRun.Local().Format(time.DateTime))
}
