package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/pawsense/feeder/pkg/client"
)

var (
	logLevel       = "info"
	unixSocketPath = "/run/feeder.sock"
	configPath     = "/etc/feeder.json"
)

var (
	gBasic        = "Basic:"
	gAdvanced     = "Advanced:"
	gInstallation = "Installation:"
	commandGroups = []string{
		gBasic,
		gAdvanced,
		gInstallation,
	}
)

// apiClient is set up once flags are parsed.
var apiClient *client.Client

func setupLogger() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{})
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.Kitchen,
		})
	}

	return nil
}

func handleCmdError(err error) {
	if errors.Is(err, client.ErrDaemonNotRunning) {
		fmt.Fprintln(os.Stderr, "\nError: feeder daemon is not running")
		fmt.Fprintln(os.Stderr, "Is the daemon running? Have you installed it with 'sudo feeder install'?")
	} else if errors.Is(err, client.ErrPermissionDenied) {
		fmt.Fprintln(os.Stderr, "\nError: Permission Denied")
		fmt.Fprintln(os.Stderr, "  - Try running the command again with 'sudo'")
		fmt.Fprintln(os.Stderr, "  - Or reinstall the daemon with the '--allow-non-root-access' flag to grant permissions to your user")
	} else if errors.Is(err, client.ErrBusy) {
		fmt.Fprintln(os.Stderr, "\nThe scale is in use. Wait for the running tare or calibration to finish and try again.")
	}
}

func main() {
	// The sensor loops are light, keep the daemon off most cores of the Pi.
	if os.Getenv("GOMAXPROCS") == "" {
		runtime.GOMAXPROCS(2)
	}

	cmd := NewCommand()
	if err := cmd.Execute(); err != nil {
		handleCmdError(err)
		os.Exit(1)
	}
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feeder",
		Short: "feeder runs and controls the pet feeder sensor daemon",
		Long: `feeder runs and controls the pet feeder sensor daemon.

The daemon weighs the bowl, detects feeding events, and captures images when
a pet comes close. This command talks to it over a unix socket.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			err := setupLogger()
			if err != nil {
				return err
			}

			apiClient = client.NewClient(unixSocketPath)

			// The daemon itself and installation do not need a running daemon.
			if cmd.GroupID == gInstallation || cmd.Name() == "daemon" || cmd.Name() == "version" {
				return nil
			}
			checkVersion()

			return nil
		},
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&logLevel, "log-level", "l", "info", "log level (trace, debug, info, warn, error, fatal, panic)")
	globalFlags.StringVar(&configPath, "config", configPath, "config file path")
	globalFlags.StringVar(&unixSocketPath, "daemon-socket", unixSocketPath, "feeder daemon unix socket path")

	for _, i := range commandGroups {
		cmd.AddGroup(&cobra.Group{
			ID:    i,
			Title: i,
		})
	}

	cmd.AddCommand(
		NewDaemonCommand(),
		NewVersionCommand(),
		NewStatusCommand(),
		NewWeightCommand(),
		NewTareCommand(),
		NewCalibrateCommand(),
		NewScheduleCommand(),
		NewCaptureCommand(),
		NewEventsCommand(),
		NewInstallCommand(),
		NewUninstallCommand(),
	)

	return cmd
}
