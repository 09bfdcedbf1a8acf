package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/pawsense/feeder/pkg/version"
)

func parseFloatArg(args []string, valueName string) (float64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("invalid number of arguments")
	}

	value, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", valueName, err)
	}

	return value, nil
}

// checkVersion warns when the client and the running daemon were built from
// different releases.
func checkVersion() {
	daemonVersion, err := apiClient.GetVersion()
	if err != nil {
		logrus.WithError(err).Debug("could not get daemon version")
		return
	}
	if daemonVersion != version.Version {
		logrus.WithFields(logrus.Fields{
			"clientVersion": version.Version,
			"daemonVersion": daemonVersion,
		}).Warn("Version mismatch between client and daemon. Reinstall with 'sudo feeder install' so both are the same version.")
	}
}

func bool2Text(b bool) string {
	if b {
		return color.New(color.Bold, color.FgGreen).Sprint("✔")
	}
	return color.New(color.Bold, color.FgRed).Sprint("✘")
}

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}

// ago renders t relative to now, or "never" for the zero time.
func ago(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return fmt.Sprintf("%s (%s ago)", t.Local().Format(time.DateTime), now.Sub(t).Round(time.Second))
}
