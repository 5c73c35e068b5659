// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jrick/logrotate/rotator"

	"opkit.org/opkit"
)

const maxLogRolls = 16

var log = opkit.Disabled

// logWriter implements an io.Writer that outputs to both stdout and a
// rotating log file.
type logWriter struct {
	*rotator.Rotator
}

func (w logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	return w.Rotator.Write(p)
}

// initLogging initializes the logging rotator to write logs to logFilename
// and create roll files in the same directory.
func initLogging(logFilename, lvl string, utc bool) (*opkit.LoggerMaker, func()) {
	err := os.MkdirAll(filepath.Dir(logFilename), 0700)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}
	logRotator, err := rotator.New(logFilename, 32*1024, false, maxLogRolls)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create file rotator: %v\n", err)
		os.Exit(1)
	}
	lm, err := opkit.NewLoggerMaker(logWriter{logRotator}, lvl, utc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create custom logger: %v\n", err)
		os.Exit(1)
	}
	return lm, func() { logRotator.Close() }
}
