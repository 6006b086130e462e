// Copyright (c) 2024 The walletbroker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package boot

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gcash/bchlog"
	"github.com/jrick/logrotate/rotator"

	"github.com/gcash/walletbroker/broker"
	"github.com/gcash/walletbroker/intercom"
	"github.com/gcash/walletbroker/rpc/adminrpc"
	"github.com/gcash/walletbroker/store"
)

// logWriter duplicates log output to stdout and the rotating log file.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

var (
	backendLog = bchlog.NewBackend(logWriter{})

	// logRotator is one of the few persistent top-level objects; it is
	// initialized by initLogRotator and closed on shutdown.
	logRotator *rotator.Rotator

	bootLog = backendLog.Logger("BOOT")
	icomLog = backendLog.Logger("ICOM")
	brkrLog = backendLog.Logger("BRKR")
	storLog = backendLog.Logger("STOR")
	arpcLog = backendLog.Logger("ARPC")
)

// Hand each subsystem its logger.
func init() {
	intercom.UseLogger(icomLog)
	broker.UseLogger(brkrLog)
	store.UseLogger(storLog)
	adminrpc.UseLogger(arpcLog)
}

// subsystemLoggers maps each subsystem identifier to its logger.
var subsystemLoggers = map[string]bchlog.Logger{
	"BOOT": bootLog,
	"ICOM": icomLog,
	"BRKR": brkrLog,
	"STOR": storLog,
	"ARPC": arpcLog,
}

// initLogRotator starts the rotating log file writer. It must be called
// before the package-global log rotator variables are used.
func initLogRotator(logFile string) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("unable to create log directory: %w", err)
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("unable to create file rotator: %w", err)
	}
	logRotator = r
	return nil
}

// setLogLevel sets the logging level for the provided subsystem, if it
// exists.
func setLogLevel(subsystemID string, logLevel string) {
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}
	level, _ := bchlog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels applies a debug level spec: either one level for every
// subsystem, or comma-separated <subsystem>=<level> pairs.
func setLogLevels(debugLevel string) error {
	if !strings.Contains(debugLevel, "=") {
		if _, ok := bchlog.LevelFromString(debugLevel); !ok {
			return fmt.Errorf("unknown log level %q", debugLevel)
		}
		for subsystemID := range subsystemLoggers {
			setLogLevel(subsystemID, debugLevel)
		}
		return nil
	}
	for _, pair := range strings.Split(debugLevel, ",") {
		fields := strings.SplitN(pair, "=", 2)
		if len(fields) != 2 {
			return fmt.Errorf("malformed debug level pair %q", pair)
		}
		subsystemID, logLevel := fields[0], fields[1]
		if _, ok := subsystemLoggers[subsystemID]; !ok {
			return fmt.Errorf("unknown subsystem %q", subsystemID)
		}
		if _, ok := bchlog.LevelFromString(logLevel); !ok {
			return fmt.Errorf("unknown log level %q", logLevel)
		}
		setLogLevel(subsystemID, logLevel)
	}
	return nil
}
