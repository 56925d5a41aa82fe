// Package logging centralizes construction of package-scoped loggers so
// every internal package gets the same structured logging backend.
package logging

import (
	logger "github.com/ipfs/go-log/v2"
)

// Logger returns a named logger, exactly as github.com/ipfs/go-log/v2's own
// consumers do (see e.g. lotus's badgerbs.log = logger.Logger("badgerbs")).
// Names are conventionally "corechain/<package>".
func Logger(name string) *logger.ZapEventLogger {
	return logger.Logger(name)
}

// SetDebugLogging raises every corechain/* logger to debug level, used by
// cmd/corenoded when run with --verbose.
func SetDebugLogging() {
	logger.SetLogLevelRegex("corechain/.*", "debug")
}
