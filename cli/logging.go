package main

import (
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// newLogger maps --debug 0-5 onto go-kit levels; --verbose raises the floor
// to info.
func newLogger(w io.Writer, debugLevel int, verbose bool) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	if verbose && debugLevel < 3 {
		debugLevel = 3
	}
	var filter level.Option
	switch {
	case debugLevel <= 0:
		filter = level.AllowNone()
	case debugLevel == 1:
		filter = level.AllowError()
	case debugLevel == 2:
		filter = level.AllowWarn()
	case debugLevel == 3:
		filter = level.AllowInfo()
	default:
		filter = level.AllowDebug()
	}
	return level.NewFilter(logger, filter)
}
