package pebble

import (
	"os"

	"github.com/eigerco/rangekv/pkg/log"
)

// engineLogger routes pebble's internal logging to the engine component logger.
type engineLogger struct{}

func (engineLogger) Infof(format string, args ...interface{}) {
	log.Engine.Info().Msgf(format, args...)
}

// Fatalf must not return. zerolog only exits on enabled loggers.
func (engineLogger) Fatalf(format string, args ...interface{}) {
	log.Engine.Fatal().Msgf(format, args...)
	os.Exit(1)
}
