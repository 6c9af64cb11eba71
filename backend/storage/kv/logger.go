package kv

import (
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

type badgerLogger struct {
	logger zerolog.Logger
}

// NewBadgerLogger routes badger's internal logging to zerolog.
// Badger info chatter is logged at debug level.
func NewBadgerLogger(logger *zerolog.Logger) badger.Logger {
	return &badgerLogger{logger: logger.With().Str("component", "badger").Logger()}
}

func (l *badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Error().Msgf(strings.TrimSpace(f), v...)
}

func (l *badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warn().Msgf(strings.TrimSpace(f), v...)
}

func (l *badgerLogger) Infof(f string, v ...interface{}) {
	l.logger.Debug().Msgf(strings.TrimSpace(f), v...)
}

func (l *badgerLogger) Debugf(f string, v ...interface{}) {
	l.logger.Trace().Msgf(strings.TrimSpace(f), v...)
}
