package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger derives an app-tagged logger from the configured global one.
func InitLogger(app string) zerolog.Logger {
	return log.Logger.With().Timestamp().Str("app", app).Logger()
}
