package observability

import (
	"sync"

	"github.com/danmuck/vibrolink/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var initLoggerOnce sync.Once

// InitLogger configures the process logger once and tags it with app.
func InitLogger(app string) zerolog.Logger {
	initLoggerOnce.Do(func() {
		logging.ConfigureRuntime()
		log.Logger = log.Logger.With().Str("app", app).Logger()
	})
	return log.Logger
}
