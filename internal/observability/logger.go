package observability

import (
	"context"

	"github.com/danmuck/soapctl/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func InitLogger(app string) zerolog.Logger {
	logging.ConfigureRuntime()
	logger := log.With().Str("component", app).Logger()
	log.Logger = logger
	zerolog.DefaultContextLogger = &log.Logger
	return logger
}

// WithRequestLogger returns ctx carrying a child logger tagged for one request.
func WithRequestLogger(ctx context.Context, requestID, actor, action string) (context.Context, *zerolog.Logger) {
	logger := log.With().
		Str("request_id", requestID).
		Str("actor", actor).
		Str("action", action).
		Logger()
	ctx = logger.WithContext(ctx)
	return ctx, zerolog.Ctx(ctx)
}
