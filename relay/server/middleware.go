package server

import (
	"strings"
	"time"

	"github.com/Arslan16/Ufanet-autum-practice/relay"
	"github.com/Arslan16/Ufanet-autum-practice/relay/log"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// HeaderRequestID carries the request correlation id in both directions.
const HeaderRequestID = "X-Request-Id"

// withRequestLogging assigns a request id, stores a request-scoped logger in
// the user context and writes one access line per request. Health probes are
// logged at debug so they do not drown the access log.
func withRequestLogging(logger log.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := strings.TrimSpace(c.Get(HeaderRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}

		c.Set(HeaderRequestID, requestID)

		reqLogger := logger.With(log.String("request_id", requestID))

		ctx := relay.ContextWithLogger(c.UserContext(), reqLogger)
		ctx = relay.ContextWithHeaderID(ctx, requestID)
		c.SetUserContext(ctx)

		started := time.Now()
		err := c.Next()

		level := log.LevelInfo
		if c.Path() == "/health" {
			level = log.LevelDebug
		}

		reqLogger.Log(ctx, level, "http request",
			log.String("method", c.Method()),
			log.String("path", c.Path()),
			log.Int("status", c.Response().StatusCode()),
			log.Int("size", len(c.Response().Body())),
			log.Duration("duration", time.Since(started)),
			log.String("remote_addr", c.IP()),
		)

		return err
	}
}
