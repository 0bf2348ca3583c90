package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	appErrors "github.com/noah-isme/procurement-api/pkg/errors"
	"github.com/noah-isme/procurement-api/pkg/response"
)

// IdempotencyHeader carries the client supplied replay key.
const IdempotencyHeader = "Idempotency-Key"

const maxIdempotencyKeyLength = 128

// KeyClaimer claims and releases replay keys.
type KeyClaimer interface {
	Key(actor, route, key string) string
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// Idempotency rejects a second write carrying the same Idempotency-Key with 409.
// Requests without the header pass through. Failed writes release the key so
// the client can retry. When the store is unreachable the request is allowed.
func Idempotency(store KeyClaimer, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(IdempotencyHeader))
		if store == nil || raw == "" {
			c.Next()
			return
		}
		if len(raw) > maxIdempotencyKeyLength {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "Idempotency-Key too long"))
			return
		}

		actor := "anonymous"
		if claims, ok := ClaimsFromContext(c); ok {
			actor = claims.Email
		}
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		key := store.Key(actor, c.Request.Method+" "+strings.ReplaceAll(route, ":id", c.Param("id")), raw)

		claimed, err := store.Claim(c.Request.Context(), key)
		if err != nil {
			log.Warn("idempotency store unavailable, allowing request", zap.Error(err))
			c.Next()
			return
		}
		if !claimed {
			response.Error(c, appErrors.Clone(appErrors.ErrConflict, "duplicate request for this Idempotency-Key"))
			return
		}

		c.Next()

		if c.Writer.Status() >= http.StatusBadRequest {
			if err := store.Release(context.Background(), key); err != nil {
				log.Warn("failed to release idempotency key", zap.String("key", key), zap.Error(err))
			}
		}
	}
}
