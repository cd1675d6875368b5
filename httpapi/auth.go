package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const actorKey = "signpost_actor"

// ActorResolver maps a bearer token to the actor id recorded on review and
// retraction actions.
type ActorResolver interface {
	ResolveActor(token string) (actor string, ok bool)
}

// TokenActors is a static token -> actor table loaded from config.
type TokenActors map[string]string

func (t TokenActors) ResolveActor(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	actor, ok := t[token]
	actor = strings.TrimSpace(actor)
	return actor, ok && actor != ""
}

// RequireActor rejects requests without a resolvable bearer token.
func RequireActor(resolver ActorResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		if resolver == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "no actors configured"})
			return
		}
		actor, ok := resolver.ResolveActor(extractBearerToken(c))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

func actorFrom(c *gin.Context) string {
	if v, ok := c.Get(actorKey); ok {
		if actor, ok := v.(string); ok {
			return actor
		}
	}
	return ""
}

func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
