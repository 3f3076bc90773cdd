package ginserver

import (
	"log/slog"
	"net/http"
	"strings"

	gin "github.com/gin-gonic/gin"

	domainauth "skillchat/internal/domain/auth"
	"skillchat/internal/domain/chat"
)

const principalContextKey = "skillchat.principal"

type principal struct {
	ID    chat.UserID
	Token string
}

// AuthMiddleware verifies the HS256 bearer token carried in the
// Authorization header or, for event streams, the token query parameter.
type AuthMiddleware struct {
	Secret []byte
	Logger *slog.Logger
}

func (m AuthMiddleware) Handle(c *gin.Context) {
	token := extractBearerToken(c.GetHeader("Authorization"))
	if token == "" {
		token = strings.TrimSpace(c.Query("token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "auth required"})
		return
	}
	user, err := domainauth.VerifyToken(m.Secret, domainauth.Token(token))
	if err != nil {
		if m.Logger != nil {
			m.Logger.Debug("token validation failed", "error", err)
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.Set(principalContextKey, principal{ID: user, Token: token})
	c.Set("user_id", string(user))
	c.Next()
}

func currentPrincipal(c *gin.Context) (principal, bool) {
	val, exists := c.Get(principalContextKey)
	if !exists {
		return principal{}, false
	}
	p, ok := val.(principal)
	return p, ok
}

func requirePrincipal(c *gin.Context) (principal, bool) {
	p, ok := currentPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "auth required"})
		return principal{}, false
	}
	return p, true
}

// requireSelf rejects requests whose :userId path segment names someone else.
func requireSelf(c *gin.Context) (principal, bool) {
	p, ok := requirePrincipal(c)
	if !ok {
		return principal{}, false
	}
	if id := c.Param("userId"); id != "" && chat.UserID(id) != p.ID {
		c.JSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
		return principal{}, false
	}
	return p, true
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
