// Package httpauth is the gin middleware guarding the submission API: a
// bearer JWT identifies the calling service/principal, the same
// Authorization-header convention the teacher's AuthMiddleware uses, but
// verifying a pre-issued service token instead of running a login flow.
package httpauth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/forgepipe/enginecore/internal/platform/logger"
)

// Claims is the registered-claims set plus the principal name the engine
// records on Authentication.User.
type Claims struct {
	jwt.RegisteredClaims
	Principal string `json:"principal"`
}

type Middleware struct {
	log       *logger.Logger
	secretKey string
}

func New(log *logger.Logger, secretKey string) *Middleware {
	return &Middleware{log: log.With("middleware", "httpauth"), secretKey: secretKey}
}

// RequireAuth verifies the bearer token and stashes the token's principal
// claim on the gin context for handlers to read via Principal.
func (m *Middleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractBearer(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(m.secretKey), nil
		})
		if err != nil || !token.Valid {
			m.log.Debug("bearer token rejected", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("principal", claims.Principal)
		c.Next()
	}
}

func extractBearer(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return header[7:]
	}
	return ""
}

// Principal reads the principal stashed by RequireAuth, empty if absent.
func Principal(c *gin.Context) string {
	v, _ := c.Get("principal")
	s, _ := v.(string)
	return s
}
