package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const ownerContextKey = "gazer.owner"

// authMiddleware validates the HS256 bearer token and stores the subject as
// the owner for downstream handlers. All ownership checks reduce to row
// filters on that owner.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, err := s.ownerFromRequest(c)
		if err != nil {
			s.logger.Debug("rejected request to %s: %v", c.Request.URL.Path, err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(ownerContextKey, owner)
		c.Next()
	}
}

func (s *Server) ownerFromRequest(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", fmt.Errorf("missing bearer token")
	}

	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return claims.Subject, nil
}

// owner returns the authenticated subject set by the middleware.
func owner(c *gin.Context) string {
	return c.GetString(ownerContextKey)
}
