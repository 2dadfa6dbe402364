package middleware

import (
	"net/http"
	"strings"

	"stock-ledger/internal/auth"
	"stock-ledger/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	UsernameContextKey = "username"
	UserIDContextKey   = "user_id"
)

// AuthMiddleware validates JWT tokens
func AuthMiddleware(jwtManager *auth.JWTManager, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		reject := func(message, details string) {
			logger.Warn("Unauthorized request",
				zap.String("reason", message),
				zap.String("path", c.Request.URL.Path),
				zap.String("method", c.Request.Method),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, errors.NewUnauthorized(message, details))
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			reject("missing authorization header", "Header: Authorization")
			return
		}

		scheme, tokenString, ok := strings.Cut(authHeader, " ")
		if !ok || scheme != "Bearer" || tokenString == "" {
			reject("invalid authorization header format", "Expected: Bearer <token>")
			return
		}

		claims, err := jwtManager.ValidateToken(tokenString)
		if err == auth.ErrExpiredToken {
			reject("token expired", "Token has expired, please login again")
			return
		}
		if err != nil {
			reject("invalid token", err.Error())
			return
		}

		c.Set(UsernameContextKey, claims.Username)
		c.Set(UserIDContextKey, claims.Subject)

		logger.Debug("Token validated",
			zap.String("username", claims.Username),
			zap.String("path", c.Request.URL.Path),
		)

		c.Next()
	}
}

// GetUserID returns the authenticated subject, or "" for anonymous requests.
func GetUserID(c *gin.Context) string {
	return c.GetString(UserIDContextKey)
}
