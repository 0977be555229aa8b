package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"proposal-submission-api/models"

	"github.com/gin-gonic/gin"
)

// TokenValidator resolves the user identified by a bearer token.
type TokenValidator interface {
	UserFromToken(ctx context.Context, token string) (*models.User, error)
}

// ErrNoUser is returned by CurrentUser outside an authenticated route.
var ErrNoUser = errors.New("no authenticated user")

// AuthMiddleware validates JWT token
func AuthMiddleware(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Get token from header
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header is required"})
			c.Abort()
			return
		}

		// Check Bearer prefix
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header format"})
			c.Abort()
			return
		}

		user, err := validator.UserFromToken(c.Request.Context(), tokenString)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		c.Set("user", *user)
		c.Set("userID", user.UserID)

		c.Next()
	}
}

// CurrentUser returns the user set by AuthMiddleware.
func CurrentUser(c *gin.Context) (models.User, error) {
	v, ok := c.Get("user")
	if !ok {
		return models.User{}, ErrNoUser
	}
	user, ok := v.(models.User)
	if !ok {
		return models.User{}, ErrNoUser
	}
	return user, nil
}
