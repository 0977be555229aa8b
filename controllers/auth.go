package controllers

import (
	"context"
	"errors"
	"net/http"

	"proposal-submission-api/middleware"
	"proposal-submission-api/models"
	"proposal-submission-api/services"
	"proposal-submission-api/utils"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Authenticator logs users in and issues access tokens.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (*models.User, error)
	IssueToken(user *models.User) (*services.AccessToken, error)
}

type AuthController struct {
	auth Authenticator
}

func NewAuthController(auth Authenticator) *AuthController {
	return &AuthController{auth: auth}
}

type TokenRequest struct {
	Username string `form:"username" binding:"required"`
	Password string `form:"password" binding:"required"`
}

// Token handles password login
func (ctl *AuthController) Token(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}

	user, err := ctl.auth.Authenticate(c.Request.Context(), utils.SanitizeInput(req.Username), req.Password)
	if err != nil {
		if errors.Is(err, services.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid username or password"})
			return
		}
		log.Error().Err(err).Msg("failed to authenticate user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to authenticate"})
		return
	}

	token, err := ctl.auth.IssueToken(user)
	if err != nil {
		log.Error().Err(err).Int("user_id", user.UserID).Msg("failed to issue token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, token)
}

// WhoAmI returns the current user
func (ctl *AuthController) WhoAmI(c *gin.Context) {
	user, err := middleware.CurrentUser(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not found"})
		return
	}
	c.JSON(http.StatusOK, user)
}
