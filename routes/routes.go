package routes

import (
	"proposal-submission-api/controllers"
	"proposal-submission-api/middleware"

	"github.com/gin-gonic/gin"
)

// Handlers bundles the controllers served by the API.
type Handlers struct {
	Auth           *controllers.AuthController
	Submissions    *controllers.SubmissionController
	ProgressStream *controllers.ProgressStreamController
	Tokens         middleware.TokenValidator
}

func SetupRoutes(router *gin.Engine, h Handlers) {
	// API v1 group
	v1 := router.Group("/api/v1")
	{
		// Public routes
		public := v1.Group("")
		{
			// Authentication
			public.POST("/token", h.Auth.Token)

			// Health check
			public.GET("/health", func(c *gin.Context) {
				c.JSON(200, gin.H{
					"status":  "ok",
					"message": "Proposal Submission API is running",
				})
			})

			// The access token is sent as the first WebSocket message.
			public.GET("/submissions/:identifier/progress/ws", h.ProgressStream.StreamProgress)
		}

		// Protected routes (require authentication)
		protected := v1.Group("")
		protected.Use(middleware.AuthMiddleware(h.Tokens))
		{
			protected.GET("/who-am-i", h.Auth.WhoAmI)

			submissions := protected.Group("/submissions")
			{
				submissions.POST("", h.Submissions.CreateSubmission)
				submissions.GET("/:identifier", h.Submissions.GetSubmissionProgress)
			}
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(404, gin.H{"error": "Endpoint not found"})
	})
}
