package monitor

import (
	"crypto/subtle"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
)

// RegisterLogsRoute serves the application log file to callers presenting token. The
// route is disabled when no token is configured.
func RegisterLogsRoute(router *gin.Engine, token, logPath string) {
	router.GET("/logs", func(c *gin.Context) {
		given := c.Query("token")
		if token == "" || subtle.ConstantTimeCompare([]byte(given), []byte(token)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		logData, err := os.ReadFile(logPath)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Unable to read log"})
			return
		}
		c.Data(http.StatusOK, "text/plain; charset=utf-8", logData)
	})
}
