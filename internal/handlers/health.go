package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vehicledx/backend/internal/platform/envutil"
)

func Health() gin.HandlerFunc {
	env := envutil.String("APP_ENV", "dev")
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"environment": env,
		})
	}
}
