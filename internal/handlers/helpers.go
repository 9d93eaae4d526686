package handlers

import (
	"github.com/gin-gonic/gin"
)

// respondWithError unified error response function
func respondWithError(c *gin.Context, statusCode int, errorType, message string) {
	c.JSON(statusCode, gin.H{
		"success": false,
		"error":   errorType,
		"message": message,
	})
}
