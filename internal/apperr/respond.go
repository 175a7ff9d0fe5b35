package apperr

import (
	"github.com/gin-gonic/gin"
)

// Respond writes the JSON error body handlers return for a failed call.
func Respond(c *gin.Context, err error) {
	c.JSON(HTTPStatus(err), gin.H{
		"error":   Code(err),
		"message": err.Error(),
	})
}
