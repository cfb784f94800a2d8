package middleware

import (
	"github.com/gin-gonic/gin"
)

// NoStore forbids caching of the response anywhere along the path. Exam
// papers and attempt state must never be served stale or linger in a shared
// cache after the student logs out.
func NoStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}
