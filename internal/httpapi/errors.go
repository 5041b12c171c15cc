package httpapi

import (
	"net/http"

	"callpipeline/pkg/apperr"
	"callpipeline/pkg/logger"

	"github.com/gin-gonic/gin"
)

// writeError maps err onto a status via its apperr kind. Internal details of 5xx
// errors are logged, not returned.
func writeError(c *gin.Context, err error) {
	status := apperr.Status(err)
	kind := apperr.GetKind(err).String()
	if status >= http.StatusInternalServerError {
		logger.FromGin(c).Error("request failed", "path", c.FullPath(), "err", err)
		_ = c.Error(err)
		c.AbortWithStatusJSON(status, gin.H{"error": http.StatusText(status), "kind": kind})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error(), "kind": kind})
}
