package obs

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthHandlers exposes liveness and readiness checks for the stub backend.
type HealthHandlers struct {
	Ready func() error
	// Stats adds counters such as open event streams to the readiness body.
	Stats func() map[string]any
}

func (h HealthHandlers) Livez(c *gin.Context) {
	c.Status(http.StatusOK)
}

func (h HealthHandlers) Readyz(c *gin.Context) {
	body := gin.H{"status": "ready"}
	if h.Ready != nil {
		if err := h.Ready(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": err.Error()})
			return
		}
	}
	if h.Stats != nil {
		for k, v := range h.Stats() {
			body[k] = v
		}
	}
	c.JSON(http.StatusOK, body)
}

// Register mounts /livez and /readyz.
func (h HealthHandlers) Register(r gin.IRoutes) {
	r.GET("/livez", h.Livez)
	r.GET("/readyz", h.Readyz)
}
