package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Health reports store and bus reachability. The recognizer is reported but does not
// make the API unhealthy, since CRUD and streaming keep working without it.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	healthy := true
	body := gin.H{"time": time.Now().UTC()}

	body["db"] = probe(ctx, h.Store)
	if body["db"] != "ok" {
		healthy = false
	}
	if h.Redis != nil {
		body["redis"] = probe(ctx, h.Redis)
		if body["redis"] != "ok" {
			healthy = false
		}
	}
	if h.CVEngine != nil {
		if err := h.CVEngine.Health(ctx); err != nil {
			body["cvEngine"] = "unreachable"
		} else {
			body["cvEngine"] = "ok"
		}
	}

	status := http.StatusOK
	body["status"] = "ok"
	body["success"] = true
	if !healthy {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["success"] = false
	}
	c.JSON(status, body)
}

func probe(ctx context.Context, p Pinger) string {
	if p == nil {
		return "unconfigured"
	}
	if err := p.Ping(ctx); err != nil {
		return "unreachable"
	}
	return "ok"
}
