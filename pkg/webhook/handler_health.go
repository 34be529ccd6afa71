package webhook

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/brandsignal/batchworks/pkg/database"
)

// handleHealthz reports shared-database, Redis, and scheduler/router
// reachability, in the shape of the teacher's cmd/tarsy/main.go /health
// handler (database.Health embedded under a top-level status field).
func (s *Server) handleHealthz(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	body := gin.H{}
	healthy := true

	dbHealth, err := database.Health(reqCtx, s.shared.Pool)
	if err != nil {
		healthy = false
		body["database_error"] = err.Error()
	}
	body["database"] = dbHealth

	if err := s.kv.Ping(reqCtx); err != nil {
		healthy = false
		body["redis_error"] = err.Error()
	} else {
		body["redis"] = "healthy"
	}

	if s.sched != nil {
		schedHealth := s.sched.Health(reqCtx)
		if schedHealth.DBError != "" {
			healthy = false
		}
		body["scheduler"] = schedHealth
	}

	if s.rtr != nil {
		body["router"] = gin.H{"open_streams": s.rtr.StreamCount()}
	}

	body["workspace_pools"] = s.workspaces.Len()

	status := http.StatusOK
	body["status"] = "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		body["status"] = "unhealthy"
	}
	c.JSON(status, body)
}
