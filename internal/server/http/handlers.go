package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avlb/internal/balancer"
	"github.com/vyrodovalexey/avlb/internal/config"
)

// handleHealthz reports server liveness.
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleListServices lists registered service names.
func (s *Server) handleListServices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"services": s.balancer.ServiceNames()})
}

// handleRegisterService registers or replaces a service from the request
// body, which uses the same shape as the config file.
func (s *Server) handleRegisterService(c *gin.Context) {
	var svc config.Service
	if err := c.ShouldBindJSON(&svc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.balancer.RegisterService(svc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"service": svc.Name})
}

// handleServiceStats returns the stats snapshot of one service.
func (s *Server) handleServiceStats(c *gin.Context) {
	stats := s.balancer.GetServiceStats(c.Param("name"))
	if stats == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown service"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleUnregisterService removes a service. Removal is idempotent.
func (s *Server) handleUnregisterService(c *gin.Context) {
	s.balancer.UnregisterService(c.Param("name"))
	c.Status(http.StatusNoContent)
}

// handleListInstances lists the instances of a service.
func (s *Server) handleListInstances(c *gin.Context) {
	name := c.Param("name")
	instances := s.balancer.GetInstances(name)
	if instances == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown service"})
		return
	}

	out := make([]balancer.InstanceStats, 0, len(instances))
	for _, inst := range instances {
		out = append(out, inst.Stats())
	}
	c.JSON(http.StatusOK, gin.H{"instances": out})
}

// handleAddInstance adds an instance to a service pool.
func (s *Server) handleAddInstance(c *gin.Context) {
	var inst config.Instance
	if err := c.ShouldBindJSON(&inst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.balancer.AddInstance(c.Param("name"), inst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"instance": inst.ID})
}

// handleRemoveInstance removes an instance. Removal is idempotent.
func (s *Server) handleRemoveInstance(c *gin.Context) {
	s.balancer.RemoveInstance(c.Param("name"), c.Param("id"))
	c.Status(http.StatusNoContent)
}

// handleMarkHealthy manually marks an instance healthy.
func (s *Server) handleMarkHealthy(c *gin.Context) {
	s.balancer.MarkHealthy(c.Param("name"), c.Param("id"))
	c.Status(http.StatusNoContent)
}

// handleMarkUnhealthy manually marks an instance unhealthy.
func (s *Server) handleMarkUnhealthy(c *gin.Context) {
	s.balancer.MarkUnhealthy(c.Param("name"), c.Param("id"))
	c.Status(http.StatusNoContent)
}

// handleSelect runs one selection and returns the chosen instance. The
// client IP, session ID and user ID come from query parameters so the
// endpoint can be used to probe routing decisions.
func (s *Server) handleSelect(c *gin.Context) {
	sctx := &balancer.SelectionContext{
		ClientIP:  c.Query("clientIp"),
		SessionID: c.Query("sessionId"),
		UserID:    c.Query("userId"),
	}
	if sctx.ClientIP == "" {
		sctx.ClientIP = c.ClientIP()
	}

	inst := s.balancer.GetNextInstance(c.Request.Context(), c.Param("name"), sctx)
	if inst == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no instance available"})
		return
	}

	c.JSON(http.StatusOK, inst.Stats())
}
