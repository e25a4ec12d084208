package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/orrn/fleetd/internal/api/middleware"
	"github.com/orrn/fleetd/internal/fleet"
)

// Server is the local read-only status API. Mutations go through the cloud
// command queue, never through this surface.
type Server struct {
	manager *fleet.Manager
	auth    *middleware.AuthMiddleware
}

func NewServer(manager *fleet.Manager, auth *middleware.AuthMiddleware) *Server {
	return &Server{manager: manager, auth: auth}
}

func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.health)
	r.POST("/api/login", s.auth.Login)

	authed := r.Group("/api", s.auth.RequireAuth())
	{
		authed.GET("/printers", s.listPrinters)
		authed.GET("/printers/:serial/status", s.printerStatus)
		authed.GET("/jobs", s.listJobs)
		authed.GET("/jobs/pending", s.pendingJobs)
		authed.GET("/queue/stats", s.queueStats)
	}

	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listPrinters(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"printers": s.manager.ListPrinters()})
}

func (s *Server) printerStatus(c *gin.Context) {
	serial := c.Param("serial")
	snap, ok := s.manager.Snapshot(serial)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot for printer " + serial})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) listJobs(c *gin.Context) {
	jobs := s.manager.Tracker().ListJobs()

	if status := c.Query("status"); status != "" {
		filtered := jobs[:0]
		for _, job := range jobs {
			if string(job.Status) == status {
				filtered = append(filtered, job)
			}
		}
		jobs = filtered
	}

	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}

	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) pendingJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": s.manager.Tracker().GetPendingJobs()})
}

func (s *Server) queueStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"backlog_size":      s.manager.Router().BacklogSize(),
		"worker_count":      s.manager.Router().WorkerCount(),
		"reservation_count": s.manager.Reservations().Count(),
	})
}
