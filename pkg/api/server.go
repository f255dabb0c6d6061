// Package api exposes the bench's live run status over HTTP: which
// sessions are running, the reports collected so far, and the Prometheus
// metrics endpoint.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	ginlogrus "github.com/toorop/gin-logrus"

	"github.com/enermet/metercal/pkg/events"
	"github.com/enermet/metercal/pkg/orchestrator"
	"github.com/enermet/metercal/pkg/session"
)

// Server serves run status for one orchestrator.
type Server struct {
	orch *orchestrator.Orchestrator
	hub  *events.Hub
	srv  *http.Server
}

// New builds the server; hub may be nil to disable the event stream.
func New(addr string, orch *orchestrator.Orchestrator, hub *events.Hub) *Server {
	s := &Server{orch: orch, hub: hub}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(ginlogrus.Logger(logrus.StandardLogger()), gin.Recovery())
	router.GET("/status", s.getStatus)
	router.GET("/reports", s.getReports)
	router.GET("/reports/:id", s.getReport)
	router.GET("/events", s.getEvents)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}

type statusResponse struct {
	Running []string         `json:"running"`
	Reports []session.Report `json:"reports"`
}

func (s *Server) getStatus(c *gin.Context) {
	running, reports := s.orch.Snapshot()
	c.IndentedJSON(http.StatusOK, statusResponse{Running: running, Reports: reports})
}

func (s *Server) getReports(c *gin.Context) {
	_, reports := s.orch.Snapshot()
	c.IndentedJSON(http.StatusOK, reports)
}

func (s *Server) getReport(c *gin.Context) {
	id := c.Param("id")
	running, reports := s.orch.Snapshot()
	for _, r := range reports {
		if r.Target.ID == id {
			c.IndentedJSON(http.StatusOK, r)
			return
		}
	}
	for _, rid := range running {
		if rid == id {
			c.IndentedJSON(http.StatusAccepted, gin.H{"id": id, "state": session.StateRunning})
			return
		}
	}
	c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown session " + id})
}

// getEvents streams session and step lifecycle events over SSE until
// the client disconnects.
func (s *Server) getEvents(c *gin.Context) {
	if s.hub == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "event stream disabled"})
		return
	}
	ch := s.hub.Subscribe()
	defer s.hub.Unsubscribe(ch)

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Name, string(ev.Data))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// Start serves in the background until Stop.
func (s *Server) Start() {
	go func() {
		logrus.Infof("status api listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("status api: %v", err)
		}
	}()
}

// Stop shuts the listener down, letting in-flight requests finish.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
