package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bencyrus/chatterbox/batcher/internal/batching"
	"github.com/bencyrus/chatterbox/batcher/internal/worker"
	"github.com/bencyrus/chatterbox/batcher/shared/logger"
	"github.com/bencyrus/chatterbox/batcher/shared/middleware"
)

// Router is what the handlers need from the worker.
type Router interface {
	Submit(ctx context.Context, recordType, author string, payload json.RawMessage) (*batching.AddResult, error)
	Processors(recordType string) ([]string, error)
}

// Server holds dependencies for handling HTTP requests.
type Server struct {
	router Router
}

// NewServer constructs a new HTTP server instance.
func NewServer(router Router) *Server {
	return &Server{router: router}
}

// Handler returns the gin engine wrapped with request ID logging.
func (s *Server) Handler() http.Handler {
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", s.Healthz)
	api := engine.Group("/api/v1/types/:type")
	api.POST("/records", s.SubmitRecord)
	api.GET("/processors", s.ListProcessors)

	return middleware.RequestIDMiddleware(engine)
}

// Healthz responds to health checks.
func (s *Server) Healthz(c *gin.Context) {
	logger.Debug(c.Request.Context(), "health check requested")
	c.String(http.StatusOK, "ok")
}

type submitRequest struct {
	Author  string          `json:"author" binding:"required"`
	Payload json.RawMessage `json:"payload" binding:"required"`
}

// SubmitRecord accepts one record for batching.
func (s *Server) SubmitRecord(c *gin.Context) {
	ctx := c.Request.Context()
	recordType := c.Param("type")

	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn(ctx, "invalid submit request", logger.Fields{"type": recordType, "error": err.Error()})
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.router.Submit(ctx, recordType, req.Author, req.Payload)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			logger.Error(ctx, "failed to submit record", err, logger.Fields{
				"type":   recordType,
				"author": req.Author,
			})
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"record_id": res.RecordID,
		"batch_id":  res.BatchID,
	})
}

// ListProcessors reports the authors with a live processor.
func (s *Server) ListProcessors(c *gin.Context) {
	recordType := c.Param("type")

	authors, err := s.router.Processors(recordType)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"type":    recordType,
		"authors": authors,
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, worker.ErrUnknownType):
		return http.StatusNotFound
	case errors.Is(err, batching.ErrNotInitialized), errors.Is(err, batching.ErrManagerStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
