package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lockerkit/gpiobridge/internal/types"
)

// GET /api/v1/status
func (s *Server) getStatus(c *gin.Context) {
	snap, ok := s.daemon.Inspect()
	if !ok {
		c.JSON(http.StatusServiceUnavailable,
			types.NewErrorResponse(types.CodeTransportError, "daemon is shutting down", nil))
		return
	}
	c.JSON(http.StatusOK, snap)
}

// GET /api/v1/adapters
func (s *Server) listAdapters(c *gin.Context) {
	snap, ok := s.daemon.Inspect()
	if !ok {
		c.JSON(http.StatusServiceUnavailable,
			types.NewErrorResponse(types.CodeTransportError, "daemon is shutting down", nil))
		return
	}
	c.JSON(http.StatusOK, gin.H{"adapters": snap.Adapters})
}

// GET /api/v1/adapters/:alias
func (s *Server) getAdapter(c *gin.Context) {
	alias := c.Param("alias")
	snap, ok := s.daemon.Inspect()
	if !ok {
		c.JSON(http.StatusServiceUnavailable,
			types.NewErrorResponse(types.CodeTransportError, "daemon is shutting down", nil))
		return
	}
	for _, a := range snap.Adapters {
		if a.Alias == alias {
			c.JSON(http.StatusOK, a)
			return
		}
	}
	c.JSON(http.StatusNotFound,
		types.NewErrorResponse(types.CodeUnknownAlias, "no such adapter", alias))
}
