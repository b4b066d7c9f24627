package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/joss/fraude/internal/logging"
)

const requestIDHeader = "X-Request-ID"

// requestID tags the request context and response with an ID, reusing the
// caller's X-Request-ID when present.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = logging.NewRequestID()
		}
		c.Header(requestIDHeader, id)
		c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.TimedEvent("request", start, map[string]any{
			"request_id": logging.GetRequestID(c.Request.Context()),
			"method":     c.Request.Method,
			"route":      c.FullPath(),
			"status":     c.Writer.Status(),
		})
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	rh := logging.NewRecoveryHandler("server")
	return func(c *gin.Context) {
		err := rh.WrapError(func() error {
			c.Next()
			return nil
		})
		if err != nil && !c.Writer.Written() {
			c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
				Error: "internal error",
				Code:  "INTERNAL",
			})
		}
	}
}
