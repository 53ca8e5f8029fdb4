package server

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/roach88/unlockd/internal/domain"
)

const accountKey = "unlockd_account"

// requestID assigns a request id unless the caller supplied one.
func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(HeaderRequestID, id)
		c.Set(HeaderRequestID, id)
		c.Next()
	}
}

// observe logs and measures every request.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		s.metrics.ObserveHTTP(c.Request.Method, route, strconv.Itoa(status), elapsed)
		s.logger.Debug("request",
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"account", c.GetString(accountKey),
			"request_id", c.GetString(HeaderRequestID),
			"duration", elapsed,
		)
	}
}

// requireAccount rejects requests without an account id.
func (s *Server) requireAccount() gin.HandlerFunc {
	return func(c *gin.Context) {
		account := domain.Normalize(c.GetHeader(HeaderAccountID))
		if account == "" {
			abort(c, http.StatusUnauthorized, codeUnauthenticated, "missing "+HeaderAccountID+" header")
			return
		}
		c.Set(accountKey, account)
		c.Next()
	}
}

// requireAdmin checks the admin token in constant time.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(HeaderAdminToken)
		if s.adminToken == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.adminToken)) != 1 {
			abort(c, http.StatusForbidden, codeForbidden, "admin token required")
			return
		}
		c.Next()
	}
}

func accountOf(c *gin.Context) string {
	return c.GetString(accountKey)
}
