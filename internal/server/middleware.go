package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"vibe/internal/ledger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	HeaderIdentity   = "X-Identity"
	HeaderPlan       = "X-Plan"
	HeaderAdminToken = "X-Admin-Token"

	callerKey = "vibe_caller"
)

type caller struct {
	Identity string
	Tier     ledger.Tier
}

// requireIdentity reads the caller set by the fronting auth proxy.
func requireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderIdentity))
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "missing " + HeaderIdentity + " header"})
			return
		}
		c.Set(callerKey, caller{Identity: id, Tier: ledger.ParseTier(c.GetHeader(HeaderPlan))})
		c.Next()
	}
}

func callerFrom(c *gin.Context) caller {
	v, _ := c.Get(callerKey)
	cl, _ := v.(caller)
	return cl
}

func requireAdmin(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(HeaderAdminToken)
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, errorBody{Error: "forbidden"})
			return
		}
		c.Next()
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		}
		if id := c.GetHeader(HeaderIdentity); id != "" {
			fields = append(fields, zap.String("identity", id))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("request", fields...)
			return
		}
		logger.Debug("request", fields...)
	}
}
