package server

import (
	"errors"
	"net/http"

	"vibe/internal/defaults"
	"vibe/internal/generation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorBody struct {
	Error  string `json:"error"`
	Window string `json:"window,omitempty"`
}

// writeError maps typed outcomes to status codes. Internal causes are logged
// and never returned.
func (s *Server) writeError(c *gin.Context, err error) {
	var denied *generation.CreditDeniedError
	switch {
	case errors.As(err, &denied):
		c.JSON(http.StatusTooManyRequests, errorBody{Error: denied.Error(), Window: string(denied.Window)})
	case errors.Is(err, generation.ErrInvalidPrompt):
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, generation.ErrProjectNotFound), errors.Is(err, generation.ErrNoFragment):
		c.JSON(http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, generation.ErrRunFailed):
		s.logger.Warn("run failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, errorBody{Error: defaults.GenericErrorMessage})
	default:
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody{Error: defaults.GenericErrorMessage})
	}
}
