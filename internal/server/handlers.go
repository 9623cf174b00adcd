package server

import (
	"net/http"
	"strings"

	"vibe/internal/generation"
	"vibe/internal/ledger"

	"github.com/gin-gonic/gin"
)

type promptRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

type grantRequest struct {
	Points int `json:"points" binding:"min=0"`
}

type adjustRequest struct {
	Op     string `json:"op" binding:"required"`
	Amount int    `json:"amount" binding:"min=0"`
}

func (s *Server) bindPrompt(c *gin.Context) (string, bool) {
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "request body must be {\"prompt\": \"...\"}"})
		return "", false
	}
	return req.Prompt, true
}

func (s *Server) generate(c *gin.Context, projectID string, status int) {
	prompt, ok := s.bindPrompt(c)
	if !ok {
		return
	}
	cl := callerFrom(c)
	out, err := s.opts.Generator.Generate(c.Request.Context(), generation.Request{
		Caller:    generation.Caller{Identity: cl.Identity, Tier: cl.Tier},
		ProjectID: projectID,
		Prompt:    prompt,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(status, out)
}

func (s *Server) createProject(c *gin.Context) {
	s.generate(c, "", http.StatusCreated)
}

func (s *Server) sendMessage(c *gin.Context) {
	s.generate(c, c.Param("projectId"), http.StatusOK)
}

func (s *Server) listProjects(c *gin.Context) {
	projects, err := s.opts.Generator.Projects(c.Request.Context(), callerFrom(c).Identity)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (s *Server) getProject(c *gin.Context) {
	p, err := s.opts.Generator.Project(c.Request.Context(), callerFrom(c).Identity, c.Param("projectId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) listMessages(c *gin.Context) {
	msgs, err := s.opts.Generator.Messages(c.Request.Context(), callerFrom(c).Identity, c.Param("projectId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) latestFragment(c *gin.Context) {
	f, err := s.opts.Generator.LatestFragment(c.Request.Context(), callerFrom(c).Identity, c.Param("projectId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

func (s *Server) preview(c *gin.Context) {
	p, err := s.opts.Generator.Preview(c.Request.Context(), callerFrom(c).Identity, c.Param("projectId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) creditStatus(c *gin.Context) {
	cl := callerFrom(c)
	usage, err := s.opts.Credits.Status(c.Request.Context(), cl.Identity, cl.Tier)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, usage)
}

func (s *Server) listCredits(c *gin.Context) {
	records, err := s.opts.Credits.List(c.Request.Context(), strings.TrimSpace(c.Query("identity")))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (s *Server) grantCredits(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := s.opts.Credits.Grant(c.Request.Context(), c.Param("identity"), req.Points); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) adjustCredits(c *gin.Context) {
	var req adjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	op, err := ledger.ParseAdjustOp(req.Op)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := s.opts.Credits.Adjust(c.Request.Context(), c.Param("identity"), op, req.Amount); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
