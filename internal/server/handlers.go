package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	simerrors "github.com/gxo-labs/simloop/pkg/simloop/v1/errors"

	"github.com/gin-gonic/gin"
)

func errorBody(msg string) gin.H { return gin.H{"error": msg} }

// writeError maps domain errors onto status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	var (
		vErr *simerrors.ValidationError
		cErr *simerrors.ConfigError
	)
	switch {
	case errors.Is(err, simerrors.ErrNotFound):
		c.JSON(http.StatusNotFound, errorBody(err.Error()))
	case errors.As(err, &vErr), errors.As(err, &cErr):
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	default:
		s.log.Errorf("Admin API %s %s failed: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
	}
}

// bindJSON decodes and validates the body into dst. An empty body leaves
// dst at its zero value.
func (s *Server) bindJSON(c *gin.Context, dst interface{}) bool {
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, errorBody("invalid JSON body: "+err.Error()))
			return false
		}
	}
	if err := validate.Struct(dst); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(validationMessage(err)))
		return false
	}
	return true
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Controller.Status())
}

func (s *Server) handlePause(c *gin.Context) {
	s.log.Infof("Pause requested by %s", subject(c))
	s.deps.Controller.Pause()
	c.JSON(http.StatusOK, s.deps.Controller.Status())
}

func (s *Server) handleResume(c *gin.Context) {
	s.log.Infof("Resume requested by %s", subject(c))
	s.deps.Controller.Resume()
	c.JSON(http.StatusOK, s.deps.Controller.Status())
}

func (s *Server) handleStop(c *gin.Context) {
	s.log.Infof("Stop requested by %s", subject(c))
	s.deps.Controller.Stop()
	c.JSON(http.StatusAccepted, s.deps.Controller.Status())
}

func (s *Server) handleEmergencyStop(c *gin.Context) {
	var req emergencyStopRequest
	if !s.bindJSON(c, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "requested via admin API by " + subject(c)
	}
	s.deps.Controller.EmergencyStop(req.Reason)
	c.JSON(http.StatusAccepted, s.deps.Controller.Status())
}

func (s *Server) handleGetGuardrail(c *gin.Context) {
	c.JSON(http.StatusOK, newGuardrailView(s.deps.Controller.Guardrail()))
}

func (s *Server) handleUpdateGuardrail(c *gin.Context) {
	var req guardrailUpdate
	if !s.bindJSON(c, &req) {
		return
	}
	g := s.deps.Controller.Guardrail()
	if err := g.UpdateConfig(req.apply(g.Config())); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	c.JSON(http.StatusOK, newGuardrailView(g))
}

func (s *Server) handleActivateCooldown(c *gin.Context) {
	var req cooldownRequest
	if !s.bindJSON(c, &req) {
		return
	}
	var d time.Duration
	if req.Duration != "" {
		var err error
		if d, err = time.ParseDuration(req.Duration); err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, errorBody("duration must be a positive Go duration, got "+req.Duration))
			return
		}
	}
	g := s.deps.Controller.Guardrail()
	g.ActivateCooldown(d)
	s.log.Warnf("Guardrail cooldown activated by %s", subject(c))
	c.JSON(http.StatusOK, newGuardrailView(g))
}

func (s *Server) handleClearCooldown(c *gin.Context) {
	g := s.deps.Controller.Guardrail()
	g.ClearCooldown()
	s.log.Infof("Guardrail cooldown cleared by %s", subject(c))
	c.JSON(http.StatusOK, newGuardrailView(g))
}

func (s *Server) handleResetDaily(c *gin.Context) {
	g := s.deps.Controller.Guardrail()
	g.ResetDaily()
	c.JSON(http.StatusOK, newGuardrailView(g))
}

func (s *Server) handleResetGuardrail(c *gin.Context) {
	g := s.deps.Controller.Guardrail()
	g.Reset()
	c.JSON(http.StatusOK, newGuardrailView(g))
}

func (s *Server) handleQueryExperiences(c *gin.Context) {
	var q experienceQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid query: "+err.Error()))
		return
	}
	if err := validate.Struct(q); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(validationMessage(err)))
		return
	}
	page, err := s.deps.Data.Query(c.Request.Context(), q.toQuery())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) handleStats(c *gin.Context) {
	st, err := s.deps.Data.Stats(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleDeleteExperience(c *gin.Context) {
	if err := s.deps.Data.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handlePrune(c *gin.Context) {
	var req pruneRequest
	if !s.bindJSON(c, &req) {
		return
	}
	n, err := s.deps.Data.Prune(c.Request.Context(), req.toCriteria())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (s *Server) handleListCheckpoints(c *gin.Context) {
	cps, err := s.deps.Data.Checkpoints(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoints": cps, "total": len(cps)})
}

func (s *Server) handleCreateCheckpoint(c *gin.Context) {
	var req checkpointRequest
	if !s.bindJSON(c, &req) {
		return
	}
	cp, err := s.deps.Controller.CreateCheckpoint(c.Request.Context(), req.Reason)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cp)
}

func (s *Server) handleExport(c *gin.Context) {
	doc, err := s.deps.Data.Export(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="simloop-export-`+doc.ExportedAt.Format("20060102T150405Z")+`.json"`)
	c.JSON(http.StatusOK, doc)
}

func (s *Server) handleImport(c *gin.Context) {
	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxImportBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, errorBody(fmt.Sprintf("import document exceeds %d bytes", tooLarge.Limit)))
			return
		}
		c.JSON(http.StatusBadRequest, errorBody("failed to read body: "+err.Error()))
		return
	}
	summary, err := s.deps.Data.Import(c.Request.Context(), data)
	var impErr *simerrors.ImportError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, summary)
	case errors.As(err, &impErr):
		// Partial import: the summary lists the failed items.
		c.JSON(http.StatusOK, summary)
	default:
		s.writeError(c, err)
	}
}

func (s *Server) handleReset(c *gin.Context) {
	if err := s.deps.Data.Reset(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	s.log.Warnf("Learning data reset by %s", subject(c))
	c.JSON(http.StatusOK, gin.H{"reset": true})
}
