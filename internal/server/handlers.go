package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"gazer/internal/gallery"
	"gazer/internal/scheduler"
	"gazer/internal/store"
)

// createGalleryRequest is the POST /g/gallery body.
type createGalleryRequest struct {
	Name                string                     `json:"name"`
	ScrapingPeriodicity string                     `json:"scraping_periodicity"`
	SearchCriteria      gallery.SearchCriteria     `json:"search_criteria"`
	EvaluationCriteria  gallery.EvaluationCriteria `json:"evaluation_criteria"`
	IsActive            *bool                      `json:"is_active"`
}

// patchGalleryRequest is the PATCH /g/gallery/:id body; absent fields stay
// untouched.
type patchGalleryRequest struct {
	Name                *string                     `json:"name"`
	ScrapingPeriodicity *string                     `json:"scraping_periodicity"`
	SearchCriteria      *gallery.SearchCriteria     `json:"search_criteria"`
	EvaluationCriteria  *gallery.EvaluationCriteria `json:"evaluation_criteria"`
	IsActive            *bool                       `json:"is_active"`
}

func (s *Server) handleCreateGallery(c *gin.Context) {
	var req createGalleryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		badRequest(c, "name is required")
		return
	}
	if strings.TrimSpace(req.SearchCriteria.Keyword) == "" {
		badRequest(c, "search_criteria.keyword is required")
		return
	}
	sched, err := gallery.ParseCron(req.ScrapingPeriodicity)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := req.EvaluationCriteria.Validate(); err != nil {
		badRequest(c, err.Error())
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	created, err := s.store.CreateGallery(c.Request.Context(), store.Gallery{
		Owner:               owner(c),
		Name:                req.Name,
		ScrapingPeriodicity: sched,
		SearchCriteria:      req.SearchCriteria,
		EvaluationCriteria:  req.EvaluationCriteria,
		IsActive:            active,
	})
	if err != nil {
		s.fail(c, err)
		return
	}

	if err := s.scheduler.Add(c.Request.Context(), created.SchedulerState()); err != nil {
		// Keep store and scheduler consistent: a gallery that cannot be
		// scheduled must not linger in the database.
		s.logger.Error("scheduling new gallery %s failed: %v", created.ID, err)
		if delErr := s.store.DeleteGallery(c.Request.Context(), created.Owner, created.ID); delErr != nil {
			s.logger.Error("rollback of gallery %s failed: %v", created.ID, delErr)
		}
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleListGalleries(c *gin.Context) {
	galleries, err := s.store.ListOwnerGalleries(c.Request.Context(), owner(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	if galleries == nil {
		galleries = []store.Gallery{}
	}
	c.JSON(http.StatusOK, galleries)
}

func (s *Server) handleGetGallery(c *gin.Context) {
	id, ok := galleryID(c)
	if !ok {
		return
	}
	g, err := s.store.GetGallery(c.Request.Context(), owner(c), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

func (s *Server) handlePatchGallery(c *gin.Context) {
	id, ok := galleryID(c)
	if !ok {
		return
	}

	var req patchGalleryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	patch := store.GalleryPatch{
		Name:               req.Name,
		SearchCriteria:     req.SearchCriteria,
		EvaluationCriteria: req.EvaluationCriteria,
		IsActive:           req.IsActive,
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		badRequest(c, "name cannot be empty")
		return
	}
	if req.ScrapingPeriodicity != nil {
		sched, err := gallery.ParseCron(*req.ScrapingPeriodicity)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		patch.ScrapingPeriodicity = &sched
	}
	if req.EvaluationCriteria != nil {
		if err := req.EvaluationCriteria.Validate(); err != nil {
			badRequest(c, err.Error())
			return
		}
	}

	updated, err := s.store.UpdateGallery(c.Request.Context(), owner(c), id, patch)
	if err != nil {
		s.fail(c, err)
		return
	}

	// No compensating write here, unlike create: the store is the source
	// of truth, and a task that missed this update resyncs from the store
	// through the closing update after its next run.
	if err := s.scheduler.Update(c.Request.Context(), id, updated.SchedulerState()); err != nil {
		s.logger.Error("scheduler update for gallery %s failed: %v", id, err)
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, updated)
}

func (s *Server) handleDeleteGallery(c *gin.Context) {
	id, ok := galleryID(c)
	if !ok {
		return
	}

	if err := s.store.DeleteGallery(c.Request.Context(), owner(c), id); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.scheduler.Delete(c.Request.Context(), id); err != nil && !errors.Is(err, scheduler.ErrNotFound) {
		s.logger.Error("unscheduling gallery %s failed: %v", id, err)
	}

	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (s *Server) handleGalleryStats(c *gin.Context) {
	raw := c.Param("id")
	if raw == "all" {
		stats, err := s.store.AllStats(c.Request.Context(), owner(c))
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
		return
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		badRequest(c, "invalid gallery id")
		return
	}
	stats, err := s.store.Stats(c.Request.Context(), owner(c), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleGetSession(c *gin.Context) {
	sessionID, err := strconv.ParseInt(c.Param("session_id"), 10, 64)
	if err != nil {
		badRequest(c, "invalid session id")
		return
	}

	session, err := s.store.GetSession(c.Request.Context(), owner(c), sessionID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func galleryID(c *gin.Context) (gallery.ID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid gallery id")
		return gallery.ID{}, false
	}
	return id, true
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// fail maps domain errors onto status codes with the {"error": ...}
// envelope.
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, scheduler.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, scheduler.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, gallery.ErrInvalidCron):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.logger.Error("request to %s failed: %v", c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
