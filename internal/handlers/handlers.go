package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"macke/internal/models"
	"macke/internal/services"
)

type Handler struct {
	analyses services.AnalysisService
}

func NewHandler(analyses services.AnalysisService) *Handler {
	return &Handler{analyses: analyses}
}

func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.analyses.GetStatus())
}

func (h *Handler) SubmitAnalysis(c *gin.Context) {
	var req models.AnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Printf("Error parsing analysis request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.analyses.SubmitAnalysis(req)
	if err != nil {
		log.Printf("Error submitting analysis of %s: %v", req.Bitcode, err)
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

func (h *Handler) GetAnalysis(c *gin.Context) {
	id, ok := analysisID(c)
	if !ok {
		return
	}
	a, err := h.analyses.GetAnalysis(id)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handler) CancelAnalysis(c *gin.Context) {
	id, ok := analysisID(c)
	if !ok {
		return
	}
	if err := h.analyses.CancelAnalysis(id); err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handler) CancelAllAnalyses(c *gin.Context) {
	if err := h.analyses.CancelAllAnalyses(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}

func analysisID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("analysis_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid analysis id"})
		return uuid.Nil, false
	}
	return id, true
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, services.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrAnalysisNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrAnalysisFinished):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
