package admin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/chatrelay/internal/domain"
	"github.com/liliang-cn/chatrelay/internal/service"
)

// Handler handles admin API requests
type Handler struct {
	adminService *service.AdminService
}

// NewHandler creates a new admin handler
func NewHandler(adminService *service.AdminService) *Handler {
	return &Handler{adminService: adminService}
}

// RegisterRoutes registers admin routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	streams := r.Group("/streams")
	{
		streams.GET("", h.ListStreams)
		streams.DELETE("/:id", h.StopStream)
	}

	records := r.Group("/records")
	{
		records.GET("", h.ListRequests)
		records.GET("/:id", h.GetTurn)
	}

	r.GET("/stats", h.GetStats)
}

// Stream handlers

func (h *Handler) ListStreams(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"streams": h.adminService.ListStreams(c.Request.Context())})
}

func (h *Handler) StopStream(c *gin.Context) {
	id := c.Param("id")
	if err := h.adminService.StopStream(c.Request.Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "stream not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "stopping", "streamId": id})
}

// Record handlers

func (h *Handler) ListRequests(c *gin.Context) {
	uid := c.Query("uid")
	chatID := c.Query("chatId")
	if uid == "" || chatID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "uid and chatId are required"})
		return
	}

	records, err := h.adminService.ListRequests(c.Request.Context(), uid, chatID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		records = []*domain.ChatRequestRecord{}
	}

	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (h *Handler) GetTurn(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid record id"})
		return
	}

	turn, err := h.adminService.GetTurn(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, turn)
}

// Stats handler

func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.adminService.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, stats)
}
