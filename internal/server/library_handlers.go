package server

import (
	"errors"
	"net/http"

	"github.com/Hokkyo-create/fxsfzx-sub000/internal/library"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type categoryPayload struct {
	Name             string `json:"name"`
	Topic            string `json:"topic"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

type categoryVideoPayload struct {
	VideoID        string `json:"video_id"`
	Title          string `json:"title"`
	DurationLabel  string `json:"duration_label"`
	ThumbnailURL   string `json:"thumbnail_url"`
	AddedAtSeconds int64  `json:"added_at_s"`
}

func (h *httpHandler) handleLibraryCategories(c *gin.Context) {
	categories, err := h.library.ListCategories(c.Request.Context())
	if err != nil {
		h.writeLibraryError(c, err)
		return
	}
	payload := make([]categoryPayload, 0, len(categories))
	for _, category := range categories {
		payload = append(payload, categoryPayload{
			Name:             category.Name,
			Topic:            category.Topic,
			CreatedAtSeconds: category.CreatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"categories": payload})
}

func (h *httpHandler) handleLibraryVideos(c *gin.Context) {
	name, ok := h.categoryParam(c)
	if !ok {
		return
	}
	if _, err := h.library.Category(c.Request.Context(), name); err != nil {
		h.writeLibraryError(c, err)
		return
	}
	videos, err := h.library.ListVideos(c.Request.Context(), name)
	if err != nil {
		h.writeLibraryError(c, err)
		return
	}
	payload := make([]categoryVideoPayload, 0, len(videos))
	for _, stored := range videos {
		payload = append(payload, categoryVideoPayload{
			VideoID:        stored.VideoID,
			Title:          stored.Title,
			DurationLabel:  stored.DurationLabel,
			ThumbnailURL:   stored.ThumbnailURL,
			AddedAtSeconds: stored.AddedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"category": name.String(), "videos": payload})
}

func (h *httpHandler) handleLibraryDiscover(c *gin.Context) {
	name, ok := h.categoryParam(c)
	if !ok {
		return
	}
	report, err := h.refresher.RefreshCategory(c.Request.Context(), name)
	if err != nil {
		h.writeLibraryError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) handleLibraryRefresh(c *gin.Context) {
	reports, err := h.refresher.RefreshAll(c.Request.Context())
	if err != nil {
		h.writeLibraryError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports})
}

func (h *httpHandler) categoryParam(c *gin.Context) (library.CategoryName, bool) {
	name, err := library.NewCategoryName(c.Param("category"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_category"})
		return "", false
	}
	return name, true
}

func (h *httpHandler) writeLibraryError(c *gin.Context, err error) {
	if errors.Is(err, library.ErrUnknownCategory) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_category"})
		return
	}
	var serviceErr *library.ServiceError
	code := "library_failed"
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	h.logger.Error("library request failed", zap.String("reason", code), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": code})
}
