package handlers

import (
	"context"
	"io"
	"net/http"

	"agro-market-api-server/internal/api/middleware"
	"agro-market-api-server/internal/dashboard"
	"agro-market-api-server/internal/listing"
	"agro-market-api-server/internal/models"
	"agro-market-api-server/internal/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxImageSize = 5 << 20

// ImageUploader stores lot photos and returns their public URL.
type ImageUploader interface {
	UploadLotImage(ctx context.Context, farmerID string, file io.Reader, contentType string) (string, error)
}

type LotHandler struct {
	Lots     store.LotStore
	Uploader ImageUploader
	Log      *zap.Logger
}

// ListMarketplace returns every available lot, optionally filtered by ?q=.
func (h *LotHandler) ListMarketplace(c *gin.Context) {
	user, _ := middleware.CurrentUser(c)
	lots, err := listing.Query(c.Request.Context(), h.Lots, &user)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, listing.Search(lots, c.Query("q")))
}

// ListMine returns the signed-in farmer's lots, sold ones included.
func (h *LotHandler) ListMine(c *gin.Context) {
	user, _ := middleware.CurrentUser(c)
	lots, err := listing.Query(c.Request.Context(), h.Lots, &user)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lots)
}

func (h *LotHandler) CreateLot(c *gin.Context) {
	var req CreateLotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	draft, err := req.Draft()
	if err != nil {
		respondError(c, err)
		return
	}

	sess, _ := middleware.CurrentSession(c)
	lot, err := listing.NewStore(sess, h.Lots, h.Log).AddLot(c.Request.Context(), draft)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, lot)
}

func (h *LotHandler) DeleteLot(c *gin.Context) {
	sess, _ := middleware.CurrentSession(c)
	if err := listing.NewStore(sess, h.Lots, h.Log).DeleteLot(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Lot deleted successfully"})
}

// UploadImage takes a multipart "image" file and returns the stored image reference.
func (h *LotHandler) UploadImage(c *gin.Context) {
	if h.Uploader == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Image uploads are not configured"})
		return
	}
	user, _ := middleware.CurrentUser(c)

	fileHeader, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Image file is required"})
		return
	}
	if fileHeader.Size > maxImageSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Image must be at most 5 MB"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to open uploaded file"})
		return
	}
	defer file.Close()

	url, err := h.Uploader.UploadLotImage(c.Request.Context(), user.ID, file, fileHeader.Header.Get("Content-Type"))
	if err != nil {
		h.Log.Warn("Image upload failed", zap.String("farmerID", user.ID), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to upload image", "details": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, models.Image{URL: url, Hint: c.PostForm("hint")})
}

// Trace is the public traceability view of one lot.
func (h *LotHandler) Trace(c *gin.Context) {
	lot, err := h.Lots.GetLot(c.Request.Context(), c.Param("lotId"))
	if err != nil {
		respondError(c, err)
		return
	}
	if lot.FarmerID != c.Param("farmerId") {
		c.JSON(http.StatusNotFound, gin.H{"error": "Lot not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"lot": lot,
		"farmer": gin.H{
			"id":   lot.FarmerID,
			"name": lot.FarmerName,
		},
	})
}

// Stats returns the farmer dashboard figures.
func (h *LotHandler) Stats(c *gin.Context) {
	user, _ := middleware.CurrentUser(c)
	lots, err := listing.Query(c.Request.Context(), h.Lots, &user)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dashboard.Compute(lots))
}
