package handlers

import (
	"net/http"

	"agro-market-api-server/internal/api/middleware"
	"agro-market-api-server/internal/cart"
	"agro-market-api-server/internal/models"
	"agro-market-api-server/internal/socket"
	"agro-market-api-server/internal/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type CartHandler struct {
	Carts *cart.Registry
	Lots  store.LotStore
	Hub   *socket.Hub
	Log   *zap.Logger
}

type AddToCartRequest struct {
	LotID string `json:"lotId" binding:"required"`
}

type CartResponse struct {
	Items []models.Lot `json:"items"`
	Total float64      `json:"total"`
}

func cartView(c *cart.Store) CartResponse {
	return CartResponse{Items: c.Items(), Total: c.Total()}
}

func (h *CartHandler) cart(c *gin.Context) *cart.Store {
	user, _ := middleware.CurrentUser(c)
	return h.Carts.For(user.ID)
}

func (h *CartHandler) GetCart(c *gin.Context) {
	c.JSON(http.StatusOK, cartView(h.cart(c)))
}

// AddItem puts a lot in the cart. Adding a lot twice answers 200 instead of 201.
func (h *CartHandler) AddItem(c *gin.Context) {
	var req AddToCartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	lot, err := h.Lots.GetLot(c.Request.Context(), req.LotID)
	if err != nil {
		respondError(c, err)
		return
	}

	userCart := h.cart(c)
	added, err := userCart.Add(lot)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	c.JSON(status, cartView(userCart))
}

func (h *CartHandler) RemoveItem(c *gin.Context) {
	userCart := h.cart(c)
	userCart.Remove(c.Param("lotId"))
	c.JSON(http.StatusOK, cartView(userCart))
}

func (h *CartHandler) ClearCart(c *gin.Context) {
	userCart := h.cart(c)
	userCart.Clear()
	c.JSON(http.StatusOK, cartView(userCart))
}

// Checkout buys every lot in the cart and tells the selling farmers.
func (h *CartHandler) Checkout(c *gin.Context) {
	user, _ := middleware.CurrentUser(c)
	purchased, err := h.cart(c).Checkout(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	var total float64
	byFarmer := make(map[string][]models.Lot)
	for _, lot := range purchased {
		total += lot.Total()
		byFarmer[lot.FarmerID] = append(byFarmer[lot.FarmerID], lot)
	}

	if h.Hub != nil {
		for farmerID, lots := range byFarmer {
			notification := map[string]interface{}{
				"event":   "lot_sold",
				"buyerID": user.ID,
				"lots":    lots,
			}
			if err := h.Hub.SendJSON(farmerID, notification); err != nil {
				h.Log.Warn("Failed to notify farmer", zap.String("farmerID", farmerID), zap.Error(err))
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{"purchased": purchased, "total": total})
}
