package handlers

import (
	"net/http"

	"agro-market-api-server/internal/api/middleware"
	"agro-market-api-server/internal/cart"
	"agro-market-api-server/internal/identity"
	"agro-market-api-server/internal/models"
	"agro-market-api-server/internal/session"
	"agro-market-api-server/internal/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type AuthHandler struct {
	Provider identity.Provider
	Profiles store.ProfileStore
	Carts    *cart.Registry
	Log      *zap.Logger
}

type RegisterRequest struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
	Role     string `json:"role" binding:"required,oneof=farmer buyer"`
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type AuthResponse struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}

func (h *AuthHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess := session.NewStore(h.Provider, h.Profiles, h.Log)
	user, err := sess.Register(c.Request.Context(), req.Name, req.Email, req.Password, models.Role(req.Role))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, AuthResponse{Token: sess.Token(), User: user})
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess := session.NewStore(h.Provider, h.Profiles, h.Log)
	user, err := sess.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, AuthResponse{Token: sess.Token(), User: user})
}

// Logout revokes the token and drops the buyer's cart.
func (h *AuthHandler) Logout(c *gin.Context) {
	sess, _ := middleware.CurrentSession(c)
	user, _ := middleware.CurrentUser(c)

	if err := sess.Logout(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	if h.Carts != nil {
		h.Carts.Drop(user.ID)
	}

	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

func (h *AuthHandler) Me(c *gin.Context) {
	user, _ := middleware.CurrentUser(c)
	c.JSON(http.StatusOK, user)
}
