package routes

import (
	"net/http"
	"time"

	"agro-market-api-server/config"
	"agro-market-api-server/internal/api/handlers"
	"agro-market-api-server/internal/api/middleware"
	"agro-market-api-server/internal/cart"
	"agro-market-api-server/internal/identity"
	"agro-market-api-server/internal/logging"
	"agro-market-api-server/internal/models"
	"agro-market-api-server/internal/socket"
	"agro-market-api-server/internal/store"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SetupRouter wires the handlers onto /api/v1. uploader may be nil when S3 is not configured.
func SetupRouter(
	cfg config.Config,
	db store.Store,
	provider identity.Provider,
	uploader handlers.ImageUploader,
	wsHub *socket.Hub,
	carts *cart.Registry,
	logger *zap.Logger,
) *gin.Engine {
	handlers.RegisterValidators()

	router := gin.New()
	router.Use(logging.GinLogger(logger))
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	authHandler := &handlers.AuthHandler{Provider: provider, Profiles: db, Carts: carts, Log: logger}
	lotHandler := &handlers.LotHandler{Lots: db, Uploader: uploader, Log: logger}
	cartHandler := &handlers.CartHandler{Carts: carts, Lots: db, Hub: wsHub, Log: logger}
	webSocketHandler := &handlers.WebSocketHandler{Hub: wsHub, Provider: provider, Profiles: db, Lots: db, Log: logger}

	authenticate := middleware.Authenticate(provider, db, logger)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apiV1 := router.Group("/api/v1")
	{
		apiV1.GET("/ws", webSocketHandler.ServeWs)

		auth := apiV1.Group("/auth")
		{
			auth.POST("/register", authHandler.Register)
			auth.POST("/login", authHandler.Login)
			auth.POST("/logout", authenticate, authHandler.Logout)
			auth.GET("/me", authenticate, authHandler.Me)
		}

		// Traceability pages are public.
		apiV1.GET("/trace/:farmerId/:lotId", lotHandler.Trace)

		buyer := apiV1.Group("/")
		buyer.Use(authenticate, middleware.Authorize(models.RoleBuyer))
		{
			buyer.GET("/lots", lotHandler.ListMarketplace)

			cartRoutes := buyer.Group("/cart")
			{
				cartRoutes.GET("", cartHandler.GetCart)
				cartRoutes.DELETE("", cartHandler.ClearCart)
				cartRoutes.POST("/items", cartHandler.AddItem)
				cartRoutes.DELETE("/items/:lotId", cartHandler.RemoveItem)
				cartRoutes.POST("/checkout", cartHandler.Checkout)
			}
		}

		farmer := apiV1.Group("/")
		farmer.Use(authenticate, middleware.Authorize(models.RoleFarmer))
		{
			farmer.GET("/lots/mine", lotHandler.ListMine)
			farmer.POST("/lots", lotHandler.CreateLot)
			farmer.DELETE("/lots/:id", lotHandler.DeleteLot)
			farmer.POST("/lots/images", lotHandler.UploadImage)
			farmer.GET("/farmer/stats", lotHandler.Stats)
		}
	}

	return router
}
