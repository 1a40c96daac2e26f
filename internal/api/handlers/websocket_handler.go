package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"agro-market-api-server/internal/identity"
	"agro-market-api-server/internal/listing"
	"agro-market-api-server/internal/models"
	"agro-market-api-server/internal/session"
	"agro-market-api-server/internal/socket"
	"agro-market-api-server/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Maximum time to wait for the next message or ping from the client.
const pongWait = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WebSocketHandler struct {
	Hub      *socket.Hub
	Provider identity.Provider
	Profiles store.ProfileStore
	Lots     store.LotStore
	Log      *zap.Logger
}

// SnapshotEvent is pushed on every change of the connection's listing.
type SnapshotEvent struct {
	Event string       `json:"event"`
	Role  models.Role  `json:"role"`
	Lots  []models.Lot `json:"lots"`
	Error string       `json:"error,omitempty"`
}

func snapshotEvent(role models.Role, s listing.Snapshot) SnapshotEvent {
	lots := s.Lots
	if role == models.RoleFarmer {
		lots = s.UserLots
	}
	if lots == nil {
		lots = []models.Lot{}
	}
	ev := SnapshotEvent{Event: "lots_snapshot", Role: role, Lots: lots}
	if s.Err != nil {
		ev.Error = "Live updates interrupted, showing last known lots"
	}
	return ev
}

// ServeWs streams the caller's lot listing: available lots for buyers, own lots for farmers.
func (h *WebSocketHandler) ServeWs(c *gin.Context) {
	tokenString := c.Query("token")
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Token is required"})
		return
	}

	sess := session.NewStore(h.Provider, h.Profiles, h.Log)
	if err := sess.Resolve(c.Request.Context(), tokenString); err != nil || sess.User() == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
		return
	}
	user := *sess.User()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Log.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}
	client := h.Hub.Register(user.ID, conn)

	ctx, cancel := context.WithCancel(c.Request.Context())
	lots := listing.NewStore(sess, h.Lots, h.Log)

	// Only the newest snapshot matters, so a slow client skips intermediate ones
	// instead of holding up store notifications.
	pending := make(chan listing.Snapshot, 1)
	stopListening := lots.OnChange(func(s listing.Snapshot) {
		if s.Loading {
			return
		}
		select {
		case pending <- s:
		default:
			select {
			case <-pending:
			default:
			}
			pending <- s
		}
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-pending:
				if err := client.WriteJSON(snapshotEvent(user.Role, s)); err != nil {
					h.Log.Debug("Snapshot write failed", zap.String("userID", user.ID), zap.Error(err))
					cancel()
					return
				}
			}
		}
	}()

	lots.Start(ctx)

	defer func() {
		cancel()
		stopListening()
		lots.Close()
		h.Hub.Unregister(client)
		conn.Close()
		wg.Wait()
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	// Replacing the ping handler drops gorilla's default pong, so answer it here.
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.Log.Info("Unexpected close error", zap.String("userID", user.ID), zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}
