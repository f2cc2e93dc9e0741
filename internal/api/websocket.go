package api

import (
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/gorilla/websocket"

	"github.com/ariellinfy/liteline-nova/internal/db"
	"github.com/ariellinfy/liteline-nova/internal/hub"
)

// WebSocketHandler handles WebSocket upgrade and connection
func (r *Router) WebSocketHandler(w http.ResponseWriter, req *http.Request) {
	ctx, span := otel.Tracer("websocket-server").Start(req.Context(), "WebSocketConnection")
	defer span.End()

	// The socket authenticates from a query parameter because browsers
	// cannot set headers on WebSocket upgrades.
	token := req.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "Missing token", http.StatusUnauthorized)
		span.SetStatus(codes.Error, "Missing token")
		return
	}

	claims, err := r.jwtMgr.ValidateToken(token)
	if err != nil {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		span.SetStatus(codes.Error, fmt.Sprintf("Invalid token: %v", err))
		return
	}

	span.SetAttributes(attribute.String("user.id", claims.UserID.String()))

	user, err := r.db.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.Error(w, "Unknown user", http.StatusUnauthorized)
			span.SetStatus(codes.Error, "Token for unknown user")
			return
		}
		http.Error(w, "Internal error", http.StatusInternalServerError)
		span.SetStatus(codes.Error, fmt.Sprintf("User lookup failed: %v", err))
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     r.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		span.SetStatus(codes.Error, fmt.Sprintf("Failed to upgrade WebSocket connection: %v", err))
		return
	}

	span.SetStatus(codes.Ok, "WebSocket connection established")

	client := hub.NewClient(r.hub, conn, *user)
	client.Start(ctx)
}

func (r *Router) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range r.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
