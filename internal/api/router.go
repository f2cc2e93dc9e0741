package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ariellinfy/liteline-nova/internal/auth"
	"github.com/ariellinfy/liteline-nova/internal/cache"
	"github.com/ariellinfy/liteline-nova/internal/config"
	"github.com/ariellinfy/liteline-nova/internal/contextkey"
	"github.com/ariellinfy/liteline-nova/internal/db"
	"github.com/ariellinfy/liteline-nova/internal/hub"
	"github.com/ariellinfy/liteline-nova/internal/middleware"
	"github.com/ariellinfy/liteline-nova/internal/utils"
)

type Router struct {
	mux    *http.ServeMux
	db     *db.Database
	cache  *cache.Cache
	hub    *hub.Hub
	jwtMgr *auth.JWTManager
	cfg    *config.Config
	logger *utils.Logger
}

// NewRouter creates the HTTP router with configured handlers and middleware
func NewRouter(database *db.Database, redisCache *cache.Cache, socketHub *hub.Hub, jwtMgr *auth.JWTManager, cfg *config.Config, logger *utils.Logger) http.Handler {
	rateLimiter := middleware.NewRateLimiter(redisCache.GetClient())

	r := &Router{
		mux:    http.NewServeMux(),
		db:     database,
		cache:  redisCache,
		hub:    socketHub,
		jwtMgr: jwtMgr,
		cfg:    cfg,
		logger: logger,
	}

	// Public endpoints
	r.mux.HandleFunc("POST /auth/register", r.RegisterHandler)
	r.mux.HandleFunc("POST /auth/login", r.LoginHandler)
	r.mux.HandleFunc("GET /healthz", r.HealthzHandler)
	r.mux.Handle("GET /metrics", promhttp.Handler())

	// Protected endpoints
	r.mux.Handle("GET /rooms/public", r.AuthMiddleware(rateLimiter.Middleware(http.HandlerFunc(r.PublicRoomsHandler))))
	r.mux.Handle("GET /rooms/my-rooms", r.AuthMiddleware(rateLimiter.Middleware(http.HandlerFunc(r.MyRoomsHandler))))
	r.mux.Handle("POST /rooms/create", r.AuthMiddleware(rateLimiter.Middleware(http.HandlerFunc(r.CreateRoomHandler))))
	r.mux.Handle("POST /rooms/join", r.AuthMiddleware(rateLimiter.Middleware(http.HandlerFunc(r.JoinRoomHandler))))
	r.mux.Handle("POST /rooms/{id}/leave", r.AuthMiddleware(rateLimiter.Middleware(http.HandlerFunc(r.LeaveRoomHandler))))

	// WebSocket endpoint authenticates from its token query parameter.
	r.mux.Handle("GET /ws", http.HandlerFunc(r.WebSocketHandler))

	routerWithMiddleware := middleware.RequestIDMiddleware(r.mux)
	routerWithMiddleware = middleware.TracingMiddleware(routerWithMiddleware)
	return routerWithMiddleware
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// AuthMiddleware resolves the bearer token to a user id and attaches it
// to the request context.
func (r *Router) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		token, err := auth.ExtractTokenFromHeader(req.Header.Get("Authorization"))
		if err != nil {
			utils.RespondError(w, http.StatusUnauthorized, utils.CodeUnauthorized, "missing or malformed authorization header")
			return
		}

		claims, err := r.jwtMgr.ValidateToken(token)
		if err != nil {
			utils.RespondError(w, http.StatusUnauthorized, utils.CodeUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(req.Context(), contextkey.ContextKeyUserID, claims.UserID)
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

func userIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	userID, ok := ctx.Value(contextkey.ContextKeyUserID).(uuid.UUID)
	return userID, ok && userID != uuid.Nil
}
