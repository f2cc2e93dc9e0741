package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ariellinfy/liteline-nova/internal/auth"
	"github.com/ariellinfy/liteline-nova/internal/db"
	"github.com/ariellinfy/liteline-nova/internal/models"
	"github.com/ariellinfy/liteline-nova/internal/utils"
)

// RegisterRequest represents a registration request payload
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginRequest represents a login request payload
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResponse represents an auth response
type AuthResponse struct {
	User  *models.User `json:"user"`
	Token string       `json:"token"`
}

// RegisterHandler handles user registration
func (r *Router) RegisterHandler(w http.ResponseWriter, req *http.Request) {
	var body RegisterRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		utils.RespondError(w, http.StatusBadRequest, utils.CodeValidationError, "invalid request body")
		return
	}

	body.Username = strings.TrimSpace(body.Username)
	body.Email = strings.TrimSpace(body.Email)
	if len(body.Username) < 3 || len(body.Password) < 8 || !strings.Contains(body.Email, "@") {
		utils.RespondError(w, http.StatusBadRequest, utils.CodeValidationError, "username (min 3), valid email and password (min 8) are required")
		return
	}

	hashed, err := auth.HashPassword(body.Password)
	if err != nil {
		r.logger.Error(req.Context(), "register: failed to hash password: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, utils.CodeServerError, "internal error")
		return
	}

	user, err := r.db.CreateUser(req.Context(), body.Username, body.Email, hashed)
	if err != nil {
		if db.IsUniqueViolation(err) {
			utils.RespondError(w, http.StatusConflict, utils.CodeValidationError, "username or email already taken")
			return
		}
		r.logger.Error(req.Context(), "register: failed to create user: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, utils.CodeServerError, "internal error")
		return
	}

	token, err := r.jwtMgr.GenerateToken(user.ID, user.Username)
	if err != nil {
		r.logger.Error(req.Context(), "register: failed to issue token: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, utils.CodeServerError, "internal error")
		return
	}

	utils.RespondJSON(w, http.StatusCreated, AuthResponse{User: user, Token: token})
}

// LoginHandler handles user login
func (r *Router) LoginHandler(w http.ResponseWriter, req *http.Request) {
	var body LoginRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		utils.RespondError(w, http.StatusBadRequest, utils.CodeValidationError, "invalid request body")
		return
	}

	user, err := r.db.GetUserByUsername(req.Context(), body.Username)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			utils.RespondError(w, http.StatusUnauthorized, utils.CodeUnauthorized, "invalid credentials")
			return
		}
		r.logger.Error(req.Context(), "login: failed to load user: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, utils.CodeServerError, "internal error")
		return
	}

	if !auth.VerifyPassword(user.PasswordHash, body.Password) {
		utils.RespondError(w, http.StatusUnauthorized, utils.CodeUnauthorized, "invalid credentials")
		return
	}

	token, err := r.jwtMgr.GenerateToken(user.ID, user.Username)
	if err != nil {
		r.logger.Error(req.Context(), "login: failed to issue token: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, utils.CodeServerError, "internal error")
		return
	}

	utils.RespondJSON(w, http.StatusOK, AuthResponse{User: user, Token: token})
}

// HealthzHandler reports node health including both backing stores.
func (r *Router) HealthzHandler(w http.ResponseWriter, req *http.Request) {
	if err := r.db.Health(req.Context()); err != nil {
		utils.RespondError(w, http.StatusServiceUnavailable, utils.CodeServerError, "database unavailable")
		return
	}
	if err := r.cache.Health(req.Context()); err != nil {
		utils.RespondError(w, http.StatusServiceUnavailable, utils.CodeServerError, "cache unavailable")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
