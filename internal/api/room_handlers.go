package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/ariellinfy/liteline-nova/internal/auth"
	"github.com/ariellinfy/liteline-nova/internal/db"
	"github.com/ariellinfy/liteline-nova/internal/models"
	"github.com/ariellinfy/liteline-nova/internal/utils"
)

// CreateRoomRequest represents a create room request
type CreateRoomRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsPrivate   bool   `json:"is_private"`
	Passcode    string `json:"passcode"`
}

// JoinRoomRequest represents a join room request
type JoinRoomRequest struct {
	RoomID   uuid.UUID `json:"room_id"`
	Passcode string    `json:"passcode"`
}

// RoomsResponse wraps a room list
type RoomsResponse struct {
	Rooms []models.Room `json:"rooms"`
}

// PublicRoomsHandler lists all public rooms
func (r *Router) PublicRoomsHandler(w http.ResponseWriter, req *http.Request) {
	rooms, err := r.db.ListPublicRooms(req.Context())
	if err != nil {
		r.logger.Error(req.Context(), "failed to list public rooms: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, utils.CodeServerError, "internal error")
		return
	}
	if rooms == nil {
		rooms = []models.Room{}
	}
	utils.RespondJSON(w, http.StatusOK, RoomsResponse{Rooms: rooms})
}

// MyRoomsHandler lists the rooms the user is an active member of
func (r *Router) MyRoomsHandler(w http.ResponseWriter, req *http.Request) {
	userID, ok := userIDFromContext(req.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, utils.CodeUnauthorized, "user not authenticated")
		return
	}

	rooms, err := r.db.GetRoomsByUser(req.Context(), userID)
	if err != nil {
		r.logger.Error(req.Context(), "failed to list rooms for %s: %v", userID, err)
		utils.RespondError(w, http.StatusInternalServerError, utils.CodeServerError, "internal error")
		return
	}
	if rooms == nil {
		rooms = []models.Room{}
	}
	utils.RespondJSON(w, http.StatusOK, RoomsResponse{Rooms: rooms})
}

// CreateRoomHandler creates a new room. Private rooms require a passcode;
// the creator becomes an active member immediately.
func (r *Router) CreateRoomHandler(w http.ResponseWriter, req *http.Request) {
	userID, ok := userIDFromContext(req.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, utils.CodeUnauthorized, "user not authenticated")
		return
	}

	var body CreateRoomRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		utils.RespondError(w, http.StatusBadRequest, utils.CodeValidationError, "invalid request body")
		return
	}

	body.Name = strings.TrimSpace(body.Name)
	if body.Name == "" {
		utils.RespondError(w, http.StatusBadRequest, utils.CodeValidationError, "room name is required")
		return
	}
	if body.IsPrivate && body.Passcode == "" {
		utils.RespondError(w, http.StatusBadRequest, utils.CodeValidationError, "private rooms require a passcode")
		return
	}

	var passcodeHash string
	if body.IsPrivate {
		var err error
		passcodeHash, err = auth.HashPassword(body.Passcode)
		if err != nil {
			r.logger.Error(req.Context(), "failed to hash passcode: %v", err)
			utils.RespondError(w, http.StatusInternalServerError, utils.CodeServerError, "internal error")
			return
		}
	}

	room, err := r.db.CreateRoom(req.Context(), body.Name, body.Description, body.IsPrivate, passcodeHash, userID)
	if err != nil {
		if db.IsUniqueViolation(err) {
			utils.RespondError(w, http.StatusConflict, utils.CodeDuplicateRoomName, "a room with that name already exists")
			return
		}
		r.logger.Error(req.Context(), "failed to create room: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, utils.CodeServerError, "internal error")
		return
	}

	// Mirror the membership into the fan-out member set.
	if err := r.cache.AddRoomMember(req.Context(), room.ID, userID); err != nil {
		r.logger.Error(req.Context(), "failed to mirror member set for %s: %v", room.ID, err)
	}

	utils.RespondJSON(w, http.StatusCreated, room)
}

// JoinRoomHandler establishes (or reactivates) a membership. Private
// rooms gate on the passcode.
func (r *Router) JoinRoomHandler(w http.ResponseWriter, req *http.Request) {
	userID, ok := userIDFromContext(req.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, utils.CodeUnauthorized, "user not authenticated")
		return
	}

	var body JoinRoomRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.RoomID == uuid.Nil {
		utils.RespondError(w, http.StatusBadRequest, utils.CodeValidationError, "room_id is required")
		return
	}

	room, err := r.db.GetRoomByID(req.Context(), body.RoomID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			utils.RespondError(w, http.StatusNotFound, utils.CodeNotFound, "room not found")
			return
		}
		r.logger.Error(req.Context(), "failed to load room %s: %v", body.RoomID, err)
		utils.RespondError(w, http.StatusInternalServerError, utils.CodeServerError, "internal error")
		return
	}

	if room.IsPrivate {
		if body.Passcode == "" {
			utils.RespondError(w, http.StatusForbidden, utils.CodePasscodeRequired, "this room requires a passcode")
			return
		}
		if !auth.VerifyPassword(room.PasscodeHash, body.Passcode) {
			utils.RespondError(w, http.StatusForbidden, utils.CodeInvalidPasscode, "incorrect passcode")
			return
		}
	}

	if err := r.db.JoinRoom(req.Context(), room.ID, userID); err != nil {
		r.logger.Error(req.Context(), "failed to join room %s: %v", room.ID, err)
		utils.RespondError(w, http.StatusInternalServerError, utils.CodeServerError, "internal error")
		return
	}

	if err := r.cache.AddRoomMember(req.Context(), room.ID, userID); err != nil {
		r.logger.Error(req.Context(), "failed to mirror member set for %s: %v", room.ID, err)
	}

	utils.RespondJSON(w, http.StatusOK, room)
}

// LeaveRoomHandler soft-deletes the membership; message history stays.
func (r *Router) LeaveRoomHandler(w http.ResponseWriter, req *http.Request) {
	userID, ok := userIDFromContext(req.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, utils.CodeUnauthorized, "user not authenticated")
		return
	}

	roomID, err := uuid.Parse(req.PathValue("id"))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, utils.CodeValidationError, "invalid room id")
		return
	}

	if err := r.db.LeaveRoom(req.Context(), roomID, userID); err != nil {
		r.logger.Error(req.Context(), "failed to leave room %s: %v", roomID, err)
		utils.RespondError(w, http.StatusInternalServerError, utils.CodeServerError, "internal error")
		return
	}

	if err := r.cache.RemoveRoomMember(req.Context(), roomID, userID); err != nil {
		r.logger.Error(req.Context(), "failed to update member set for %s: %v", roomID, err)
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "left"})
}
