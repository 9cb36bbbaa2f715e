package handlers

import (
	"encoding/json"
	"net/http"

	"cgraph/internal/core/contracts"
	"cgraph/internal/core/domain"
	"cgraph/pkg/logging"
	"cgraph/pkg/middleware"
)

type PresenceHandler struct {
	members  domain.MembershipRepository
	presence contracts.PresenceStore
}

func NewPresenceHandler(members domain.MembershipRepository, presence contracts.PresenceStore) *PresenceHandler {
	return &PresenceHandler{members: members, presence: presence}
}

type presenceResponse struct {
	RoomID string   `json:"room_id"`
	Online []string `json:"online"`
}

// Handler lists the users seen in a room within the presence window. Only
// members of the room may ask.
func (h *PresenceHandler) Handler(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())
	roomID := r.PathValue("roomId")
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if h.presence == nil {
		http.Error(w, "presence not configured", http.StatusServiceUnavailable)
		return
	}
	member, err := h.members.IsMember(r.Context(), userID, roomID)
	if err != nil {
		log.ErrorContext(r.Context(), "presence handler - membership check failed", logging.Room(roomID), logging.Err(err))
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	if !member {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	online, err := h.presence.GetOnlineParticipants(r.Context(), roomID)
	if err != nil {
		log.ErrorContext(r.Context(), "presence handler - get online participants failed", logging.Room(roomID), logging.Err(err))
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	if online == nil {
		online = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(presenceResponse{RoomID: roomID, Online: online})
}
