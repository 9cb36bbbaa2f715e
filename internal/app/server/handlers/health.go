package handlers

import (
	"encoding/json"
	"net/http"
)

// BusState reports whether the bus subscription is live.
type BusState interface {
	Connected() bool
}

type HealthHandler struct {
	bus BusState
}

func NewHealthHandler(bus BusState) *HealthHandler {
	return &HealthHandler{bus: bus}
}

// Handler always answers 200: a disconnected bus degrades fan-out but the
// instance still serves its own sockets.
func (h *HealthHandler) Handler(w http.ResponseWriter, _ *http.Request) {
	state := "disconnected"
	if h.bus.Connected() {
		state = "connected"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"bus": state})
}
