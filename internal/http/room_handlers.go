package httpx

import (
	"encoding/json"
	"net/http"
	"time"

	"warroom/internal/store"
	"warroom/pkg/auth"
)

type RoomsAPI struct{ DB *store.Postgres }

type createRoomReq struct {
	Name string `json:"name"`
}

type roomResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// Create handles new room creation for the authenticated user.
func (a *RoomsAPI) Create(w http.ResponseWriter, r *http.Request) {
	var req createRoomReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	uid := auth.UserID(r.Context())
	rm, err := a.DB.CreateRoom(r.Context(), req.Name, uid)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, roomResponse{ID: rm.ID, Name: rm.Name, CreatedBy: rm.CreatedBy, CreatedAt: rm.CreatedAt})
}

// List returns up to 100 rooms
func (a *RoomsAPI) List(w http.ResponseWriter, r *http.Request) {
	rooms, err := a.DB.ListRooms(r.Context(), 100, 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := make([]roomResponse, 0, len(rooms))
	for _, rm := range rooms {
		resp = append(resp, roomResponse{ID: rm.ID, Name: rm.Name, CreatedBy: rm.CreatedBy, CreatedAt: rm.CreatedAt})
	}
	writeJSON(w, resp)
}

// Get fetches one room by id.
func (a *RoomsAPI) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}

	rm, err := a.DB.GetRoom(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, roomResponse{ID: rm.ID, Name: rm.Name, CreatedBy: rm.CreatedBy, CreatedAt: rm.CreatedAt})
}
