// Package httpapi serves the auxiliary endpoints that do not need push
// semantics: connection quality, undo/redo stack sizes, and the offline
// pending-edit queue.
package httpapi

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/nirmalarya/autograph-sub004/internal/history"
	"github.com/nirmalarya/autograph-sub004/internal/offline"
	"github.com/nirmalarya/autograph-sub004/internal/room"
)

// API wires the HTTP surface over the room manager and offline queue.
type API struct {
	rooms *room.Manager
	queue offline.Store
}

func New(rooms *room.Manager, queue offline.Store) *API {
	return &API{rooms: rooms, queue: queue}
}

// Router builds the mux router, with the WebSocket handler mounted at /ws.
func (a *API) Router(wsHandler http.HandlerFunc) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", wsHandler)
	r.HandleFunc("/rooms/{room_id}/connection-quality", a.connectionQuality).Methods(http.MethodGet)
	r.HandleFunc("/undo-redo/stacks/{room_id}/{user_id}", a.stackSizes).Methods(http.MethodGet)
	r.HandleFunc("/offline/queue", a.enqueuePending).Methods(http.MethodPost)
	r.HandleFunc("/offline/queue/{user_id}", a.listPending).Methods(http.MethodGet)
	r.HandleFunc("/offline/queue/{user_id}", a.clearPending).Methods(http.MethodDelete)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return r
}

func (a *API) connectionQuality(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room_id"]
	summaries, err := a.rooms.ConnectionQuality(r.Context(), roomID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"room_id":      roomID,
		"participants": summaries,
	})
}

func (a *API) stackSizes(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	undo, redo, err := a.rooms.StackSizes(r.Context(), vars["room_id"], vars["user_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"undo_stack_size": undo,
		"redo_stack_size": redo,
	})
}

func (a *API) enqueuePending(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DiagramID string          `json:"diagram_id"`
		UserID    string          `json:"user_id"`
		Operation json.RawMessage `json:"operation"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	edit := offline.PendingEdit{}
	if err := json.Unmarshal(req.Operation, &edit.Operation); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed operation"})
		return
	}
	edit = offline.NewPendingEdit(req.DiagramID, req.UserID, edit.Operation)
	if err := a.queue.Enqueue(r.Context(), edit); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, edit)
}

func (a *API) listPending(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	edits, err := a.queue.List(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if edits == nil {
		edits = []offline.PendingEdit{}
	}
	writeJSON(w, http.StatusOK, edits)
}

func (a *API) clearPending(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	if err := a.queue.Clear(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, room.ErrUnknownRoom), errors.Is(err, offline.ErrNotQueued), history.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, room.ErrRoomFull):
		status = http.StatusConflict
	case errors.Is(err, room.ErrPermission), errors.Is(err, room.ErrInvalidRole):
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("httpapi: encoding response: %v", err)
	}
}
