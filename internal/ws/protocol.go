package ws

import (
	"encoding/json"

	"github.com/nirmalarya/autograph-sub004/internal/offline"
	"github.com/nirmalarya/autograph-sub004/internal/op"
	"github.com/nirmalarya/autograph-sub004/internal/room"
)

// Envelope is the frame exchanged with clients in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound event types.
const (
	EventJoinRoom        = "join_room"
	EventLeaveRoom       = "leave_room"
	EventHeartbeat       = "heartbeat"
	EventElementUpdateOT = "element_update_ot"
	EventCursorUpdate    = "cursor_update"
	EventActionPerformed = "action_performed"
	EventUndoAction      = "undo_action"
	EventRedoAction      = "redo_action"
	EventSyncOffline     = "sync_offline"
)

type JoinRoomRequest struct {
	RoomID   string    `json:"room_id"`
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	Role     room.Role `json:"role"`
	// StackSummary carries the client's last known undo stack (operation
	// IDs, oldest first) so a reconnect can restore undo depth.
	StackSummary []string `json:"stack_summary,omitempty"`
}

type JoinRoomResponse struct {
	Success      bool                `json:"success"`
	Error        string              `json:"error,omitempty"`
	ConnectionID string              `json:"connection_id,omitempty"`
	Participants []room.Info         `json:"participant_list,omitempty"`
	Elements     map[string]op.State `json:"elements,omitempty"`
	ServerSeq    int64               `json:"server_sequence,omitempty"`
	UndoDepth    int                 `json:"undo_depth,omitempty"`
}

type ElementUpdateRequest struct {
	RoomID      string   `json:"room_id"`
	UserID      string   `json:"user_id"`
	OperationID string   `json:"operation_id"`
	ElementID   string   `json:"element_id"`
	Type        op.Type  `json:"operation_type"`
	Before      op.State `json:"before_state,omitempty"`
	After       op.State `json:"after_state,omitempty"`
	BaseSeq     int64    `json:"base_seq"`
}

type ElementUpdateResponse struct {
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
	OperationID string `json:"operation_id,omitempty"`
	ServerSeq   int64  `json:"server_sequence,omitempty"`
	Transformed bool   `json:"transformed,omitempty"`
	Duplicate   bool   `json:"duplicate,omitempty"`
	DeleteWins  bool   `json:"delete_wins,omitempty"`
	UndoSize    int    `json:"undo_stack_size"`
	RedoSize    int    `json:"redo_stack_size"`
}

type CursorUpdateRequest struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	Position any    `json:"position"`
}

type ActionResponse struct {
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Action   *op.Operation `json:"action,omitempty"`
	UndoSize int           `json:"undo_stack_size"`
	RedoSize int           `json:"redo_stack_size"`
}

type UndoRedoRequest struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

type SyncOfflineRequest struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

type SyncOfflineResponse struct {
	Success bool                  `json:"success"`
	Error   string                `json:"error,omitempty"`
	Report  *offline.ReplayReport `json:"report,omitempty"`
}
