// Package ws is the WebSocket transport. It decodes client events into typed
// room commands and never touches room state itself; everything mutating
// goes through the room manager's command queues.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nirmalarya/autograph-sub004/internal/broadcast"
	"github.com/nirmalarya/autograph-sub004/internal/history"
	"github.com/nirmalarya/autograph-sub004/internal/offline"
	"github.com/nirmalarya/autograph-sub004/internal/op"
	"github.com/nirmalarya/autograph-sub004/internal/room"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server upgrades connections and runs one Client per socket.
type Server struct {
	rooms *room.Manager
	sync  *offline.Synchronizer
}

func NewServer(rooms *room.Manager, sync *offline.Synchronizer) *Server {
	return &Server{rooms: rooms, sync: sync}
}

func (s *Server) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}
	c := &Client{
		server: s,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		quit:   make(chan struct{}),
		connID: uuid.NewString(),
	}
	log.Printf("ws: connection %s opened from %s", c.connID, r.RemoteAddr)
	go c.writePump()
	c.readPump()
}

// Client is one connected socket. It implements broadcast.Recipient so the
// room's broadcaster can fan frames out to it.
type Client struct {
	server *Server
	conn   *websocket.Conn
	// send is never closed; the room's broadcaster may still hold this
	// client briefly after shutdown, and Send must stay safe then. quit
	// tells writePump to stop instead.
	send   chan []byte
	quit   chan struct{}
	connID string

	// Set by a successful join_room; a connection belongs to at most one
	// room at a time.
	roomID string
	userID string

	// UnixNano of the last ping written, shared between the pumps.
	lastPing atomic.Int64
}

// ID returns the connection ID.
func (c *Client) ID() string { return c.connID }

// UserID returns the joined user, empty before join.
func (c *Client) UserID() string { return c.userID }

// Send queues an outbound frame without blocking. A full buffer drops the
// frame and reports false.
func (c *Client) Send(msg broadcast.Message) bool {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("ws: encoding %s frame: %v", msg.Type, err)
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) reply(eventType string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Printf("ws: encoding %s reply: %v", eventType, err)
		return
	}
	frame, _ := json.Marshal(Envelope{Type: eventType, Data: payload})
	select {
	case c.send <- frame:
	default:
		log.Printf("ws: dropping %s reply for slow connection %s", eventType, c.connID)
	}
}

func (c *Client) readPump() {
	defer func() {
		if c.roomID != "" {
			c.server.rooms.Leave(context.Background(), c.roomID, c.connID)
		}
		close(c.quit)
		c.conn.Close()
		log.Printf("ws: connection %s closed", c.connID)
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if sent := c.lastPing.Load(); sent > 0 && c.roomID != "" {
			c.server.rooms.RecordLatency(c.roomID, c.connID, time.Since(time.Unix(0, sent)))
		}
		return nil
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws: connection %s read error: %v", c.connID, err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("ws: connection %s sent bad frame: %v", c.connID, err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-c.quit:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.lastPing.Store(time.Now().UnixNano())
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) dispatch(env Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	switch env.Type {
	case EventJoinRoom:
		c.handleJoin(ctx, env.Data)
	case EventLeaveRoom:
		if c.roomID != "" {
			c.server.rooms.Leave(ctx, c.roomID, c.connID)
			c.roomID, c.userID = "", ""
		}
	case EventHeartbeat:
		// No payload required; the connection's room is known from join.
		if c.roomID != "" {
			if err := c.server.rooms.Heartbeat(ctx, c.roomID, c.connID); err != nil {
				log.Printf("ws: heartbeat for %s: %v", c.connID, err)
			}
		}
	case EventElementUpdateOT, EventActionPerformed:
		c.handleUpdate(ctx, env)
	case EventCursorUpdate:
		var req CursorUpdateRequest
		if json.Unmarshal(env.Data, &req) == nil && c.roomID != "" {
			c.server.rooms.Cursor(c.roomID, c.userID, req.Position)
		}
	case EventUndoAction:
		c.handleUndoRedo(ctx, env.Data, false)
	case EventRedoAction:
		c.handleUndoRedo(ctx, env.Data, true)
	case EventSyncOffline:
		c.handleSyncOffline(ctx, env.Data)
	default:
		log.Printf("ws: connection %s sent unknown event %q", c.connID, env.Type)
	}
}

func (c *Client) handleJoin(ctx context.Context, data json.RawMessage) {
	var req JoinRoomRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply("join_room_ack", JoinRoomResponse{Error: "malformed join_room payload"})
		return
	}
	resp, err := c.server.rooms.Join(ctx, room.JoinRequest{
		RoomID:       req.RoomID,
		UserID:       req.UserID,
		Username:     req.Username,
		Role:         req.Role,
		ConnectionID: c.connID,
		Recipient:    c,
		StackSummary: req.StackSummary,
	})
	if err != nil {
		c.reply("join_room_ack", JoinRoomResponse{Error: err.Error()})
		return
	}
	c.roomID, c.userID = req.RoomID, req.UserID
	c.reply("join_room_ack", JoinRoomResponse{
		Success:      true,
		ConnectionID: c.connID,
		Participants: resp.Participants,
		Elements:     resp.Elements,
		ServerSeq:    resp.ServerSeq,
		UndoDepth:    resp.UndoDepth,
	})
}

func (c *Client) handleUpdate(ctx context.Context, env Envelope) {
	ack := env.Type + "_ack"
	var req ElementUpdateRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		c.reply(ack, ElementUpdateResponse{Error: "malformed payload"})
		return
	}
	if req.OperationID == "" {
		req.OperationID = uuid.NewString()
	}
	resp, err := c.server.rooms.Submit(ctx, op.Operation{
		ID:              req.OperationID,
		RoomID:          req.RoomID,
		UserID:          req.UserID,
		ElementID:       req.ElementID,
		Type:            req.Type,
		Before:          req.Before,
		After:           req.After,
		BaseSeq:         req.BaseSeq,
		ClientTimestamp: time.Now().UTC(),
	}, c.connID)
	if err != nil {
		c.reply(ack, ElementUpdateResponse{Error: err.Error()})
		return
	}
	c.reply(ack, ElementUpdateResponse{
		Success:     true,
		OperationID: resp.Result.Op.ID,
		ServerSeq:   resp.Result.Op.ServerSeq,
		Transformed: resp.Result.Transformed,
		Duplicate:   resp.Result.Duplicate,
		DeleteWins:  resp.Result.DeleteWins,
		UndoSize:    resp.UndoSize,
		RedoSize:    resp.RedoSize,
	})
}

func (c *Client) handleUndoRedo(ctx context.Context, data json.RawMessage, redo bool) {
	ack := "undo_action_ack"
	call := c.server.rooms.Undo
	if redo {
		ack = "redo_action_ack"
		call = c.server.rooms.Redo
	}
	var req UndoRedoRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply(ack, ActionResponse{Error: "malformed payload"})
		return
	}
	res, err := call(ctx, req.RoomID, req.UserID)
	if err != nil {
		// Empty stack is a reported no-op, not an error.
		if history.IsNotFound(err) {
			undo, redoSize, _ := c.server.rooms.StackSizes(ctx, req.RoomID, req.UserID)
			c.reply(ack, ActionResponse{Success: false, UndoSize: undo, RedoSize: redoSize})
			return
		}
		c.reply(ack, ActionResponse{Error: err.Error()})
		return
	}
	c.reply(ack, ActionResponse{
		Success:  true,
		Action:   &res.Op,
		UndoSize: res.UndoSize,
		RedoSize: res.RedoSize,
	})
}

func (c *Client) handleSyncOffline(ctx context.Context, data json.RawMessage) {
	var req SyncOfflineRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply("sync_offline_ack", SyncOfflineResponse{Error: "malformed payload"})
		return
	}
	if c.server.sync == nil {
		c.reply("sync_offline_ack", SyncOfflineResponse{Error: "offline sync not configured"})
		return
	}
	report, err := c.server.sync.Replay(ctx, req.UserID)
	if err != nil {
		c.reply("sync_offline_ack", SyncOfflineResponse{Error: err.Error()})
		return
	}
	c.reply("sync_offline_ack", SyncOfflineResponse{Success: true, Report: &report})
}
