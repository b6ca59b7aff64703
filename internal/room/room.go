// Package room owns the live state of every collaborative session: who is
// connected, the authoritative element map, and the undo/redo stacks. Each
// room runs one serialized processing loop; the transport decodes socket
// events into typed commands and queues them here, so room state is never
// mutated from more than one goroutine.
package room

import (
	"context"
	"log"
	"time"

	"github.com/pkg/errors"

	"github.com/nirmalarya/autograph-sub004/internal/broadcast"
	"github.com/nirmalarya/autograph-sub004/internal/history"
	"github.com/nirmalarya/autograph-sub004/internal/op"
	"github.com/nirmalarya/autograph-sub004/internal/ot"
)

var (
	ErrRoomFull           = errors.New("room is at capacity")
	ErrPermission         = errors.New("role may not perform this operation")
	ErrInvalidRole        = errors.New("unknown role")
	ErrUnknownRoom        = errors.New("room not found")
	ErrUnknownParticipant = errors.New("participant not found in room")
)

// Config tunes room behavior. Zero values fall back to defaults.
type Config struct {
	Capacity            int
	HeartbeatInterval   time.Duration
	HeartbeatMisses     int
	GracePeriod         time.Duration
	CursorFlushInterval time.Duration
	QualityWindow       int
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 32
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.HeartbeatMisses <= 0 {
		c.HeartbeatMisses = 3
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 60 * time.Second
	}
	if c.CursorFlushInterval <= 0 {
		c.CursorFlushInterval = 50 * time.Millisecond
	}
	if c.QualityWindow <= 0 {
		c.QualityWindow = 16
	}
	return c
}

// Archiver persists resolved operations and element snapshots so a process
// can answer late-join snapshots for rooms it no longer holds in memory.
// All calls are best-effort from the room's point of view.
type Archiver interface {
	SaveOperations(ctx context.Context, ops []op.Operation) error
	SaveSnapshot(ctx context.Context, roomID string, elements map[string]op.State, seq int64) error
	LoadSnapshot(ctx context.Context, roomID string) (map[string]op.State, int64, error)
}

// Bus fans resolved operations out to sockets held on other processes. The
// implementation filters out this process's own publications before
// delivering to the subscription callback.
type Bus interface {
	Publish(ctx context.Context, roomID string, update broadcast.ResolvedUpdate) error
	Subscribe(roomID string, fn func(broadcast.ResolvedUpdate)) (func(), error)
}

// JoinRequest admits one connection into a room.
type JoinRequest struct {
	RoomID       string
	UserID       string
	Username     string
	Role         Role
	ConnectionID string
	Recipient    broadcast.Recipient
	// StackSummary optionally carries the client's last known undo stack
	// (operation IDs, oldest first) for reconciliation after a reconnect.
	StackSummary []string
}

// JoinResponse is returned to the joining connection. The element snapshot
// is also pushed as a room_snapshot frame.
type JoinResponse struct {
	Participants []Info
	Elements     map[string]op.State
	ServerSeq    int64
	UndoDepth    int
}

// SubmitResponse acknowledges one resolved operation to its author.
type SubmitResponse struct {
	Result   ot.Result
	UndoSize int
	RedoSize int
}

// ActionResult acknowledges an undo or redo.
type ActionResult struct {
	Op       op.Operation
	UndoSize int
	RedoSize int
}

type command interface{ isCommand() }

type cmdJoin struct {
	req   JoinRequest
	reply chan result[JoinResponse]
}
type cmdLeave struct {
	connID string
	done   chan struct{}
}
type cmdHeartbeat struct {
	connID string
	reply  chan error
}
type cmdLatency struct {
	connID string
	rtt    time.Duration
}
type cmdSubmit struct {
	o          op.Operation
	originConn string
	reply      chan result[SubmitResponse]
}
type cmdUndo struct {
	userID string
	redo   bool
	reply  chan result[ActionResult]
}
type cmdCursor struct {
	userID   string
	position any
}
type cmdQuality struct {
	reply chan result[[]QualitySummary]
}
type cmdStacks struct {
	userID string
	reply  chan result[[2]int]
}
type cmdAuthorize struct {
	userID string
	reply  chan result[bool]
}
type cmdRemote struct {
	update broadcast.ResolvedUpdate
}

func (cmdJoin) isCommand()      {}
func (cmdLeave) isCommand()     {}
func (cmdHeartbeat) isCommand() {}
func (cmdLatency) isCommand()   {}
func (cmdSubmit) isCommand()    {}
func (cmdUndo) isCommand()      {}
func (cmdCursor) isCommand()    {}
func (cmdQuality) isCommand()   {}
func (cmdStacks) isCommand()    {}
func (cmdAuthorize) isCommand() {}
func (cmdRemote) isCommand()    {}

type result[T any] struct {
	val T
	err error
}

// Room is one live session. All fields below cmds are owned by the run loop.
type Room struct {
	id     string
	cfg    Config
	cmds   chan command
	done   chan struct{}
	cancel context.CancelFunc

	doc          *ot.Document
	engine       ot.Engine
	history      *history.Manager
	bcast        *broadcast.Broadcaster
	participants map[string]*Participant // by connection ID

	archiver       Archiver
	bus            Bus
	unsubscribe    func()
	pendingArchive []op.Operation
	emptySince     time.Time
	onStop         func(roomID string)
}

func newRoom(ctx context.Context, id string, cfg Config, archiver Archiver, bus Bus, onStop func(string)) *Room {
	ctx, cancel := context.WithCancel(ctx)
	r := &Room{
		id:           id,
		cfg:          cfg,
		cmds:         make(chan command, 64),
		done:         make(chan struct{}),
		cancel:       cancel,
		doc:          ot.NewDocument(),
		history:      history.NewManager(),
		bcast:        broadcast.New(cfg.CursorFlushInterval),
		participants: make(map[string]*Participant),
		archiver:     archiver,
		bus:          bus,
		onStop:       onStop,
		emptySince:   time.Now(),
	}
	if archiver != nil {
		if elements, seq, err := archiver.LoadSnapshot(ctx, id); err == nil && seq > 0 {
			r.doc.Restore(elements, seq)
			r.bcast.Advance(seq)
			log.Printf("room %s: restored %d elements at seq %d from archive", id, len(elements), seq)
		}
	}
	if bus != nil {
		unsub, err := bus.Subscribe(id, func(update broadcast.ResolvedUpdate) {
			r.enqueue(ctx, cmdRemote{update: update})
		})
		if err != nil {
			log.Printf("room %s: bus subscribe failed, running local-only: %v", id, err)
		} else {
			r.unsubscribe = unsub
		}
	}
	go r.run(ctx)
	return r
}

func (r *Room) run(ctx context.Context) {
	go r.bcast.Start(ctx)
	sweep := time.NewTicker(r.cfg.HeartbeatInterval)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			r.shutdown(false)
			return
		case c := <-r.cmds:
			r.handle(c)
		case <-sweep.C:
			if r.sweep() {
				r.shutdown(true)
				return
			}
		}
	}
}

// enqueue places a command on the room's queue unless the room has stopped.
func (r *Room) enqueue(ctx context.Context, c command) error {
	select {
	case r.cmds <- c:
		return nil
	case <-r.done:
		return ErrUnknownRoom
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) handle(c command) {
	switch c := c.(type) {
	case cmdJoin:
		c.reply <- wrap(r.join(c.req))
	case cmdLeave:
		r.leave(c.connID, "leave")
		close(c.done)
	case cmdHeartbeat:
		c.reply <- r.heartbeat(c.connID)
	case cmdLatency:
		if p, ok := r.participants[c.connID]; ok {
			p.quality.add(c.rtt)
		}
	case cmdSubmit:
		c.reply <- wrap(r.submit(c.o, c.originConn))
	case cmdUndo:
		c.reply <- wrap(r.undoRedo(c.userID, c.redo))
	case cmdCursor:
		r.bcast.UpdateCursor(c.userID, c.position)
	case cmdQuality:
		summaries := make([]QualitySummary, 0, len(r.participants))
		for _, p := range r.participants {
			summaries = append(summaries, p.qualitySummary())
		}
		c.reply <- result[[]QualitySummary]{val: summaries}
	case cmdStacks:
		undo, redo := r.history.Sizes(r.id, c.userID)
		c.reply <- result[[2]int]{val: [2]int{undo, redo}}
	case cmdAuthorize:
		p := r.findUser(c.userID)
		c.reply <- result[bool]{val: p != nil && p.Role.CanMutate()}
	case cmdRemote:
		r.applyRemote(c.update)
	}
}

func wrap[T any](val T, err error) result[T] {
	return result[T]{val: val, err: err}
}

func (r *Room) join(req JoinRequest) (JoinResponse, error) {
	if !req.Role.valid() {
		return JoinResponse{}, errors.Wrapf(ErrInvalidRole, "%q", req.Role)
	}
	if len(r.participants) >= r.cfg.Capacity {
		return JoinResponse{}, ErrRoomFull
	}
	now := time.Now()
	p := &Participant{
		UserID:        req.UserID,
		ConnectionID:  req.ConnectionID,
		Username:      req.Username,
		Role:          req.Role,
		JoinedAt:      now,
		LastHeartbeat: now,
		quality:       newQualityWindow(r.cfg.QualityWindow),
	}
	r.participants[req.ConnectionID] = p
	r.emptySince = time.Time{}

	depth := 0
	if len(req.StackSummary) > 0 {
		depth = r.history.Reconcile(r.id, req.UserID, req.StackSummary, r.doc.Log.GetByID)
	}

	elements, seq := r.doc.Snapshot()
	if req.Recipient != nil {
		r.bcast.Attach(req.Recipient, seq)
		r.bcast.SendSnapshot(req.Recipient, elements, seq)
	}
	r.bcast.Event(broadcast.Message{Type: "user_joined", Data: p.info()}, req.ConnectionID)
	log.Printf("room %s: %s joined as %s (%s)", r.id, req.UserID, req.Role, req.ConnectionID)

	resp := JoinResponse{
		Elements:  elements,
		ServerSeq: seq,
		UndoDepth: depth,
	}
	for _, member := range r.participants {
		resp.Participants = append(resp.Participants, member.info())
	}
	return resp, nil
}

func (r *Room) leave(connID, reason string) {
	p, ok := r.participants[connID]
	if !ok {
		return
	}
	delete(r.participants, connID)
	r.bcast.Detach(connID, p.UserID)
	if r.findUser(p.UserID) == nil {
		// Last device of this user gone; a later re-join starts with an
		// empty undo stack unless the client reconciles one.
		r.history.Drop(r.id, p.UserID)
	}
	r.bcast.Event(broadcast.Message{Type: "user_left", Data: map[string]string{
		"user_id":       p.UserID,
		"connection_id": connID,
		"reason":        reason,
	}}, connID)
	log.Printf("room %s: %s left (%s, %s)", r.id, p.UserID, connID, reason)
	if len(r.participants) == 0 {
		r.emptySince = time.Now()
	}
}

func (r *Room) heartbeat(connID string) error {
	p, ok := r.participants[connID]
	if !ok {
		return ErrUnknownParticipant
	}
	p.LastHeartbeat = time.Now()
	return nil
}

func (r *Room) findUser(userID string) *Participant {
	for _, p := range r.participants {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

func (r *Room) submit(o op.Operation, originConn string) (SubmitResponse, error) {
	p := r.findUser(o.UserID)
	if p == nil {
		return SubmitResponse{}, ErrUnknownParticipant
	}
	if !p.Role.CanMutate() {
		return SubmitResponse{}, errors.Wrapf(ErrPermission, "role %s", p.Role)
	}
	o.RoomID = r.id
	res, err := r.engine.Resolve(r.doc, o)
	if err != nil {
		return SubmitResponse{}, err
	}
	if !res.Duplicate {
		// A delete-wins resolution never applied the submitter's intent;
		// recording it would let undo resurrect the deleted element.
		if !res.DeleteWins {
			r.history.Record(r.id, o.UserID, res.Op)
		}
		r.afterCommit(res, originConn)
	}
	undo, redo := r.history.Sizes(r.id, o.UserID)
	return SubmitResponse{Result: res, UndoSize: undo, RedoSize: redo}, nil
}

// resolverFunc adapts the engine plus fan-out into history's Resolver.
type resolverFunc func(op.Operation) (op.Operation, error)

func (f resolverFunc) Resolve(o op.Operation) (op.Operation, error) { return f(o) }

func (r *Room) undoRedo(userID string, redo bool) (ActionResult, error) {
	p := r.findUser(userID)
	if p == nil {
		return ActionResult{}, ErrUnknownParticipant
	}
	if !p.Role.CanMutate() {
		return ActionResult{}, errors.Wrapf(ErrPermission, "role %s", p.Role)
	}
	resolve := resolverFunc(func(o op.Operation) (op.Operation, error) {
		res, err := r.engine.Resolve(r.doc, o)
		if err != nil {
			return op.Operation{}, err
		}
		r.afterCommit(res, "")
		return res.Op, nil
	})
	var committed op.Operation
	var err error
	if redo {
		committed, err = r.history.Redo(r.id, userID, resolve)
	} else {
		committed, err = r.history.Undo(r.id, userID, resolve)
	}
	if err != nil {
		return ActionResult{}, err
	}
	undo, redoSize := r.history.Sizes(r.id, userID)
	return ActionResult{Op: committed, UndoSize: undo, RedoSize: redoSize}, nil
}

// afterCommit fans a freshly committed operation out locally, publishes it
// on the bus for other processes, and queues it for the archive.
func (r *Room) afterCommit(res ot.Result, originConn string) {
	if !res.Rebroadcast {
		return
	}
	update := broadcast.ResolvedUpdate{
		ElementID:  res.Op.ElementID,
		Value:      r.doc.Elements[res.Op.ElementID].Clone(),
		ServerSeq:  res.Op.ServerSeq,
		Operation:  res.Op,
		DeleteWins: res.DeleteWins,
	}
	r.bcast.Enqueue(update, originConn)
	if r.bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := r.bus.Publish(ctx, r.id, update); err != nil {
			log.Printf("room %s: bus publish seq %d: %v", r.id, update.ServerSeq, err)
		}
		cancel()
	}
	r.pendingArchive = append(r.pendingArchive, res.Op)
}

// applyRemote mirrors an operation committed by the room's owning process
// elsewhere. This process holds sockets for the room but not its writer, so
// the operation is applied verbatim, never re-resolved.
func (r *Room) applyRemote(update broadcast.ResolvedUpdate) {
	if update.ServerSeq <= r.doc.Seq {
		return
	}
	o := update.Operation
	if o.Type == op.Delete {
		delete(r.doc.Elements, o.ElementID)
	} else {
		r.doc.Elements[o.ElementID] = update.Value.Clone()
	}
	r.doc.ElemSeq[o.ElementID] = update.ServerSeq
	r.doc.Seq = update.ServerSeq
	r.doc.Log.Append(o)
	r.bcast.Enqueue(update, "")
}

// sweep evicts participants whose heartbeats stopped and reports whether the
// room has been empty past its grace period and should stop.
func (r *Room) sweep() bool {
	cutoff := time.Now().Add(-time.Duration(r.cfg.HeartbeatMisses) * r.cfg.HeartbeatInterval)
	for connID, p := range r.participants {
		if p.LastHeartbeat.Before(cutoff) {
			r.leave(connID, "heartbeat timeout")
		}
	}
	r.flushArchive()
	if dirty := r.bcast.CollectDirty(); len(dirty) > 0 && r.archiver != nil {
		elements, seq := r.doc.Snapshot()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.archiver.SaveSnapshot(ctx, r.id, elements, seq); err != nil {
				log.Printf("room %s: snapshot archive (%d dirty): %v", r.id, len(dirty), err)
			}
		}()
	}
	return len(r.participants) == 0 && !r.emptySince.IsZero() &&
		time.Since(r.emptySince) > r.cfg.GracePeriod
}

func (r *Room) flushArchive() {
	if r.archiver == nil || len(r.pendingArchive) == 0 {
		return
	}
	batch := r.pendingArchive
	r.pendingArchive = nil
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.archiver.SaveOperations(ctx, batch); err != nil {
			log.Printf("room %s: archiving %d operations: %v", r.id, len(batch), err)
		}
	}()
}

func (r *Room) shutdown(archive bool) {
	close(r.done)
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	r.flushArchive()
	if archive && r.archiver != nil {
		elements, seq := r.doc.Snapshot()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.archiver.SaveSnapshot(ctx, r.id, elements, seq); err != nil {
			log.Printf("room %s: snapshot archive: %v", r.id, err)
		}
		cancel()
	}
	r.cancel()
	if r.onStop != nil {
		r.onStop(r.id)
	}
	log.Printf("room %s: stopped", r.id)
}
