package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"collabsync/backend/internal/crdt"
	"collabsync/backend/internal/metrics"
	"collabsync/backend/internal/protocol"
)

// Registry is the process wide set of open rooms. Lock order is registry, then room.
//
// A room is in the map while it has members, and until every final save started
// after its last member left has finished. A join that lands during those saves
// revives the room instead of loading a second replica.
type Registry struct {
	engine  crdt.Engine
	saver   Saver
	events  EventPublisher
	metrics *metrics.Collector
	log     *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	rooms map[string]*Room
	// closes counts room removals; closed keeps the latest removal per document
	// for closedRetention, long enough to outlive any load.
	closes uint64
	closed map[string]closeMark
}

type closeMark struct {
	seq uint64
	at  time.Time
}

const (
	closedRetention = time.Minute
	closedPruneAt   = 256
)

// ErrStaleState is returned by JoinFrom when a room was closed after the caller
// loaded its state. The state may predate the room's final save and must be reloaded.
var ErrStaleState = errors.New("collab: document state loaded before a room closed")

type RegistryOption func(*Registry)

func WithEvents(p EventPublisher) RegistryOption {
	return func(r *Registry) {
		if p != nil {
			r.events = p
		}
	}
}

func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

func WithMetrics(m *metrics.Collector) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

func withClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(engine crdt.Engine, saver Saver, opts ...RegistryOption) *Registry {
	r := &Registry{
		engine: engine,
		saver:  saver,
		events: NopPublisher{},
		log:    slog.Default(),
		now:    time.Now,
		rooms:  make(map[string]*Room),
		closed: make(map[string]closeMark),
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With("component", "registry")
	return r
}

// GetOrCreate returns the room for docID, building it from initial when absent.
func (r *Registry) GetOrCreate(docID string, initial []byte) (*Room, bool, error) {
	room, created, err := r.acquire(docID, initial, nil)
	if err != nil {
		return nil, false, err
	}
	r.mu.Unlock()
	return room, created, nil
}

// acquire returns the room for docID with r.mu held, or an error with r.mu released.
// A missing replica is decoded outside the lock. When since is set and the room for
// docID was closed after *since, nothing is created.
func (r *Registry) acquire(docID string, initial []byte, since *uint64) (*Room, bool, error) {
	var fresh *Room
	for {
		r.mu.Lock()
		if room, ok := r.rooms[docID]; ok {
			return room, false, nil
		}
		if mark, ok := r.closed[docID]; ok && since != nil && mark.seq > *since {
			r.mu.Unlock()
			return nil, false, ErrStaleState
		}
		if fresh != nil {
			r.rooms[docID] = fresh
			return fresh, true, nil
		}
		r.mu.Unlock()

		doc, err := r.engine.Load(initial)
		if err != nil {
			return nil, false, fmt.Errorf("load state of %s: %w", docID, err)
		}
		fresh = newRoom(docID, doc, r.now())
	}
}

func (r *Registry) Get(docID string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[docID]
	return room, ok
}

// Remove drops docID without saving.
func (r *Registry) Remove(docID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[docID]; ok {
		delete(r.rooms, docID)
		r.noteClosedLocked(docID)
	}
}

func (r *Registry) noteClosedLocked(docID string) {
	r.closes++
	now := r.now()
	r.closed[docID] = closeMark{seq: r.closes, at: now}
	if len(r.closed) <= closedPruneAt {
		return
	}
	cutoff := now.Add(-closedRetention)
	for id, mark := range r.closed {
		if mark.at.Before(cutoff) {
			delete(r.closed, id)
		}
	}
}

// Closes is a counter of room removals. Read it before loading a document's state
// and pass it to JoinFrom.
func (r *Registry) Closes() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}

// Join attaches m to the room for docID, creating it from initial if needed. The
// joiner receives the full room state and the other members a user_joined notice,
// both before any later update from the room.
func (r *Registry) Join(docID string, m Member, initial []byte) (*Room, error) {
	return r.join(docID, m, initial, nil)
}

// JoinFrom is Join for state loaded after Closes returned since. If the room for
// docID closed in between, the state may predate its final save, and JoinFrom fails
// with ErrStaleState instead of building a room from it.
func (r *Registry) JoinFrom(docID string, m Member, initial []byte, since uint64) (*Room, error) {
	return r.join(docID, m, initial, &since)
}

func (r *Registry) join(docID string, m Member, initial []byte, since *uint64) (*Room, error) {
	room, created, err := r.acquire(docID, initial, since)
	if err != nil {
		return nil, err
	}

	room.mu.Lock()
	room.closing = false
	room.members[m.ID()] = m
	members := len(room.members)
	version := room.version
	syncMsg, err := protocol.Encode(protocol.TypeDocumentSync, protocol.DocumentSync{
		DocumentID:  docID,
		State:       room.doc.EncodeStateAsUpdate(),
		StateVector: room.doc.EncodeStateVector(),
	})
	if err == nil {
		m.Send(syncMsg)
		var joined []byte
		joined, err = protocol.Encode(protocol.TypeUserJoined, protocol.Member{UserID: m.UserID(), ClientID: m.ID()})
		if err == nil {
			room.broadcastLocked(m.ID(), joined)
		}
	}
	if err != nil {
		delete(room.members, m.ID())
		if len(room.members) == 0 && created {
			delete(r.rooms, docID)
		}
	}
	room.mu.Unlock()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if created {
		r.log.Info("room opened", "docId", docID)
		r.publish(DocEvent{EventType: EventRoomOpened, DocID: docID, UserID: m.UserID(), ClientID: m.ID(), Version: version, Members: members})
	}
	return room, nil
}

// Leave detaches m from room and notifies the remaining members. When m was the
// last member, the room is saved if dirty and then removed, whatever the save
// outcome, unless it was rejoined or another final save is still running. The
// returned error is the save failure, if any.
func (r *Registry) Leave(ctx context.Context, room *Room, m Member) error {
	r.mu.Lock()
	room.mu.Lock()
	if _, ok := room.members[m.ID()]; !ok {
		room.mu.Unlock()
		r.mu.Unlock()
		return nil
	}
	delete(room.members, m.ID())
	if left, err := protocol.Encode(protocol.TypeUserLeft, protocol.Member{UserID: m.UserID(), ClientID: m.ID()}); err == nil {
		room.broadcastLocked(m.ID(), left)
	}
	last := len(room.members) == 0
	if last {
		room.closing = true
		room.finalSaves++
	}
	room.mu.Unlock()
	r.mu.Unlock()

	if !last {
		return nil
	}

	res, err := room.flush(ctx, r.saver, m.UserID(), r.now)
	r.observeSave(res, err)
	if err != nil {
		r.log.Error("final save failed", "docId", room.docID, "userId", res.userID, "version", res.version, "err", err)
	} else if res.saved {
		r.publishSaved(room, res)
	}
	if r.finishClose(room) {
		r.log.Info("room closed", "docId", room.docID)
		r.publish(DocEvent{EventType: EventRoomClosed, DocID: room.docID, UserID: m.UserID(), Version: res.version})
	}
	return err
}

// finishClose marks one final save of room done and removes the room if it is
// still empty and nothing else is pending.
func (r *Registry) finishClose(room *Room) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	room.mu.Lock()
	defer room.mu.Unlock()
	room.finalSaves--
	return r.removeLocked(room)
}

// RemoveIfEmpty drops room from the registry unless someone rejoined it or a final
// save is still running. It reports whether this call removed it.
func (r *Registry) RemoveIfEmpty(room *Room) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	room.mu.Lock()
	defer room.mu.Unlock()
	return r.removeLocked(room)
}

func (r *Registry) removeLocked(room *Room) bool {
	if len(room.members) > 0 || !room.closing || room.finalSaves > 0 {
		return false
	}
	if cur, ok := r.rooms[room.docID]; !ok || cur != room {
		return false
	}
	delete(r.rooms, room.docID)
	r.noteClosedLocked(room.docID)
	return true
}

// SendToRoomExcept delivers msg to every member of docID other than senderID.
func (r *Registry) SendToRoomExcept(docID, senderID string, msg []byte) bool {
	room, ok := r.Get(docID)
	if !ok {
		return false
	}
	room.Relay(senderID, msg)
	return true
}

func (r *Registry) Rooms() []*Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// FlushAll saves every dirty room. Used on shutdown.
func (r *Registry) FlushAll(ctx context.Context) error {
	var firstErr error
	for _, room := range r.Rooms() {
		res, err := room.flush(ctx, r.saver, "", r.now)
		r.observeSave(res, err)
		if err != nil {
			r.log.Error("flush failed", "docId", room.docID, "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if res.saved {
			r.publishSaved(room, res)
		}
	}
	return firstErr
}

func (r *Registry) observeSave(res saveResult, err error) {
	if r.metrics == nil || (!res.saved && err == nil) {
		return
	}
	r.metrics.SaveFinished(err)
}

func (r *Registry) publishSaved(room *Room, res saveResult) {
	r.publish(DocEvent{EventType: EventDocumentSaved, DocID: room.docID, UserID: res.userID, Version: res.version, Size: res.size, Members: room.Len()})
}

func (r *Registry) publish(evt DocEvent) {
	evt.OccurredAt = r.now()
	if err := r.events.Publish(context.Background(), evt); err != nil {
		r.log.Debug("event dropped", "event", evt.EventType, "docId", evt.DocID, "err", err)
	}
}

// PublishUpdate records an applied update.
func (r *Registry) PublishUpdate(room *Room, m Member, version uint64, size int) {
	r.publish(DocEvent{EventType: EventUpdateApplied, DocID: room.docID, UserID: m.UserID(), ClientID: m.ID(), Version: version, Size: size, Members: room.Len()})
}
