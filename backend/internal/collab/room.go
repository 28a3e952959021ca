package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"collabsync/backend/internal/crdt"
	"collabsync/backend/internal/protocol"
)

var ErrNotMember = errors.New("collab: connection is not a member of the room")

// Member is a connection as seen by a room. Send must not block; returning false
// means the message was dropped and the member is going away.
type Member interface {
	ID() string
	UserID() string
	Send(msg []byte) bool
}

// Saver persists a full document state on behalf of a user.
type Saver interface {
	Save(ctx context.Context, docID, userID string, state []byte) error
}

// Room owns one document's replica and its members. All state mutation and the
// broadcast that follows happen under mu, so updates reach members in the order
// they were applied.
type Room struct {
	docID string

	mu              sync.Mutex
	doc             crdt.Doc
	members         map[string]Member
	dirty           bool
	version         uint64
	lastWriter      string
	lastPersistedAt time.Time
	closing         bool
	// finalSaves counts teardown flushes started by Leave that have not finished.
	finalSaves int

	// saveMu serializes saves so an older snapshot never lands after a newer one.
	saveMu sync.Mutex
}

func newRoom(docID string, doc crdt.Doc, now time.Time) *Room {
	return &Room{
		docID:           docID,
		doc:             doc,
		members:         make(map[string]Member),
		lastPersistedAt: now,
	}
}

func (r *Room) DocumentID() string { return r.docID }

// ApplyUpdate merges update from sender and relays the raw bytes to every other
// member. It returns the room version after the update.
func (r *Room) ApplyUpdate(sender Member, update []byte) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[sender.ID()]; !ok {
		return 0, ErrNotMember
	}
	if err := r.doc.ApplyUpdate(update); err != nil {
		return 0, fmt.Errorf("apply update to %s: %w", r.docID, err)
	}
	r.dirty = true
	r.version++
	r.lastWriter = sender.UserID()

	msg, err := protocol.Encode(protocol.TypeDocumentUpdate, protocol.UpdateBroadcast{
		Update:   update,
		ClientID: sender.ID(),
		UserID:   sender.UserID(),
	})
	if err != nil {
		return r.version, err
	}
	r.broadcastLocked(sender.ID(), msg)
	return r.version, nil
}

// Relay forwards an already encoded message to everyone but the sender.
func (r *Room) Relay(senderID string, msg []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(senderID, msg)
}

func (r *Room) broadcastLocked(exceptID string, msg []byte) {
	for id, m := range r.members {
		if id == exceptID {
			continue
		}
		m.Send(msg)
	}
}

func (r *Room) HasMember(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[id]
	return ok
}

// HasUser reports whether any connection of userID is still in the room.
func (r *Room) HasUser(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.members {
		if m.UserID() == userID {
			return true
		}
	}
	return false
}

func (r *Room) Members() []protocol.Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Member, 0, len(r.members))
	for id, m := range r.members {
		out = append(out, protocol.Member{UserID: m.UserID(), ClientID: id})
	}
	return out
}

func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

type RoomStatus struct {
	DocumentID      string
	Members         int
	Dirty           bool
	Version         uint64
	LastPersistedAt time.Time
}

func (r *Room) Status() RoomStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RoomStatus{
		DocumentID:      r.docID,
		Members:         len(r.members),
		Dirty:           r.dirty,
		Version:         r.version,
		LastPersistedAt: r.lastPersistedAt,
	}
}

// State returns the full replica as one update plus its state vector.
func (r *Room) State() (state, vector []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.EncodeStateAsUpdate(), r.doc.EncodeStateVector()
}

// saveIdentityLocked prefers the last writer while they are still connected, then any
// member, then the last writer, then fallback.
func (r *Room) saveIdentityLocked(fallback string) string {
	if r.lastWriter != "" {
		for _, m := range r.members {
			if m.UserID() == r.lastWriter {
				return r.lastWriter
			}
		}
	}
	for _, m := range r.members {
		return m.UserID()
	}
	if r.lastWriter != "" {
		return r.lastWriter
	}
	return fallback
}

type saveResult struct {
	saved   bool
	version uint64
	userID  string
	size    int
}

// flush saves the room if dirty, waiting for any save already in progress.
func (r *Room) flush(ctx context.Context, s Saver, fallbackUser string, now func() time.Time) (saveResult, error) {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	return r.persistLocked(ctx, s, fallbackUser, now, 0)
}

// autosave saves the room if it is dirty and interval has passed since the last
// save. It gives up immediately when another save holds the room.
func (r *Room) autosave(ctx context.Context, s Saver, interval time.Duration, now func() time.Time) (saveResult, error) {
	if !r.saveMu.TryLock() {
		return saveResult{}, nil
	}
	defer r.saveMu.Unlock()
	return r.persistLocked(ctx, s, "", now, interval)
}

func (r *Room) persistLocked(ctx context.Context, s Saver, fallbackUser string, now func() time.Time, interval time.Duration) (saveResult, error) {
	r.mu.Lock()
	if !r.dirty || now().Sub(r.lastPersistedAt) < interval {
		r.mu.Unlock()
		return saveResult{}, nil
	}
	state := r.doc.EncodeStateAsUpdate()
	version := r.version
	userID := r.saveIdentityLocked(fallbackUser)
	r.mu.Unlock()

	res := saveResult{version: version, userID: userID, size: len(state)}
	if userID == "" {
		return res, fmt.Errorf("save %s: no identity to save as", r.docID)
	}
	if err := s.Save(ctx, r.docID, userID, state); err != nil {
		return res, err
	}

	r.mu.Lock()
	// updates that arrived during the save keep the room dirty
	if r.version == version {
		r.dirty = false
	}
	r.lastPersistedAt = now()
	r.mu.Unlock()
	res.saved = true
	return res, nil
}
