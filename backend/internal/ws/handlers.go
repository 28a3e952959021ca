package ws

import (
	"context"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"collabsync/backend/internal/apperror"
	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/crdt"
	"collabsync/backend/internal/protocol"
	"collabsync/backend/internal/ratelimit"
)

const (
	typeAuthError   = protocol.TypeAuthError
	typeJoinError   = protocol.TypeJoinError
	typeUpdateError = protocol.TypeUpdateError
)

// dispatch handles one client frame. A panic or failure here is reported to this
// connection only.
func (m *Manager) dispatch(ctx context.Context, c *Conn, raw []byte) {
	m.metrics.MessageReceived()

	msgType := gjson.GetBytes(raw, "type").String()
	defer func() {
		if rec := recover(); rec != nil {
			m.log.Error("message handler panicked", "connId", c.id, "type", msgType, "panic", rec)
			m.fail(c, errorTypeFor(msgType), fmt.Errorf("handler panic: %v", rec))
		}
	}()

	if !gjson.ValidBytes(raw) {
		m.fail(c, typeUpdateError, apperror.Validation("Message is not valid JSON"))
		return
	}
	if !m.limits.Admit(ratelimit.KindMessage, c.id) {
		if msgType != protocol.TypeAwarenessUpdate {
			m.fail(c, errorTypeFor(msgType), apperror.RateLimited("Too many messages, slow down"))
		}
		return
	}

	payload := []byte(gjson.GetBytes(raw, "payload").Raw)
	switch msgType {
	case protocol.TypeJoinDocument:
		m.handleJoin(ctx, c, payload)
	case protocol.TypeDocumentUpdate:
		m.handleUpdate(ctx, c, payload)
	case protocol.TypeAwarenessUpdate:
		m.handleAwareness(ctx, c, payload)
	case protocol.TypeLeaveDocument:
		m.handleLeave(ctx, c, payload)
	default:
		m.log.Debug("ignoring unknown message", "connId", c.id, "type", msgType)
	}
}

func errorTypeFor(msgType string) string {
	if msgType == protocol.TypeJoinDocument {
		return typeJoinError
	}
	return typeUpdateError
}

func (m *Manager) handleJoin(ctx context.Context, c *Conn, payload []byte) {
	userID := c.UserID()
	if userID == "" || (c.State() != StateAuthenticated && c.State() != StateInRoom) {
		m.fail(c, typeJoinError, apperror.Authentication("Not authenticated"))
		return
	}
	var p protocol.JoinDocument
	if err := protocol.DecodePayload(payload, &p); err != nil {
		m.fail(c, typeJoinError, err)
		return
	}

	if cur := c.Room(); cur != nil {
		if cur.DocumentID() == p.DocumentID {
			m.resync(c, cur)
			return
		}
		m.leave(ctx, c)
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.JoinTimeout)
	defer cancel()
	room, err := m.loadAndJoin(ctx, c, p.DocumentID, userID)
	if err != nil {
		m.fail(c, typeJoinError, err)
		return
	}
	if room == nil {
		return
	}
	// cleanup only leaves the room recorded on c, so record it before checking
	// whether the peer went away during the attach
	c.setRoom(room)
	if c.Closed() {
		m.leave(ctx, c)
		return
	}
	m.log.Info("joined document", "connId", c.id, "userId", userID, "docId", p.DocumentID)

	if m.presence != nil {
		if err := m.presence.AddMember(ctx, p.DocumentID, userID, c.username, m.opts.PresenceTTL); err != nil {
			m.log.Warn("presence add failed", "docId", p.DocumentID, "userId", userID, "err", err)
		}
	}
}

// loadAndJoin loads docID for userID and attaches c to its room. State loaded while
// the previous room for docID was closing is reloaded once. A nil room with a nil
// error means c closed before the attach.
func (m *Manager) loadAndJoin(ctx context.Context, c *Conn, docID, userID string) (*collab.Room, error) {
	for attempt := 0; ; attempt++ {
		since := m.registry.Closes()
		if err := m.loadSem.Acquire(ctx); err != nil {
			return nil, apperror.Wrap(apperror.CodeCollaboration, "Server busy, retry shortly", err)
		}
		state, err := m.docs.Load(ctx, docID, userID)
		_ = m.loadSem.Release()
		if err != nil {
			return nil, err
		}
		if c.Closed() {
			return nil, nil
		}

		room, err := m.registry.JoinFrom(docID, c, state, since)
		switch {
		case err == nil:
			return room, nil
		case errors.Is(err, collab.ErrStaleState) && attempt == 0:
			continue
		case errors.Is(err, collab.ErrStaleState):
			return nil, apperror.Wrap(apperror.CodeCollaboration, "Document is being closed, retry shortly", err)
		default:
			return nil, apperror.Wrap(apperror.CodeCollaboration, "Could not open document", err)
		}
	}
}

func (m *Manager) resync(c *Conn, room *collab.Room) {
	state, vector := room.State()
	msg, err := protocol.Encode(protocol.TypeDocumentSync, protocol.DocumentSync{
		DocumentID:  room.DocumentID(),
		State:       state,
		StateVector: vector,
	})
	if err != nil {
		m.fail(c, typeJoinError, err)
		return
	}
	c.Send(msg)
}

func (m *Manager) handleUpdate(ctx context.Context, c *Conn, payload []byte) {
	room := c.Room()
	// a foreign document is an access error even when its id would not validate
	if id := gjson.GetBytes(payload, "documentId"); id.Type == gjson.String && (room == nil || room.DocumentID() != id.String()) {
		m.fail(c, typeUpdateError, apperror.AccessDenied("Not joined to this document").With("documentId", id.String()))
		return
	}
	var p protocol.DocumentUpdate
	if err := protocol.DecodePayload(payload, &p); err != nil {
		m.fail(c, typeUpdateError, err)
		return
	}
	if room == nil || room.DocumentID() != p.DocumentID {
		m.fail(c, typeUpdateError, apperror.AccessDenied("Not joined to this document").With("documentId", p.DocumentID))
		return
	}
	if !m.limits.Admit(ratelimit.KindUpdate, c.id) {
		m.fail(c, typeUpdateError, apperror.RateLimited("Too many updates, slow down"))
		return
	}

	userID := c.UserID()
	ok, err := m.docs.HasWriteAccess(ctx, p.DocumentID, userID)
	if err != nil {
		m.fail(c, typeUpdateError, err)
		return
	}
	if !ok {
		m.fail(c, typeUpdateError, apperror.AccessDenied("No write access to document").With("documentId", p.DocumentID))
		return
	}

	version, err := room.ApplyUpdate(c, p.Update)
	switch {
	case errors.Is(err, collab.ErrNotMember):
		m.fail(c, typeUpdateError, apperror.AccessDenied("Not joined to this document"))
		return
	case errors.Is(err, crdt.ErrMalformedUpdate):
		m.fail(c, typeUpdateError, apperror.Wrap(apperror.CodeValidation, "Malformed document update", err))
		return
	case err != nil:
		m.fail(c, typeUpdateError, apperror.Wrap(apperror.CodeCollaboration, "Could not apply update", err))
		return
	}
	m.metrics.UpdateApplied()
	m.registry.PublishUpdate(room, c, version, len(p.Update))
}

// handleAwareness relays presence data. Nothing is reported back to the client.
func (m *Manager) handleAwareness(ctx context.Context, c *Conn, payload []byte) {
	var p protocol.AwarenessUpdate
	if err := protocol.DecodePayload(payload, &p); err != nil {
		m.log.Debug("dropping malformed awareness", "connId", c.id, "err", err)
		return
	}
	room := c.Room()
	if room == nil || room.DocumentID() != p.DocumentID {
		return
	}
	userID := c.UserID()
	msg, err := protocol.Encode(protocol.TypeAwarenessUpdate, protocol.AwarenessBroadcast{
		Awareness: p.Awareness,
		ClientID:  c.id,
		UserID:    userID,
	})
	if err != nil {
		m.log.Debug("encode awareness failed", "err", err)
		return
	}
	m.registry.SendToRoomExcept(p.DocumentID, c.id, msg)

	if m.presence != nil {
		if err := m.presence.SetCursor(ctx, p.DocumentID, userID, p.Awareness, m.opts.PresenceTTL); err != nil {
			m.log.Debug("presence cursor failed", "docId", p.DocumentID, "err", err)
		}
		if err := m.presence.AddMember(ctx, p.DocumentID, userID, c.username, m.opts.PresenceTTL); err != nil {
			m.log.Debug("presence refresh failed", "docId", p.DocumentID, "err", err)
		}
	}
}

func (m *Manager) handleLeave(ctx context.Context, c *Conn, payload []byte) {
	var p protocol.LeaveDocument
	if err := protocol.DecodePayload(payload, &p); err != nil {
		m.fail(c, typeUpdateError, err)
		return
	}
	if room := c.Room(); room != nil && room.DocumentID() == p.DocumentID {
		m.leave(ctx, c)
	}
}

// fail classifies err and reports it to c under msgType.
func (m *Manager) fail(c *Conn, msgType string, err error) {
	appErr := m.classifier.Classify(err)
	m.metrics.RecordError(string(appErr.Code))
	m.log.Info("request failed", "connId", c.id, "userId", c.UserID(), "reply", msgType,
		"code", appErr.Code, "err", err)
	m.sendError(c, msgType, appErr)
}

func (m *Manager) sendError(c *Conn, msgType string, appErr *apperror.Error) {
	msg, err := protocol.ErrorMessage(msgType, appErr)
	if err != nil {
		m.log.Error("encode error frame failed", "err", err)
		return
	}
	c.Send(msg)
}
