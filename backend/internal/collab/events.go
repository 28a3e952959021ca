package collab

import (
	"context"
	"time"
)

const (
	EventRoomOpened    = "ROOM_OPENED"
	EventUpdateApplied = "UPDATE_APPLIED"
	EventDocumentSaved = "DOCUMENT_SAVED"
	EventRoomClosed    = "ROOM_CLOSED"
)

// DocEvent is the audit record published for room lifecycle and document changes.
// Update bytes are not included; consumers only get sizes and versions.
type DocEvent struct {
	EventType  string    `json:"eventType"`
	DocID      string    `json:"docId"`
	UserID     string    `json:"userId,omitempty"`
	ClientID   string    `json:"clientId,omitempty"`
	Version    uint64    `json:"version"`
	Size       int       `json:"size,omitempty"`
	Members    int       `json:"members"`
	OccurredAt time.Time `json:"occurredAt"`
}

// EventPublisher must not block the caller for long; dropping is acceptable.
type EventPublisher interface {
	Publish(ctx context.Context, evt DocEvent) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, DocEvent) error { return nil }
