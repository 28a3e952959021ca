// Package protocol holds the websocket wire types shared by the session handler and rooms.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"collabsync/backend/internal/apperror"
)

// client -> server
const (
	TypeJoinDocument    = "join_document"
	TypeDocumentUpdate  = "document_update"
	TypeAwarenessUpdate = "awareness_update"
	TypeLeaveDocument   = "leave_document"
)

// server -> client
const (
	TypeAuthError    = "auth_error"
	TypeJoinError    = "join_error"
	TypeUpdateError  = "update_error"
	TypeDocumentSync = "document_sync"
	TypeUserJoined   = "user_joined"
	TypeUserLeft     = "user_left"
)

// Envelope frames every message in both directions.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

func Encode(msgType string, payload any) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Payload: payload})
}

// Bytes marshals as base64 and unmarshals from either a base64 string or an array of
// numbers in 0..255, which is what browser clients produce from a Uint8Array.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(b))
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("decode base64 bytes: %w", err)
		}
		*b = raw
		return nil
	}
	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return err
	}
	out := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return errors.New("byte value out of range")
		}
		out[i] = byte(n)
	}
	*b = out
	return nil
}

type JoinDocument struct {
	DocumentID string `json:"documentId" validate:"required,docid"`
}

type LeaveDocument struct {
	DocumentID string `json:"documentId" validate:"required,docid"`
}

type DocumentUpdate struct {
	DocumentID string `json:"documentId" validate:"required,docid"`
	Update     Bytes  `json:"update" validate:"required,min=1"`
}

type AwarenessUpdate struct {
	DocumentID string          `json:"documentId" validate:"required,docid"`
	Awareness  json.RawMessage `json:"awareness" validate:"required"`
}

type DocumentSync struct {
	DocumentID  string `json:"documentId"`
	State       Bytes  `json:"state"`
	StateVector Bytes  `json:"stateVector,omitempty"`
}

type UpdateBroadcast struct {
	Update   Bytes  `json:"update"`
	ClientID string `json:"clientId"`
	UserID   string `json:"userId"`
}

type AwarenessBroadcast struct {
	Awareness json.RawMessage `json:"awareness"`
	ClientID  string          `json:"clientId"`
	UserID    string          `json:"userId"`
}

type Member struct {
	UserID   string `json:"userId"`
	ClientID string `json:"clientId"`
}

// ErrorMessage builds an error frame such as auth_error or update_error.
func ErrorMessage(msgType string, err *apperror.Error) ([]byte, error) {
	return Encode(msgType, err.Payload())
}
