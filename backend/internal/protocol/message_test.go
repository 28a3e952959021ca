package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabsync/backend/internal/apperror"
)

func TestBytesAcceptsBase64AndNumberArrays(t *testing.T) {
	var fromArray, fromString Bytes
	require.NoError(t, json.Unmarshal([]byte(`[1,2,255]`), &fromArray))
	require.NoError(t, json.Unmarshal([]byte(`"AQL/"`), &fromString))

	assert.Equal(t, Bytes{1, 2, 255}, fromArray)
	assert.Equal(t, fromArray, fromString)

	out, err := json.Marshal(fromArray)
	require.NoError(t, err)
	assert.Equal(t, `"AQL/"`, string(out))
}

func TestBytesRejectsOutOfRange(t *testing.T) {
	var b Bytes
	assert.Error(t, json.Unmarshal([]byte(`[1,256]`), &b))
	assert.Error(t, json.Unmarshal([]byte(`"not base64!"`), &b))
}

func TestDecodePayload(t *testing.T) {
	var join JoinDocument
	require.NoError(t, DecodePayload([]byte(`{"documentId":"doc-1"}`), &join))
	assert.Equal(t, "doc-1", join.DocumentID)

	cases := map[string]string{
		"empty id":     `{"documentId":""}`,
		"bad chars":    `{"documentId":"../etc/passwd"}`,
		"wrong type":   `{"documentId":42}`,
		"not json":     `{"documentId"`,
		"missing body": ``,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			var p JoinDocument
			err := DecodePayload([]byte(raw), &p)
			var appErr *apperror.Error
			require.True(t, errors.As(err, &appErr), "got %v", err)
			assert.Equal(t, apperror.CodeValidation, appErr.Code)
		})
	}
}

func TestDecodeUpdateRequiresBytes(t *testing.T) {
	var u DocumentUpdate
	err := DecodePayload([]byte(`{"documentId":"doc-1","update":[]}`), &u)
	assert.ErrorIs(t, err, apperror.New(apperror.CodeValidation, ""))

	require.NoError(t, DecodePayload([]byte(`{"documentId":"doc-1","update":[7,8]}`), &u))
	assert.Equal(t, Bytes{7, 8}, u.Update)
}

func TestEncodeEnvelope(t *testing.T) {
	b, err := Encode(TypeUserJoined, Member{UserID: "u1", ClientID: "c1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"user_joined","payload":{"userId":"u1","clientId":"c1"}}`, string(b))
}
