package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabsync/backend/internal/apperror"
	"collabsync/backend/internal/auth"
	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/crdt"
	"collabsync/backend/internal/protocol"
	"collabsync/backend/internal/ratelimit"
)

type fakeVerifier struct {
	calls atomic.Int32
}

// tokens look like "tok-<userId>"
func (v *fakeVerifier) Verify(_ context.Context, token string) (auth.Identity, error) {
	v.calls.Add(1)
	if !strings.HasPrefix(token, "tok-") {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	id := strings.TrimPrefix(token, "tok-")
	return auth.Identity{UserID: id, Username: "user " + id}, nil
}

type fakeDocs struct {
	mu      sync.Mutex
	states  map[string][]byte
	readers map[string]bool // docID/userID
	writers map[string]bool
	saves   map[string][]byte

	// loads wait on gate when set
	gate    chan struct{}
	loading atomic.Int32
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{
		states:  map[string][]byte{"doc-1": nil, "doc-2": nil},
		readers: map[string]bool{},
		writers: map[string]bool{},
		saves:   map[string][]byte{},
	}
}

func (d *fakeDocs) grant(docID, userID string, write bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readers[docID+"/"+userID] = true
	d.writers[docID+"/"+userID] = write
}

func (d *fakeDocs) blockLoads() chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gate = make(chan struct{})
	return d.gate
}

func (d *fakeDocs) Load(ctx context.Context, docID, userID string) ([]byte, error) {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		d.loading.Add(1)
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.states[docID]
	if !ok {
		return nil, apperror.NotFound("Document not found")
	}
	if !d.readers[docID+"/"+userID] {
		return nil, apperror.AccessDenied("Access to document denied")
	}
	return state, nil
}

func (d *fakeDocs) HasWriteAccess(_ context.Context, docID, userID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writers[docID+"/"+userID], nil
}

func (d *fakeDocs) Save(_ context.Context, docID, userID string, state []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.saves[docID] = state
	return nil
}

func (d *fakeDocs) saved(docID string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.saves[docID]
	return s, ok
}

type harness struct {
	srv      *httptest.Server
	manager  *Manager
	registry *collab.Registry
	docs     *fakeDocs
	verifier *fakeVerifier
}

func newHarness(t *testing.T, limits map[ratelimit.Kind]ratelimit.Config) *harness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	docs := newFakeDocs()
	reg := collab.NewRegistry(crdt.UpdateLog{}, docs, collab.WithLogger(log))
	v := &fakeVerifier{}
	m := NewManager(ManagerDeps{
		Registry: reg,
		Docs:     docs,
		Verifier: v,
		Limits:   ratelimit.NewSet(limits),
		Log:      log,
	}, Options{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.ServeHTTP(w, r, "198.51.100.7")
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.CloseAll(ctx)
		srv.Close()
	})
	return &harness{srv: srv, manager: m, registry: reg, docs: docs, verifier: v}
}

func (h *harness) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/collab/ws"
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func sendFrame(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"type": msgType, "payload": payload}))
}

func errorPayload(t *testing.T, f frame) apperror.Payload {
	t.Helper()
	var p apperror.Payload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	return p
}

func (h *harness) connID(t *testing.T, userID string) string {
	t.Helper()
	var id string
	require.Eventually(t, func() bool {
		h.manager.mu.Lock()
		defer h.manager.mu.Unlock()
		for _, c := range h.manager.conns {
			if c.UserID() == userID {
				id = c.id
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	return id
}

func TestConnectWithoutTokenIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "")

	f := readFrame(t, conn)
	assert.Equal(t, protocol.TypeAuthError, f.Type)
	assert.Equal(t, apperror.CodeAuthentication, errorPayload(t, f).Code)

	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "transport is closed")
	assert.Zero(t, h.verifier.calls.Load())
}

func TestConnectWithBadTokenIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "garbage")

	f := readFrame(t, conn)
	assert.Equal(t, protocol.TypeAuthError, f.Type)
	p := errorPayload(t, f)
	assert.Equal(t, apperror.CodeAuthentication, p.Code)
	assert.False(t, p.ShouldRetry)

	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestConnectWithTokenHeader(t *testing.T) {
	h := newHarness(t, nil)
	h.docs.grant("doc-1", "ua", false)
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/collab/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{auth.TokenHeader: {"tok-ua"}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	sendFrame(t, conn, protocol.TypeJoinDocument, map[string]string{"documentId": "doc-1"})
	assert.Equal(t, protocol.TypeDocumentSync, readFrame(t, conn).Type)
}

func TestConnectionRateLimit(t *testing.T) {
	h := newHarness(t, map[ratelimit.Kind]ratelimit.Config{
		ratelimit.KindConnection: {Window: time.Minute, MaxRequests: 10},
	})
	for i := 0; i < 10; i++ {
		h.dial(t, "tok-u1")
	}
	require.Eventually(t, func() bool { return h.manager.ConnectionCount() == 10 }, 2*time.Second, 10*time.Millisecond)

	conn := h.dial(t, "tok-u1")
	f := readFrame(t, conn)
	assert.Equal(t, protocol.TypeAuthError, f.Type)
	p := errorPayload(t, f)
	assert.Equal(t, apperror.CodeRateLimitExceeded, p.Code)
	assert.True(t, p.ShouldRetry)

	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, int32(10), h.verifier.calls.Load(), "limited attempt never reaches the verifier")
}

func TestCollaborationEndToEnd(t *testing.T) {
	h := newHarness(t, nil)
	h.docs.grant("doc-1", "ua", true)
	h.docs.grant("doc-1", "ub", true)

	a := h.dial(t, "tok-ua")
	aID := h.connID(t, "ua")
	sendFrame(t, a, protocol.TypeJoinDocument, map[string]string{"documentId": "doc-1"})
	f := readFrame(t, a)
	require.Equal(t, protocol.TypeDocumentSync, f.Type)
	var ds protocol.DocumentSync
	require.NoError(t, json.Unmarshal(f.Payload, &ds))
	assert.Empty(t, ds.State)

	b := h.dial(t, "tok-ub")
	bID := h.connID(t, "ub")
	sendFrame(t, b, protocol.TypeJoinDocument, map[string]string{"documentId": "doc-1"})
	assert.Equal(t, protocol.TypeDocumentSync, readFrame(t, b).Type)

	f = readFrame(t, a)
	require.Equal(t, protocol.TypeUserJoined, f.Type)
	var joined protocol.Member
	require.NoError(t, json.Unmarshal(f.Payload, &joined))
	assert.Equal(t, protocol.Member{UserID: "ub", ClientID: bID}, joined)

	sendFrame(t, a, protocol.TypeDocumentUpdate, map[string]any{"documentId": "doc-1", "update": []int{1, 2, 3}})
	f = readFrame(t, b)
	require.Equal(t, protocol.TypeDocumentUpdate, f.Type)
	var upd protocol.UpdateBroadcast
	require.NoError(t, json.Unmarshal(f.Payload, &upd))
	assert.Equal(t, protocol.Bytes{1, 2, 3}, upd.Update)
	assert.Equal(t, aID, upd.ClientID)
	assert.Equal(t, "ua", upd.UserID)

	// A's next frame is B's awareness, so A never saw its own update
	sendFrame(t, b, protocol.TypeAwarenessUpdate, map[string]any{"documentId": "doc-1", "awareness": map[string]int{"cursor": 4}})
	f = readFrame(t, a)
	assert.Equal(t, protocol.TypeAwarenessUpdate, f.Type)

	require.NoError(t, a.Close())
	f = readFrame(t, b)
	assert.Equal(t, protocol.TypeUserLeft, f.Type)
	require.NoError(t, b.Close())

	require.Eventually(t, func() bool { return h.registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	saved, ok := h.docs.saved("doc-1")
	require.True(t, ok, "emptied room is saved")
	doc, err := crdt.UpdateLog{}.Load(saved)
	require.NoError(t, err)
	expect := crdt.UpdateLog{}.New()
	require.NoError(t, expect.ApplyUpdate([]byte{1, 2, 3}))
	assert.Equal(t, expect.EncodeStateAsUpdate(), doc.EncodeStateAsUpdate())
}

func TestJoinErrorsKeepConnectionOpen(t *testing.T) {
	h := newHarness(t, nil)
	h.docs.grant("doc-1", "ua", false)
	a := h.dial(t, "tok-ua")

	sendFrame(t, a, protocol.TypeJoinDocument, map[string]string{"documentId": "missing"})
	f := readFrame(t, a)
	assert.Equal(t, protocol.TypeJoinError, f.Type)
	assert.Equal(t, apperror.CodeDocumentNotFound, errorPayload(t, f).Code)

	sendFrame(t, a, protocol.TypeJoinDocument, map[string]string{"documentId": "doc-2"})
	f = readFrame(t, a)
	assert.Equal(t, apperror.CodeAccessDenied, errorPayload(t, f).Code)

	sendFrame(t, a, protocol.TypeJoinDocument, map[string]string{"documentId": "../../etc"})
	f = readFrame(t, a)
	assert.Equal(t, apperror.CodeValidation, errorPayload(t, f).Code)

	sendFrame(t, a, protocol.TypeJoinDocument, map[string]string{"documentId": "doc-1"})
	assert.Equal(t, protocol.TypeDocumentSync, readFrame(t, a).Type)
	assert.Equal(t, 1, h.registry.Len())
}

func TestUpdateChecks(t *testing.T) {
	h := newHarness(t, nil)
	h.docs.grant("doc-1", "viewer", false)
	h.docs.grant("doc-1", "editor", true)
	h.docs.grant("doc-2", "editor", true)

	v := h.dial(t, "tok-viewer")
	sendFrame(t, v, protocol.TypeJoinDocument, map[string]string{"documentId": "doc-1"})
	require.Equal(t, protocol.TypeDocumentSync, readFrame(t, v).Type)

	sendFrame(t, v, protocol.TypeDocumentUpdate, map[string]any{"documentId": "doc-1", "update": []int{9}})
	f := readFrame(t, v)
	assert.Equal(t, protocol.TypeUpdateError, f.Type)
	assert.Equal(t, apperror.CodeAccessDenied, errorPayload(t, f).Code)

	e := h.dial(t, "tok-editor")
	sendFrame(t, e, protocol.TypeJoinDocument, map[string]string{"documentId": "doc-1"})
	require.Equal(t, protocol.TypeDocumentSync, readFrame(t, e).Type)
	require.Equal(t, protocol.TypeUserJoined, readFrame(t, v).Type)

	// update aimed at a room the editor is not in
	sendFrame(t, e, protocol.TypeDocumentUpdate, map[string]any{"documentId": "doc-2", "update": []int{7}})
	f = readFrame(t, e)
	assert.Equal(t, protocol.TypeUpdateError, f.Type)
	assert.Equal(t, apperror.CodeAccessDenied, errorPayload(t, f).Code)
	_, exists := h.registry.Get("doc-2")
	assert.False(t, exists)

	// an id that would fail validation is still someone else's document
	sendFrame(t, e, protocol.TypeDocumentUpdate, map[string]any{"documentId": "doc/x", "update": []int{7}})
	f = readFrame(t, e)
	assert.Equal(t, apperror.CodeAccessDenied, errorPayload(t, f).Code)

	sendFrame(t, e, protocol.TypeDocumentUpdate, map[string]any{"documentId": "doc-1", "update": []int{}})
	f = readFrame(t, e)
	assert.Equal(t, apperror.CodeValidation, errorPayload(t, f).Code)

	room, ok := h.registry.Get("doc-1")
	require.True(t, ok)
	assert.False(t, room.Status().Dirty, "rejected updates never touch the room")
}

func TestDisconnectDuringJoinLeavesNoRoom(t *testing.T) {
	h := newHarness(t, nil)
	h.docs.grant("doc-1", "ua", true)
	release := h.docs.blockLoads()

	a := h.dial(t, "tok-ua")
	sendFrame(t, a, protocol.TypeJoinDocument, map[string]string{"documentId": "doc-1"})
	require.Eventually(t, func() bool { return h.docs.loading.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Close())
	close(release)

	require.Eventually(t, func() bool { return h.manager.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.registry.Len())
	_, ok := h.registry.Get("doc-1")
	assert.False(t, ok)
}

func TestSwitchingRoomsLeavesThePreviousOne(t *testing.T) {
	h := newHarness(t, nil)
	h.docs.grant("doc-1", "ua", true)
	h.docs.grant("doc-2", "ua", true)
	a := h.dial(t, "tok-ua")

	sendFrame(t, a, protocol.TypeJoinDocument, map[string]string{"documentId": "doc-1"})
	require.Equal(t, protocol.TypeDocumentSync, readFrame(t, a).Type)
	sendFrame(t, a, protocol.TypeJoinDocument, map[string]string{"documentId": "doc-2"})
	require.Equal(t, protocol.TypeDocumentSync, readFrame(t, a).Type)

	_, ok := h.registry.Get("doc-1")
	assert.False(t, ok)
	_, ok = h.registry.Get("doc-2")
	assert.True(t, ok)

	sendFrame(t, a, protocol.TypeLeaveDocument, map[string]string{"documentId": "doc-2"})
	require.Eventually(t, func() bool { return h.registry.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestMessageRateLimit(t *testing.T) {
	h := newHarness(t, map[ratelimit.Kind]ratelimit.Config{
		ratelimit.KindMessage: {Window: time.Minute, MaxRequests: 2},
	})
	h.docs.grant("doc-1", "ua", true)
	a := h.dial(t, "tok-ua")

	for i := 0; i < 2; i++ {
		sendFrame(t, a, protocol.TypeJoinDocument, map[string]string{"documentId": "doc-1"})
		require.Equal(t, protocol.TypeDocumentSync, readFrame(t, a).Type)
	}
	sendFrame(t, a, protocol.TypeJoinDocument, map[string]string{"documentId": "doc-1"})
	f := readFrame(t, a)
	assert.Equal(t, protocol.TypeJoinError, f.Type)
	assert.Equal(t, apperror.CodeRateLimitExceeded, errorPayload(t, f).Code)
}

func TestCloseAllFlushesRooms(t *testing.T) {
	h := newHarness(t, nil)
	h.docs.grant("doc-1", "ua", true)
	a := h.dial(t, "tok-ua")
	sendFrame(t, a, protocol.TypeJoinDocument, map[string]string{"documentId": "doc-1"})
	require.Equal(t, protocol.TypeDocumentSync, readFrame(t, a).Type)
	sendFrame(t, a, protocol.TypeDocumentUpdate, map[string]any{"documentId": "doc-1", "update": "AQI="})

	require.Eventually(t, func() bool {
		room, ok := h.registry.Get("doc-1")
		return ok && room.Status().Dirty
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.manager.CloseAll(ctx))

	assert.Zero(t, h.manager.ConnectionCount())
	assert.Zero(t, h.registry.Len())
	_, ok := h.docs.saved("doc-1")
	assert.True(t, ok)
}
