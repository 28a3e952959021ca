// Package ws is the connection session handler: websocket upgrade, authentication,
// message dispatch and cleanup.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabsync/backend/internal/apperror"
	"collabsync/backend/internal/auth"
	"collabsync/backend/internal/cache"
	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/metrics"
	"collabsync/backend/internal/ratelimit"
)

// DocumentAccess is what sessions need from the persistence facade.
type DocumentAccess interface {
	Load(ctx context.Context, docID, userID string) ([]byte, error)
	HasWriteAccess(ctx context.Context, docID, userID string) (bool, error)
}

type Options struct {
	SendBuffer      int
	MaxMessageBytes int64
	WriteWait       time.Duration
	PongWait        time.Duration
	PingInterval    time.Duration
	AuthTimeout     time.Duration
	JoinTimeout     time.Duration
	LeaveTimeout    time.Duration
	PresenceTTL     time.Duration
	// AllowedOrigins are origin prefixes accepted on upgrade. Empty allows local
	// development origins only.
	AllowedOrigins []string
	Production     bool
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 1 << 20
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 5 * time.Second
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 10 * time.Second
	}
	if o.LeaveTimeout <= 0 {
		o.LeaveTimeout = 15 * time.Second
	}
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = 2 * time.Minute
	}
	return o
}

var localOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

type Manager struct {
	registry   *collab.Registry
	docs       DocumentAccess
	verifier   auth.Verifier
	limits     *ratelimit.Set
	presence   cache.PresenceCache
	metrics    *metrics.Collector
	loadSem    *collab.SemaphoreControl
	classifier apperror.Classifier
	opts       Options
	log        *slog.Logger
	upgrader   websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*Conn
	active sync.WaitGroup
}

type ManagerDeps struct {
	Registry *collab.Registry
	Docs     DocumentAccess
	Verifier auth.Verifier
	Limits   *ratelimit.Set
	// Presence and Metrics are optional.
	Presence cache.PresenceCache
	Metrics  *metrics.Collector
	LoadSem  *collab.SemaphoreControl
	Log      *slog.Logger
}

func NewManager(deps ManagerDeps, opts Options) *Manager {
	opts = opts.withDefaults()
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	if deps.LoadSem == nil {
		deps.LoadSem = collab.NewSemaphoreControl(collab.DefaultSemaphoreSize)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector()
	}
	m := &Manager{
		registry:   deps.Registry,
		docs:       deps.Docs,
		verifier:   deps.Verifier,
		limits:     deps.Limits,
		presence:   deps.Presence,
		metrics:    deps.Metrics,
		loadSem:    deps.LoadSem,
		classifier: apperror.Classifier{Production: opts.Production},
		opts:       opts,
		log:        log.With("component", "ws"),
		conns:      make(map[string]*Conn),
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     m.checkOrigin,
	}
	return m
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowed := m.opts.AllowedOrigins
	if len(allowed) == 0 {
		allowed = localOrigins
	}
	for _, p := range allowed {
		if p == "*" || strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and runs the session until it ends. remoteID keys
// the connection rate limit.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request, remoteID string) {
	wsConn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warn("websocket upgrade failed", "err", err, "origin", r.Header.Get("Origin"))
		return
	}
	c := newConn(wsConn, m.opts, m.log)
	go c.writeLoop()

	if !m.limits.Admit(ratelimit.KindConnection, remoteID) {
		m.log.Info("connection rate limited", "remote", remoteID)
		m.reject(c, apperror.RateLimited("Too many connection attempts, try again later"))
		return
	}

	token := auth.ExtractToken(r)
	if token == "" {
		m.reject(c, apperror.Authentication("Authentication token required"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), m.opts.AuthTimeout)
	ident, err := m.verifier.Verify(ctx, token)
	cancel()
	if err != nil {
		m.reject(c, m.authError(err))
		return
	}

	c.authenticate(ident.UserID, ident.Username)
	m.serve(r.Context(), c)
}

func (m *Manager) authError(err error) *apperror.Error {
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrMissingToken) {
		return apperror.Wrap(apperror.CodeAuthentication, "Invalid or expired authentication token", err)
	}
	appErr := m.classifier.Classify(err)
	if appErr.Code == apperror.CodeUnknown {
		appErr = apperror.Wrap(apperror.CodeCollaboration, "Authentication service unavailable", err)
	}
	return appErr
}

func (m *Manager) reject(c *Conn, err *apperror.Error) {
	m.metrics.RecordError(string(err.Code))
	m.sendError(c, typeAuthError, err)
	code := websocket.ClosePolicyViolation
	if err.Code == apperror.CodeRateLimitExceeded {
		code = websocket.CloseTryAgainLater
	}
	c.Close(code, string(err.Code))
	<-c.writerDone
}

func (m *Manager) serve(ctx context.Context, c *Conn) {
	m.mu.Lock()
	m.conns[c.id] = c
	m.active.Add(1)
	m.mu.Unlock()
	m.metrics.ConnectionOpened()
	m.log.Info("connection authenticated", "connId", c.id, "userId", c.UserID())

	defer func() {
		m.cleanup(ctx, c)
		m.mu.Lock()
		delete(m.conns, c.id)
		m.mu.Unlock()
		m.metrics.ConnectionClosed()
		m.active.Done()
	}()

	c.readLoop(func(raw []byte) { m.dispatch(ctx, c, raw) })
}

// cleanup leaves the current room. It runs on every disconnect, joined or not.
func (m *Manager) cleanup(ctx context.Context, c *Conn) {
	m.leave(ctx, c)
	c.Close(websocket.CloseNormalClosure, "")
	<-c.writerDone
	m.log.Info("connection closed", "connId", c.id, "userId", c.UserID())
}

// leave detaches c from its room. The final save of an emptied room must outlive
// the departing connection's context.
func (m *Manager) leave(ctx context.Context, c *Conn) {
	room := c.takeRoom()
	if room == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.LeaveTimeout)
	defer cancel()

	if err := m.registry.Leave(ctx, room, c); err != nil {
		m.metrics.RecordError(string(m.classifier.Classify(err).Code))
	}
	userID := c.UserID()
	if m.presence != nil && !room.HasUser(userID) {
		if err := m.presence.RemoveMember(ctx, room.DocumentID(), userID); err != nil {
			m.log.Warn("presence remove failed", "docId", room.DocumentID(), "userId", userID, "err", err)
		}
	}
}

// CloseAll disconnects every session and waits for their cleanup, which includes
// the final save of rooms they empty, or for ctx.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		m.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}
