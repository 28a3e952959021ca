// Package metrics keeps in-process counters for the health and metrics endpoints.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"collabsync/backend/internal/apperror"
)

const (
	defaultWindow = 5 * time.Minute
	// maxRecentFailures is how many infrastructure errors within the window mark
	// the process unhealthy.
	maxRecentFailures = 100
)

// Only these codes count against health. Errors caused by clients, such as a bad
// token or a rate limit, are reported in RecentErrors and nothing more.
var degradingCodes = map[string]bool{
	string(apperror.CodeDatabaseConnection): true,
	string(apperror.CodeCollaboration):      true,
}

type SlowOperation struct {
	Operation  string    `json:"operation"`
	DocumentID string    `json:"documentId,omitempty"`
	DurationMs int64     `json:"durationMs"`
	At         time.Time `json:"at"`
}

type ErrorEvent struct {
	Code string    `json:"code"`
	At   time.Time `json:"at"`
}

type Collector struct {
	connections atomic.Int64
	messages    atomic.Int64
	updates     atomic.Int64
	saves       atomic.Int64
	saveFails   atomic.Int64

	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	slow   []SlowOperation
	errors []ErrorEvent
	rooms  func() int
}

func NewCollector() *Collector {
	return &Collector{window: defaultWindow, now: time.Now}
}

// TrackRooms installs the source of the live room count.
func (c *Collector) TrackRooms(fn func() int) {
	c.mu.Lock()
	c.rooms = fn
	c.mu.Unlock()
}

func (c *Collector) ConnectionOpened() { c.connections.Add(1) }
func (c *Collector) ConnectionClosed() { c.connections.Add(-1) }
func (c *Collector) MessageReceived()  { c.messages.Add(1) }
func (c *Collector) UpdateApplied()    { c.updates.Add(1) }

func (c *Collector) SaveFinished(err error) {
	if err != nil {
		c.saveFails.Add(1)
		return
	}
	c.saves.Add(1)
}

func (c *Collector) RecordSlow(op, docID string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.slow = append(prune(c.slow, now.Add(-c.window), func(s SlowOperation) time.Time { return s.At }),
		SlowOperation{Operation: op, DocumentID: docID, DurationMs: d.Milliseconds(), At: now})
}

func (c *Collector) RecordError(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.errors = append(prune(c.errors, now.Add(-c.window), func(e ErrorEvent) time.Time { return e.At }),
		ErrorEvent{Code: code, At: now})
}

func prune[T any](items []T, cutoff time.Time, at func(T) time.Time) []T {
	i := 0
	for i < len(items) && at(items[i]).Before(cutoff) {
		i++
	}
	return items[i:]
}

type Snapshot struct {
	Connections    int64           `json:"activeConnections"`
	Rooms          int             `json:"activeRooms"`
	Messages       int64           `json:"messagesReceived"`
	Updates        int64           `json:"updatesApplied"`
	Saves          int64           `json:"saves"`
	SaveFailures   int64           `json:"saveFailures"`
	SlowOperations int             `json:"slowOperations"`
	RecentSlow     []SlowOperation `json:"recentSlowOperations"`
	RecentErrors   map[string]int  `json:"recentErrors"`
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-c.window)
	c.slow = prune(c.slow, cutoff, func(s SlowOperation) time.Time { return s.At })
	c.errors = prune(c.errors, cutoff, func(e ErrorEvent) time.Time { return e.At })

	s := Snapshot{
		Connections:    c.connections.Load(),
		Messages:       c.messages.Load(),
		Updates:        c.updates.Load(),
		Saves:          c.saves.Load(),
		SaveFailures:   c.saveFails.Load(),
		SlowOperations: len(c.slow),
		RecentSlow:     append([]SlowOperation(nil), c.slow...),
		RecentErrors:   make(map[string]int),
	}
	if c.rooms != nil {
		s.Rooms = c.rooms()
	}
	for _, e := range c.errors {
		s.RecentErrors[e.Code]++
	}
	return s
}

// Healthy is false when recent infrastructure errors or save failures suggest a
// degraded backend.
func (s Snapshot) Healthy() bool {
	total := 0
	for code, n := range s.RecentErrors {
		if degradingCodes[code] {
			total += n
		}
	}
	return total < maxRecentFailures && s.SaveFailures <= s.Saves+10
}
