package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabsync/backend/internal/apperror"
	"collabsync/backend/internal/metrics"
	"collabsync/backend/internal/store"
)

type fakeStore struct {
	mu      sync.Mutex
	state   map[string][]byte
	writers map[string]bool
	loadErr error
	delay   time.Duration
	saves   int
}

func (f *fakeStore) LoadDocument(ctx context.Context, docID, userID string) ([]byte, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.state[docID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) SaveDocument(_ context.Context, docID, userID string, state []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.writers[userID] {
		return store.ErrForbidden
	}
	f.state[docID] = state
	f.saves++
	return nil
}

func (f *fakeStore) HasWriteAccess(_ context.Context, docID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.state[docID]; !ok {
		return false, store.ErrNotFound
	}
	return f.writers[userID], nil
}

func newFake() *fakeStore {
	return &fakeStore{
		state:   map[string][]byte{"doc-1": []byte("s0")},
		writers: map[string]bool{"alice": true},
	}
}

func codeOf(t *testing.T, err error) apperror.Code {
	t.Helper()
	var appErr *apperror.Error
	require.True(t, errors.As(err, &appErr), "got %v", err)
	return appErr.Code
}

func TestLoadMapsStoreErrors(t *testing.T) {
	fs := newFake()
	a := NewAdapter(fs, Options{}, nil, nil)

	state, err := a.Load(context.Background(), "doc-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("s0"), state)

	_, err = a.Load(context.Background(), "missing", "alice")
	assert.Equal(t, apperror.CodeDocumentNotFound, codeOf(t, err))

	fs.loadErr = store.ErrAccessDenied
	_, err = a.Load(context.Background(), "doc-1", "bob")
	assert.Equal(t, apperror.CodeAccessDenied, codeOf(t, err))

	fs.loadErr = &mysql.MySQLError{Number: 2006, Message: "server has gone away"}
	_, err = a.Load(context.Background(), "doc-1", "alice")
	assert.Equal(t, apperror.CodeDatabaseConnection, codeOf(t, err))

	fs.loadErr = errors.New("something odd")
	_, err = a.Load(context.Background(), "doc-1", "alice")
	assert.Equal(t, apperror.CodeDatabaseConnection, codeOf(t, err))
}

func TestLoadTimesOut(t *testing.T) {
	fs := newFake()
	fs.delay = time.Second
	a := NewAdapter(fs, Options{LoadTimeout: 20 * time.Millisecond}, nil, nil)

	_, err := a.Load(context.Background(), "doc-1", "alice")
	assert.Equal(t, apperror.CodeDatabaseConnection, codeOf(t, err))
}

func TestSaveChecksWriteAccess(t *testing.T) {
	fs := newFake()
	a := NewAdapter(fs, Options{}, nil, nil)

	err := a.Save(context.Background(), "doc-1", "bob", []byte("s1"))
	assert.Equal(t, apperror.CodeAccessDenied, codeOf(t, err))
	assert.Zero(t, fs.saves)

	require.NoError(t, a.Save(context.Background(), "doc-1", "alice", []byte("s1")))
	assert.Equal(t, []byte("s1"), fs.state["doc-1"])

	// access revoked between joins and the save
	fs.writers["alice"] = false
	err = a.Save(context.Background(), "doc-1", "alice", []byte("s2"))
	assert.Equal(t, apperror.CodeAccessDenied, codeOf(t, err))
	assert.Equal(t, []byte("s1"), fs.state["doc-1"])
}

func TestSlowOperationsRecorded(t *testing.T) {
	fs := newFake()
	fs.delay = 15 * time.Millisecond
	m := metrics.NewCollector()
	a := NewAdapter(fs, Options{SlowOperation: 5 * time.Millisecond}, m, nil)

	_, err := a.Load(context.Background(), "doc-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Snapshot().SlowOperations)
}
