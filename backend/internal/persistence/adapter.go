// Package persistence wraps the document store for the collaboration layer: bounded
// latency, store failures mapped to client error codes, and write checks at save time.
package persistence

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"collabsync/backend/internal/apperror"
	"collabsync/backend/internal/metrics"
	"collabsync/backend/internal/store"
)

type Options struct {
	LoadTimeout   time.Duration
	SaveTimeout   time.Duration
	SlowOperation time.Duration
}

func (o Options) withDefaults() Options {
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = 5 * time.Second
	}
	if o.SaveTimeout <= 0 {
		o.SaveTimeout = 10 * time.Second
	}
	if o.SlowOperation <= 0 {
		o.SlowOperation = time.Second
	}
	return o
}

type Adapter struct {
	svc     store.Service
	opts    Options
	metrics *metrics.Collector
	log     *slog.Logger
}

func NewAdapter(svc store.Service, opts Options, m *metrics.Collector, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{svc: svc, opts: opts.withDefaults(), metrics: m, log: log.With("component", "persistence")}
}

// Load returns the stored state for docID on behalf of userID.
func (a *Adapter) Load(ctx context.Context, docID, userID string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.LoadTimeout)
	defer cancel()

	start := time.Now()
	state, err := a.svc.LoadDocument(ctx, docID, userID)
	a.observe("load", docID, start)
	if err != nil {
		return nil, a.translate(err, docID, userID)
	}
	return state, nil
}

// Save writes state after confirming userID may still write the document.
func (a *Adapter) Save(ctx context.Context, docID, userID string, state []byte) error {
	ctx, cancel := context.WithTimeout(ctx, a.opts.SaveTimeout)
	defer cancel()

	start := time.Now()
	defer a.observe("save", docID, start)

	ok, err := a.svc.HasWriteAccess(ctx, docID, userID)
	if err != nil {
		return a.translate(err, docID, userID)
	}
	if !ok {
		return apperror.AccessDenied("No write access to document").
			With("documentId", docID).With("userId", userID)
	}
	if err := a.svc.SaveDocument(ctx, docID, userID, state); err != nil {
		return a.translate(err, docID, userID)
	}
	return nil
}

func (a *Adapter) HasWriteAccess(ctx context.Context, docID, userID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.LoadTimeout)
	defer cancel()

	ok, err := a.svc.HasWriteAccess(ctx, docID, userID)
	if err != nil {
		return false, a.translate(err, docID, userID)
	}
	return ok, nil
}

func (a *Adapter) observe(op, docID string, start time.Time) {
	d := time.Since(start)
	if d < a.opts.SlowOperation {
		return
	}
	a.log.Warn("slow store operation", "op", op, "documentId", docID, "duration", d)
	if a.metrics != nil {
		a.metrics.RecordSlow(op, docID, d)
	}
}

func (a *Adapter) translate(err error, docID, userID string) *apperror.Error {
	var out *apperror.Error
	switch {
	case errors.Is(err, store.ErrNotFound):
		out = apperror.NotFound("Document not found")
	case errors.Is(err, store.ErrAccessDenied):
		out = apperror.AccessDenied("Access to document denied")
	case errors.Is(err, store.ErrForbidden):
		out = apperror.AccessDenied("No write access to document")
	case errors.Is(err, context.DeadlineExceeded):
		out = apperror.Wrap(apperror.CodeDatabaseConnection, "Document store timed out", err)
	default:
		out = apperror.Classify(err, true)
		if out.Code == apperror.CodeUnknown {
			out = apperror.Wrap(apperror.CodeDatabaseConnection, "Document store unavailable", err)
		}
	}
	if out.Err == nil {
		out.Err = err
	}
	return out.With("documentId", docID).With("userId", userID)
}
