package collab

import (
	"context"
	"errors"
)

const DefaultSemaphoreSize = 100

var (
	ErrAcquireTimeout  = errors.New("collab: semaphore acquire timed out")
	ErrReleaseUnderrun = errors.New("collab: release without acquire")
)

// SemaphoreControl bounds concurrent access to a backing service.
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(size int) *SemaphoreControl {
	if size <= 0 {
		size = DefaultSemaphoreSize
	}
	return &SemaphoreControl{ch: make(chan struct{}, size)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrAcquireTimeout
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrReleaseUnderrun
	}
}

func (s *SemaphoreControl) InUse() int { return len(s.ch) }
