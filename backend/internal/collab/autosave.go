package collab

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

type SchedulerOptions struct {
	// Tick is how often dirty rooms are looked at.
	Tick time.Duration
	// SaveInterval is the minimum time between two saves of a room.
	SaveInterval time.Duration
	// Parallelism bounds concurrent saves within one sweep.
	Parallelism int
	SaveTimeout time.Duration
}

// Scheduler periodically saves dirty rooms. Sweeps never overlap: a tick that fires
// while the previous sweep is still saving is skipped, and the running saves are left
// to finish.
type Scheduler struct {
	reg  *Registry
	opts SchedulerOptions
	log  *slog.Logger

	started atomic.Bool
	running atomic.Bool
	skipped atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	sweeps   sync.WaitGroup
}

func NewScheduler(reg *Registry, opts SchedulerOptions, log *slog.Logger) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = 5 * time.Second
	}
	if opts.SaveInterval <= 0 {
		opts.SaveInterval = 30 * time.Second
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 8
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		reg:  reg,
		opts: opts,
		log:  log.With("component", "autosave"),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	if s.started.CompareAndSwap(false, true) {
		go s.loop()
	}
}

func (s *Scheduler) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if !s.running.CompareAndSwap(false, true) {
				s.skipped.Add(1)
				s.log.Debug("previous sweep still running, skipping tick")
				continue
			}
			s.sweeps.Add(1)
			go func() {
				defer s.sweeps.Done()
				defer s.running.Store(false)
				s.sweep()
			}()
		}
	}
}

// Stop ends the ticker and waits for an in-flight sweep.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	if s.started.Load() {
		<-s.done
	}
	s.sweeps.Wait()
}

// Skipped counts ticks dropped because a sweep was still running.
func (s *Scheduler) Skipped() int64 { return s.skipped.Load() }

// SweepNow runs one sweep synchronously unless another is in progress. It reports
// whether the sweep ran.
func (s *Scheduler) SweepNow() bool {
	if !s.running.CompareAndSwap(false, true) {
		return false
	}
	defer s.running.Store(false)
	s.sweep()
	return true
}

// sweep saves due rooms. A failure leaves that room dirty for the next sweep and
// does not affect the others.
func (s *Scheduler) sweep() {
	rooms := s.reg.Rooms()
	if len(rooms) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(s.opts.Parallelism)
	for _, room := range rooms {
		g.Go(func() error {
			defer func() {
				if rec := recover(); rec != nil {
					s.log.Error("autosave panicked", "docId", room.docID, "panic", rec)
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.SaveTimeout)
			defer cancel()
			res, err := room.autosave(ctx, s.reg.saver, s.opts.SaveInterval, s.reg.now)
			s.reg.observeSave(res, err)
			if err != nil {
				s.log.Warn("autosave failed", "docId", room.docID, "userId", res.userID, "version", res.version, "err", err)
				return nil
			}
			if res.saved {
				s.log.Debug("autosaved", "docId", room.docID, "version", res.version, "bytes", res.size)
				s.reg.publishSaved(room, res)
			}
			return nil
		})
	}
	_ = g.Wait()
}
