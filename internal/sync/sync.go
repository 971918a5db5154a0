// Package sync periodically snapshots the persisted transaction state to
// backup destinations.
package sync

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/conveyance/internal/store"
)

// Destination is the interface for a sync target.
type Destination interface {
	// Write sends the JSONL payload to the destination.
	Write(ctx context.Context, data []byte) error
}

// Status describes the outcome of the most recent sync.
type Status struct {
	LastRun   time.Time `json:"lastRun,omitempty"`
	LastBytes int       `json:"lastBytes"`
	Failures  int       `json:"failures"`
	LastError string    `json:"lastError,omitempty"`
}

// Scheduler runs periodic syncs to one or more destinations.
type Scheduler struct {
	store        store.Store
	destinations []Destination
	interval     time.Duration
	logger       *slog.Logger

	trigger chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	status Status
}

// NewScheduler creates a scheduler that exports from the store to the given
// destinations at the specified interval.
func NewScheduler(s store.Store, destinations []Destination, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:        s,
		destinations: destinations,
		interval:     interval,
		logger:       logger,
		trigger:      make(chan struct{}, 1),
	}
}

// Start begins periodic sync. It runs an initial sync immediately, then
// on each tick and whenever Trigger is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop cancels the scheduler and waits for the current sync (if any) to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Trigger requests an out-of-band sync, e.g. right after a platform reset.
// Requests made while one is already queued are coalesced.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Status returns the outcome of the most recent sync.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Scheduler) run(ctx context.Context) {
	s.SyncOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SyncOnce(ctx)
		case <-s.trigger:
			s.SyncOnce(ctx)
		}
	}
}

// SyncOnce exports the store and writes it to every destination. A failing
// destination does not stop the others.
func (s *Scheduler) SyncOnce(ctx context.Context) error {
	var buf bytes.Buffer
	if err := ExportJSONL(ctx, s.store, &buf); err != nil {
		s.logger.Error("sync export failed", "err", err)
		s.record(0, 1, err)
		return fmt.Errorf("export: %w", err)
	}
	data := buf.Bytes()

	var failures int
	var firstErr error
	for i, dest := range s.destinations {
		if err := dest.Write(ctx, data); err != nil {
			s.logger.Error("sync destination write failed", "destination", fmt.Sprintf("%d", i), "err", err)
			failures++
			if firstErr == nil {
				firstErr = fmt.Errorf("destination %d: %w", i, err)
			}
		}
	}
	s.record(len(data), failures, firstErr)

	s.logger.Info("sync completed", "destinations", len(s.destinations), "failures", failures, "bytes", len(data))
	return firstErr
}

func (s *Scheduler) record(n, failures int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = Status{LastRun: time.Now().UTC(), LastBytes: n, Failures: failures}
	if err != nil {
		s.status.LastError = err.Error()
	}
}
