// Package runlock owns the run state: whether an ingestion run is in progress
// and how the last one ended. An optional Redis lock extends the in-progress
// check across replicas.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bryan-buckman/televore/internal/ingest"
)

// ErrRunning is returned when a run is already in progress.
var ErrRunning = errors.New("runlock: a run is already in progress")

// Status of the last run.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Result describes the current or last run.
type Result struct {
	Status      Status         `json:"status"`
	RunID       string         `json:"run_id,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Inserted    int            `json:"inserted"`
	Error       string         `json:"error,omitempty"`
	Report      *ingest.Report `json:"report,omitempty"`
}

// Snapshot is a consistent copy of the run state.
type Snapshot struct {
	Running bool   `json:"running"`
	Last    Result `json:"last_result"`
}

// Locker is a lock shared with other processes.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// State tracks runs of one process. The zero value is not usable; use New.
type State struct {
	mu      sync.Mutex
	running bool
	last    Result
	locker  Locker
	logger  *zap.Logger
	now     func() time.Time
}

// New creates an idle run state. locker may be nil.
func New(locker Locker, logger *zap.Logger) *State {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &State{
		last:   Result{Status: StatusIdle},
		locker: locker,
		logger: logger,
		now:    time.Now,
	}
}

// TryStart marks a run as started. It returns ErrRunning when a run is
// already in progress here or, with a Locker, in another process.
func (s *State) TryStart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrRunning
	}
	if s.locker != nil {
		ok, err := s.locker.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("runlock: acquire: %w", err)
		}
		if !ok {
			return ErrRunning
		}
	}

	started := s.now().UTC()
	s.running = true
	s.last = Result{Status: StatusRunning, StartedAt: &started}
	return nil
}

// Finish records the result of the run started by TryStart and releases the
// lock.
func (s *State) Finish(ctx context.Context, report ingest.Report, runErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	completed := s.now().UTC()
	res := Result{
		Status:      StatusSuccess,
		RunID:       report.RunID,
		StartedAt:   s.last.StartedAt,
		CompletedAt: &completed,
		Inserted:    report.Inserted,
	}
	if report.RunID != "" {
		res.Report = &report
	}
	if runErr != nil {
		res.Status = StatusFailed
		res.Error = runErr.Error()
	}
	s.last = res
	s.running = false

	if s.locker != nil {
		if err := s.locker.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("Failed to release run lock", zap.Error(err))
		}
	}
}

// Snapshot returns the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Running: s.running, Last: s.last}
}
