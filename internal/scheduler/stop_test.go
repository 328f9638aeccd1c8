//nolint:testpackage // The job body is only reachable from inside the package
package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/televore/internal/ingest"
	"github.com/bryan-buckman/televore/internal/runlock"
)

// waitingRunner blocks until its context is done.
type waitingRunner struct {
	started chan struct{}
}

func (w *waitingRunner) RunConfigured(ctx context.Context, _ ingest.Window) (ingest.Report, error) {
	close(w.started)
	<-ctx.Done()
	return ingest.Report{}, ctx.Err()
}

func TestStopCancelsScheduledRun(t *testing.T) {
	t.Parallel()

	runner := &waitingRunner{started: make(chan struct{})}
	state := runlock.New(nil, nil)
	s, err := New("0 0 1 1 *", runner, state, 0, nil)
	require.NoError(t, err)
	s.Start()

	done := make(chan struct{})
	go func() {
		s.runScheduled()
		close(done)
	}()
	<-runner.started

	require.NoError(t, s.Stop())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled run was not cancelled by Stop")
	}

	last := state.Snapshot().Last
	assert.Equal(t, runlock.StatusFailed, last.Status)
	assert.ErrorIs(t, s.baseCtx.Err(), context.Canceled)
}
