// Package ingest runs incremental ingestion of Telegram entities into the
// warehouse.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bryan-buckman/televore/internal/database"
	"github.com/bryan-buckman/televore/internal/fetch"
	"github.com/bryan-buckman/televore/internal/metrics"
	"github.com/bryan-buckman/televore/internal/model"
	"github.com/bryan-buckman/televore/internal/normalize"
	"github.com/bryan-buckman/televore/internal/telegram"
)

// DefaultLookback is the window start used when a run gives no from date.
const DefaultLookback = 365 * 24 * time.Hour

// Worker counts used when Config.Workers is 0.
const (
	// MaxWorkersPostgres is the number of entities ingested at once on PostgreSQL.
	MaxWorkersPostgres = 10
	// MaxWorkersSQLite keeps SQLite ingestion sequential due to write locking.
	MaxWorkersSQLite = 1
)

var (
	// ErrNoEntities aborts a configured run that has nothing to ingest.
	ErrNoEntities = errors.New("ingest: no entities configured")

	// ErrStorageWrite marks a batch the warehouse rejected.
	ErrStorageWrite = errors.New("ingest: storage write failed")
)

// State is the progress of one entity within a run.
type State int

// Entity states. INELIGIBLE, NO_NEW, WATERMARK_UPDATED and FAILED are terminal.
const (
	StatePending State = iota
	StateCheckingEligibility
	StateIneligible
	StateFetching
	StateFetched
	StateDeduping
	StateNoNew
	StateInserting
	StateWatermarkUpdated
	StateFailed
)

var stateNames = [...]string{
	StatePending:             "PENDING",
	StateCheckingEligibility: "CHECKING_ELIGIBILITY",
	StateIneligible:          "INELIGIBLE",
	StateFetching:            "FETCHING",
	StateFetched:             "FETCHED",
	StateDeduping:            "DEDUPING",
	StateNoNew:               "NO_NEW",
	StateInserting:           "INSERTING",
	StateWatermarkUpdated:    "WATERMARK_UPDATED",
	StateFailed:              "FAILED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText renders the state name in JSON reports.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("ingest: unknown state %q", text)
}

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	switch s {
	case StateIneligible, StateNoNew, StateWatermarkUpdated, StateFailed:
		return true
	default:
		return false
	}
}

// Window bounds a run. Nil bounds are open.
type Window struct {
	From *time.Time
	To   *time.Time
}

// Outcome is the result of processing one entity.
type Outcome struct {
	EntityID  string     `json:"entity_id"`
	State     State      `json:"state"`
	Fetched   int        `json:"fetched"`
	Inserted  int        `json:"inserted"`
	Watermark *time.Time `json:"watermark,omitempty"`
	Err       error      `json:"-"`
	Error     string     `json:"error,omitempty"`
}

// Report summarizes a run.
type Report struct {
	RunID          string          `json:"run_id"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    time.Time       `json:"completed_at"`
	Inserted       int             `json:"inserted"`
	Outcomes       []Outcome       `json:"outcomes"`
	Discovery      DiscoveryResult `json:"discovery"`
	DiscoveryError string          `json:"discovery_error,omitempty"`
}

// Fetcher retrieves raw messages for one entity.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) ([]model.RawMessage, error)
}

// Config tunes an Engine.
type Config struct {
	// Workers is the number of entities processed at once. 1 is sequential and
	// 0 picks a count suited to the store.
	Workers int
	// Discovery enables the discovery pass after each run.
	Discovery bool
	// SeedEntities are ingested by RunConfigured in addition to tracked entities.
	SeedEntities []string
	// DefaultLookback sets the from date of RunConfigured when none is given.
	DefaultLookback time.Duration
}

// Engine runs ingestion over a set of entities.
type Engine struct {
	store       database.Store
	eligibility *Eligibility
	fetcher     Fetcher
	dedup       *DedupGate
	watermarks  *Watermarks
	discovery   *Discovery
	cfg         Config
	logger      *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

// NewEngine wires the ingestion pipeline.
func NewEngine(
	store database.Store,
	resolver telegram.Resolver,
	fetcher Fetcher,
	throttle *fetch.Throttle,
	cfg Config,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = MaxWorkersSQLite
		if store.SupportsHighConcurrency() {
			cfg.Workers = MaxWorkersPostgres
		}
	}
	if cfg.DefaultLookback <= 0 {
		cfg.DefaultLookback = DefaultLookback
	}

	e := &Engine{
		store:       store,
		eligibility: NewEligibility(resolver, throttle, logger),
		fetcher:     fetcher,
		dedup:       NewDedupGate(store),
		watermarks:  NewWatermarks(store),
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		now:         time.Now,
	}
	e.discovery = &Discovery{
		store:       store,
		eligibility: e.eligibility,
		watermarks:  e.watermarks,
		logger:      logger,
		bootstrap: func(ctx context.Context, id string) Outcome {
			return e.processEntity(ctx, id, Window{}, false)
		},
	}
	return e
}

// Discovery returns the discovery pass used after runs.
func (e *Engine) Discovery() *Discovery {
	return e.discovery
}

// RunConfigured ingests every tracked entity plus the configured seeds. Missing
// window bounds default to the lookback period ending now.
func (e *Engine) RunConfigured(ctx context.Context, window Window) (Report, error) {
	tracked, err := e.store.ListEntityIDs(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("load entities: %w", err)
	}
	entities := uniqueIDs(append(tracked, e.cfg.SeedEntities...))
	if len(entities) == 0 {
		return Report{}, ErrNoEntities
	}

	now := e.now().UTC()
	if window.To == nil {
		window.To = &now
	}
	if window.From == nil {
		from := now.Add(-e.cfg.DefaultLookback)
		window.From = &from
	}
	return e.Run(ctx, window, entities)
}

// Run ingests entities over window and then runs discovery once. Failures of
// single entities are logged and recorded in the report without stopping the
// run. An empty entity list returns immediately without touching the warehouse.
func (e *Engine) Run(ctx context.Context, window Window, entities []string) (Report, error) {
	report := Report{RunID: uuid.NewString(), StartedAt: e.now().UTC()}
	entities = uniqueIDs(entities)
	if len(entities) == 0 {
		report.CompletedAt = report.StartedAt
		return report, nil
	}

	logger := e.logger.With(zap.String("run_id", report.RunID))
	logger.Info("Starting ingestion run",
		zap.Int("entities", len(entities)),
		zap.Int("workers", e.cfg.Workers),
		zap.Timep("from", window.From),
		zap.Timep("to", window.To),
	)
	e.metrics.RunStarted()

	report.Outcomes = make([]Outcome, len(entities))
	var runErr error
	if e.cfg.Workers == 1 {
		runErr = e.runSequential(ctx, window, entities, report.Outcomes)
	} else {
		runErr = e.runParallel(ctx, window, entities, report.Outcomes)
	}

	for i, out := range report.Outcomes {
		if out.EntityID == "" {
			report.Outcomes[i] = Outcome{EntityID: entities[i], State: StatePending}
		}
		report.Inserted += out.Inserted
	}

	if runErr == nil && e.cfg.Discovery {
		res, err := e.discovery.Run(ctx, entities...)
		report.Discovery = res
		report.Inserted += res.Inserted
		e.metrics.Discovered(len(res.Registered))
		if err != nil {
			report.DiscoveryError = err.Error()
			logger.Error("Discovery failed", zap.Error(err))
		}
	}

	report.CompletedAt = e.now().UTC()
	status := "success"
	if runErr != nil {
		status = "failed"
	}
	e.metrics.RunFinished(status, report.CompletedAt.Sub(report.StartedAt))
	logger.Info("Ingestion run finished",
		zap.String("status", status),
		zap.Int("inserted", report.Inserted),
		zap.Int("discovered", len(report.Discovery.Registered)),
		zap.Duration("elapsed", report.CompletedAt.Sub(report.StartedAt)),
	)
	return report, runErr
}

// runSequential processes one entity at a time, stopping at the next entity
// boundary once ctx is done.
func (e *Engine) runSequential(ctx context.Context, window Window, entities []string, outcomes []Outcome) error {
	for i, id := range entities {
		if err := ctx.Err(); err != nil {
			e.logger.Warn("Run cancelled", zap.Int("processed", i), zap.Int("total", len(entities)))
			return err
		}
		outcomes[i] = e.processEntity(ctx, id, window, true)

		if (i+1)%progressEvery == 0 {
			e.logger.Info("Run progress", zap.Int("processed", i+1), zap.Int("total", len(entities)))
		}
	}
	return nil
}

const progressEvery = 50

// runParallel processes distinct entities on a bounded worker pool.
func (e *Engine) runParallel(ctx context.Context, window Window, entities []string, outcomes []Outcome) error {
	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for i, id := range entities {
		i, id := i, id
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			outcomes[i] = e.processEntity(ctx, id, window, true)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

// processEntity drives one entity through the state machine.
func (e *Engine) processEntity(ctx context.Context, id string, window Window, checkEligibility bool) Outcome {
	unlock := e.watermarks.Lock(id)
	defer unlock()

	out := Outcome{EntityID: id, State: StatePending}
	fail := func(err error) Outcome {
		out.State = StateFailed
		out.Err = err
		out.Error = err.Error()
		return e.finish(out)
	}

	if checkEligibility {
		out.State = StateCheckingEligibility
		if !e.eligibility.Check(ctx, id) {
			out.State = StateIneligible
			return e.finish(out)
		}
	}

	out.State = StateFetching
	watermark, err := e.watermarks.Get(ctx, id)
	if err != nil {
		return fail(err)
	}
	raw, err := e.fetcher.Fetch(ctx, fetch.Request{
		EntityID:  id,
		Watermark: watermark,
		From:      window.From,
		To:        window.To,
	})
	if err != nil {
		return fail(err)
	}

	out.State = StateFetched
	out.Fetched = len(raw)
	insertTime := e.now()
	batch := make([]model.Message, 0, len(raw))
	for _, r := range raw {
		batch = append(batch, normalize.Message(r, id, insertTime))
	}

	// A fetched batch is always written through, even when the run is cancelled.
	wctx := context.WithoutCancel(ctx)

	out.State = StateDeduping
	fresh, err := e.dedup.Filter(wctx, batch)
	if err != nil {
		return fail(err)
	}

	if len(fresh) == 0 {
		out.State = StateNoNew
		if err := e.watermarks.Upsert(wctx, id, batch); err != nil {
			return fail(err)
		}
		out.Watermark = newestPtr(batch)
		return e.finish(out)
	}

	out.State = StateInserting
	inserted, err := e.store.AppendMessages(wctx, fresh)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrStorageWrite, err))
	}
	out.Inserted = inserted
	e.metrics.Inserted(inserted)

	if err := e.watermarks.Upsert(wctx, id, batch); err != nil {
		return fail(err)
	}
	out.State = StateWatermarkUpdated
	out.Watermark = newestPtr(batch)
	return e.finish(out)
}

func (e *Engine) finish(out Outcome) Outcome {
	fields := []zap.Field{
		zap.String("entity", out.EntityID),
		zap.Stringer("state", out.State),
		zap.Int("fetched", out.Fetched),
		zap.Int("inserted", out.Inserted),
	}
	if out.Watermark != nil {
		fields = append(fields, zap.Time("watermark", *out.Watermark))
	}
	if out.Err != nil {
		e.logger.Error("Entity ingestion failed", append(fields, zap.Error(out.Err))...)
	} else {
		e.logger.Info("Entity processed", fields...)
	}
	e.metrics.EntityOutcome(out.State.String())
	return out
}

func newestPtr(batch []model.Message) *time.Time {
	t, ok := Newest(batch)
	if !ok {
		return nil
	}
	return &t
}

// uniqueIDs drops blanks and repeated ids, keeping first occurrences in order.
func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
