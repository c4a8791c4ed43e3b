package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/counter-ingest-worker/internal/anomaly"
	"github.com/septivank/counter-ingest-worker/internal/config"
	"github.com/septivank/counter-ingest-worker/internal/db"
	"github.com/septivank/counter-ingest-worker/internal/logging"
	"github.com/septivank/counter-ingest-worker/internal/parser"
	"github.com/septivank/counter-ingest-worker/internal/repository"
	"github.com/septivank/counter-ingest-worker/internal/scrape"
	"github.com/septivank/counter-ingest-worker/internal/transport"
	"github.com/septivank/counter-ingest-worker/internal/validator"
	"go.uber.org/zap"
)

// Store is the persistence the pipeline needs
type Store interface {
	InTx(ctx context.Context, commit bool, fn func(repository.Querier) error) error
	ReadCursor(ctx context.Context) (*db.Cursor, error)
	StartRun(ctx context.Context, run *db.RunAttempt) error
	FinishRun(ctx context.Context, run *db.RunAttempt) error
	AppendItemOutcome(ctx context.Context, o db.ItemOutcome) error
}

// Locker is a non-blocking named lock
type Locker interface {
	TryAcquire(ctx context.Context, name string) (bool, error)
	Release(ctx context.Context, name string) error
}

// RowSource yields the rows of the HTML page
type RowSource interface {
	Fetch(ctx context.Context) ([]scrape.Row, error)
}

// Notifier receives the finalized run
type Notifier interface {
	PublishRun(ctx context.Context, run *db.RunAttempt) error
}

// Recorder exports run metrics
type Recorder interface {
	ObserveRun(run *db.RunAttempt)
	Push(ctx context.Context) error
}

const afterRunTimeout = 5 * time.Second

// Pipeline runs one ingestion pass for a source
type Pipeline struct {
	store     Store
	locker    Locker
	dialer    transport.Dialer
	rows      RowSource
	notifier  Notifier
	recorder  Recorder
	detector  *anomaly.Detector
	validator *validator.Validator
	matcher   *parser.FilenameMatcher
	cfg       config.PipelineConfig
	baseDir   string
	logger    *zap.Logger
	now       func() time.Time
}

// NewPipeline creates a pipeline. dialer and rows may be nil when the matching
// source is not used; nil notifier and recorder disable those side channels.
func NewPipeline(
	store Store,
	locker Locker,
	dialer transport.Dialer,
	rows RowSource,
	notifier Notifier,
	recorder Recorder,
	detector *anomaly.Detector,
	validator *validator.Validator,
	cfg *config.Config,
	logger *zap.Logger,
) *Pipeline {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &Pipeline{
		store:     store,
		locker:    locker,
		dialer:    dialer,
		rows:      rows,
		notifier:  notifier,
		recorder:  recorder,
		detector:  detector,
		validator: validator,
		matcher:   parser.NewFilenameMatcher(cfg.SFTP.FilePrefix),
		cfg:       cfg.Pipeline,
		baseDir:   cfg.SFTP.BaseDir,
		logger:    logger,
		now:       time.Now,
	}
}

// runState carries the bookkeeping of one invocation
type runState struct {
	run      *db.RunAttempt
	log      *zap.Logger
	message  map[string]any
	attempts []time.Duration
}

func (rs *runState) note(key string, value any) {
	rs.message[key] = value
}

// workItem is one eligible file or row. do must not observe cancellation.
type workItem struct {
	key string
	do  func(ctx context.Context, log *zap.Logger) db.ItemOutcome
}

// Run executes one pass. The returned run is the row written to the audit log.
// An error is returned only for fatal conditions; lock denial, timeouts and
// per-item failures are reported through the run itself.
func (p *Pipeline) Run(ctx context.Context, source string) (*db.RunAttempt, error) {
	if err := p.checkSource(source); err != nil {
		return nil, err
	}

	run := &db.RunAttempt{
		ID:        uuid.New(),
		Source:    source,
		State:     db.StateIdle,
		DryRun:    p.cfg.DryRun,
		StartedAt: p.now().UTC(),
	}
	rs := &runState{
		run:     run,
		log:     logging.WithRun(p.logger, run.ID.String(), source),
		message: map[string]any{},
	}
	rs.log.Info("ingestion run starting", zap.Bool("dry_run", run.DryRun), zap.String("lock", p.cfg.LockName))

	// Audit writes and per-item work outlive a cancelled run context so the
	// current item can finish and the run is always recorded.
	bg := context.WithoutCancel(ctx)

	run.State = db.StateLockAcquiring
	if err := p.store.StartRun(ctx, run); err != nil {
		rs.log.Error("failed to record run start", zap.Error(err))
		return run, fmt.Errorf("failed to start run: %w", err)
	}

	acquired, err := p.locker.TryAcquire(ctx, p.cfg.LockName)
	if err != nil {
		rs.log.Error("lock acquisition failed", zap.Error(err))
		rs.note("error", err.Error())
		return run, p.finalize(bg, rs, err)
	}
	if !acquired {
		run.State = db.StateLockDenied
		run.OK = true
		rs.note("reason", "already running")
		rs.log.Info("another run holds the lock, exiting")
		return run, p.finalize(bg, rs, nil)
	}
	run.State = db.StateLocked

	var runErr error
	func() {
		defer p.release(bg, rs)
		runErr = p.process(ctx, bg, rs)
	}()

	if runErr == nil {
		run.State = db.StateLockReleased
	}
	return run, p.finalize(bg, rs, runErr)
}

func (p *Pipeline) checkSource(source string) error {
	switch source {
	case config.SourceSFTP:
		if p.dialer == nil {
			return fmt.Errorf("source %q is not configured", source)
		}
	case config.SourceHTML:
		if p.rows == nil {
			return fmt.Errorf("source %q is not configured", source)
		}
	default:
		return fmt.Errorf("unknown source %q", source)
	}
	return nil
}

func (p *Pipeline) process(ctx, bg context.Context, rs *runState) error {
	if rs.run.Source == config.SourceHTML {
		return p.runHTML(ctx, bg, rs)
	}
	return p.runSFTP(ctx, bg, rs)
}

func (p *Pipeline) release(ctx context.Context, rs *runState) {
	if err := p.locker.Release(ctx, p.cfg.LockName); err != nil {
		rs.log.Warn("failed to release lock", zap.Error(err))
		rs.note("lock_release_error", err.Error())
		return
	}
	rs.log.Debug("lock released")
}

// processItems runs the batch in order. Cancellation and the time budget are
// checked only before an item starts.
func (p *Pipeline) processItems(ctx, bg context.Context, rs *runState, items []workItem) {
	run := rs.run
	run.State = db.StateProcessing

	batch := items
	if len(batch) > p.cfg.BatchSize {
		batch = batch[:p.cfg.BatchSize]
	}

	done := 0
	for _, item := range batch {
		if ctx.Err() != nil {
			rs.note("stopped", "cancelled")
			rs.log.Warn("run cancelled, stopping before next item", zap.Int("remaining", len(batch)-done))
			break
		}
		if p.outOfTime(rs) {
			run.TimedOut = true
			rs.note("stopped", "timeout")
			rs.log.Warn("time budget reached, stopping before next item",
				zap.Duration("elapsed", p.now().Sub(run.StartedAt)),
				zap.Duration("budget", p.cfg.RunTimeout),
				zap.Int("remaining", len(batch)-done),
			)
			break
		}

		log := logging.WithItem(rs.log, item.key)
		start := p.now()
		outcome := item.do(bg, log)
		outcome.Duration = p.now().Sub(start)
		rs.attempts = append(rs.attempts, outcome.Duration)

		p.recordOutcome(bg, rs, log, outcome)
		done++
	}

	run.Processed = done
	run.Unprocessed = len(items) - done
	if run.Unprocessed > 0 {
		left := make([]string, 0, run.Unprocessed)
		for _, item := range items[done:] {
			left = append(left, item.key)
		}
		rs.note("unprocessed", left)
	}
}

// outOfTime reports whether starting another item would cross the budget,
// using the mean duration of the items done so far as the estimate
func (p *Pipeline) outOfTime(rs *runState) bool {
	elapsed := p.now().Sub(rs.run.StartedAt)
	if elapsed >= p.cfg.RunTimeout {
		return true
	}
	if len(rs.attempts) == 0 {
		return false
	}
	var total time.Duration
	for _, d := range rs.attempts {
		total += d
	}
	mean := total / time.Duration(len(rs.attempts))
	return elapsed+mean > p.cfg.RunTimeout
}

func (p *Pipeline) recordOutcome(ctx context.Context, rs *runState, log *zap.Logger, o db.ItemOutcome) {
	run := rs.run
	o.RunID = run.ID

	switch o.Status {
	case db.ItemInserted:
		run.Inserted++
	case db.ItemUpdated:
		run.Updated++
	case db.ItemDuplicate:
		run.Duplicates++
	case db.ItemSkippedNonMatching:
		run.SkippedNonMatching++
	case db.ItemSkipped:
		run.Skipped++
	case db.ItemError:
		run.Errored++
	}

	fields := []zap.Field{
		zap.String("status", o.Status),
		zap.Int64("rows_affected", o.RowsAffected),
		zap.Duration("duration", o.Duration),
	}
	if o.Reason != "" {
		fields = append(fields, zap.String("reason", o.Reason))
	}
	switch o.Status {
	case db.ItemError:
		log.Error("item failed", append(fields, zap.String("error", o.Error))...)
	case db.ItemSkippedNonMatching:
		log.Debug("item skipped", fields...)
	default:
		log.Info("item done", fields...)
	}

	if err := p.store.AppendItemOutcome(ctx, o); err != nil {
		log.Warn("failed to record item outcome", zap.Error(err))
	}
}

// persist writes rec in its own transaction. With dedupe set an existing
// identity is a no-op; otherwise the row is merged. With advance set the
// cursor moves in the same transaction.
func (p *Pipeline) persist(ctx context.Context, rec *db.CounterRecord, dedupe, advance bool) (db.ItemOutcome, error) {
	var out db.ItemOutcome

	err := p.store.InTx(ctx, !p.cfg.DryRun, func(q repository.Querier) error {
		if dedupe {
			exists, err := q.ExistsByIdentity(ctx, rec.MACNorm, rec.Timestamp)
			if err != nil {
				return err
			}
			if exists {
				out.Status = db.ItemDuplicate
				return nil
			}
		}

		row := *rec
		if row.TotalPages != nil && p.detector != nil {
			history, err := q.RecentTotals(ctx, row.MACNorm, row.Timestamp, p.detector.HistoryLimit())
			if err != nil {
				return err
			}
			if flagged, reason := p.detector.DetectAnomaly(*row.TotalPages, history); flagged {
				row.AnomalyReason = &reason
				out.Reason = "anomaly: " + reason
			}
		}

		inserted, err := q.Upsert(ctx, &row)
		if err != nil {
			return err
		}
		out.Status = db.ItemUpdated
		if inserted {
			out.Status = db.ItemInserted
		}
		out.RowsAffected = 1

		if advance {
			if _, err := q.AdvanceCursor(ctx, row.Timestamp, row.MACNorm); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return db.ItemOutcome{}, err
	}
	return out, nil
}

// finalize stamps the terminal outcome, writes it and notifies side channels
func (p *Pipeline) finalize(ctx context.Context, rs *runState, runErr error) error {
	run := rs.run
	finished := p.now().UTC()
	run.FinishedAt = &finished

	if runErr != nil {
		run.OK = false
		if _, ok := rs.message["error"]; !ok {
			rs.note("error", runErr.Error())
		}
	} else if run.State != db.StateLockDenied {
		run.OK = run.Errored == 0 && (run.Processed > 0 || run.Eligible == 0)
	}

	if p.cfg.DryRun {
		rs.note("dry_run", true)
	}
	msg, err := json.Marshal(rs.message)
	if err != nil {
		msg = []byte(`{}`)
	}
	run.Message = msg

	fields := []zap.Field{
		zap.String("state", string(run.State)),
		zap.Bool("ok", run.OK),
		zap.Int("seen", run.Seen),
		zap.Int("eligible", run.Eligible),
		zap.Int("processed", run.Processed),
		zap.Int("inserted", run.Inserted),
		zap.Int("updated", run.Updated),
		zap.Int("duplicates", run.Duplicates),
		zap.Int("skipped_non_matching", run.SkippedNonMatching),
		zap.Int("skipped", run.Skipped),
		zap.Int("errored", run.Errored),
		zap.Int("unprocessed", run.Unprocessed),
		zap.Bool("timed_out", run.TimedOut),
		zap.Duration("duration", finished.Sub(run.StartedAt)),
	}
	if runErr != nil {
		rs.log.Error("ingestion run failed", append(fields, zap.Error(runErr))...)
	} else {
		rs.log.Info("ingestion run finished", fields...)
	}

	var finishErr error
	if err := p.store.FinishRun(ctx, run); err != nil {
		rs.log.Error("failed to record run outcome", zap.Error(err))
		finishErr = fmt.Errorf("failed to record run outcome: %w", err)
	}

	p.afterRun(ctx, rs)

	return errors.Join(runErr, finishErr)
}

// afterRun publishes the run event and pushes metrics, best-effort
func (p *Pipeline) afterRun(ctx context.Context, rs *runState) {
	ctx, cancel := context.WithTimeout(ctx, afterRunTimeout)
	defer cancel()

	if err := p.notifier.PublishRun(ctx, rs.run); err != nil {
		rs.log.Warn("failed to publish run event", zap.Error(err))
	}

	p.recorder.ObserveRun(rs.run)
	if err := p.recorder.Push(ctx); err != nil {
		rs.log.Warn("failed to push metrics", zap.Error(err))
	}
}
