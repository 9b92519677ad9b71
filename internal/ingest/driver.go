package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/neocraft/trilium/internal/syncupdate"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	defaultMaxAttempts   = 3
	defaultBaseDelay     = 100 * time.Millisecond
	defaultMaxDelay      = 5 * time.Second
	defaultJitterPercent = 10

	// OutcomeFailed marks a record whose reconciliation returned an error.
	OutcomeFailed = "failed"
)

var errMissingReconciler = errors.New("ingest: reconciler is required")

// Reconciler applies one typed record. *syncupdate.Engine satisfies it.
type Reconciler interface {
	UpdateNote(ctx context.Context, note syncupdate.Note, links []syncupdate.Link, sourceID syncupdate.SourceID) (syncupdate.Outcome, error)
	UpdateNoteTree(ctx context.Context, tree syncupdate.NoteTree, sourceID syncupdate.SourceID) (syncupdate.Outcome, error)
	UpdateNoteHistory(ctx context.Context, history syncupdate.NoteHistory, sourceID syncupdate.SourceID) (syncupdate.Outcome, error)
	UpdateNoteReordering(ctx context.Context, reordering syncupdate.NoteReordering, sourceID syncupdate.SourceID) (syncupdate.Outcome, error)
	UpdateOption(ctx context.Context, option syncupdate.Option, sourceID syncupdate.SourceID) (syncupdate.Outcome, error)
	UpdateRecentNote(ctx context.Context, recent syncupdate.RecentNote, sourceID syncupdate.SourceID) (syncupdate.Outcome, error)
}

// ReplicaRecorder remembers which replicas delivered batches.
type ReplicaRecorder interface {
	Touch(ctx context.Context, sourceID string) error
}

// Notifier is told about every accepted record.
type Notifier interface {
	NotifyAccepted(sourceID syncupdate.SourceID, outcome syncupdate.Outcome)
}

// RetryConfig bounds caller-side retries of storage failures.
type RetryConfig struct {
	// MaxAttempts counts the first try.
	MaxAttempts   uint64
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent uint64
}

// DefaultRetryConfig returns the retry bounds used when none are configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   defaultMaxAttempts,
		BaseDelay:     defaultBaseDelay,
		MaxDelay:      defaultMaxDelay,
		JitterPercent: defaultJitterPercent,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	defaults := DefaultRetryConfig()
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaults.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaults.MaxDelay
	}
	return c
}

func (c RetryConfig) backoff() retry.Backoff {
	backoff := retry.NewExponential(c.BaseDelay)
	backoff = retry.WithMaxRetries(c.MaxAttempts-1, backoff)
	backoff = retry.WithCappedDuration(c.MaxDelay, backoff)
	if c.JitterPercent > 0 {
		backoff = retry.WithJitterPercent(c.JitterPercent, backoff)
	}
	return backoff
}

// DriverConfig describes the collaborators of a Driver.
type DriverConfig struct {
	Reconciler Reconciler
	Replicas   ReplicaRecorder
	Notifier   Notifier
	Retry      RetryConfig
	Logger     *zap.Logger
}

// Driver feeds batches into a Reconciler one record at a time.
type Driver struct {
	mu         sync.Mutex
	reconciler Reconciler
	replicas   ReplicaRecorder
	notifier   Notifier
	retry      RetryConfig
	logger     *zap.Logger
}

// Result reports the fate of one record of a batch.
type Result struct {
	Index      int    `json:"index"`
	EntityName string `json:"entity_name"`
	EntityID   string `json:"entity_id,omitempty"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
}

// Failed reports whether the record could not be reconciled.
func (r Result) Failed() bool {
	return r.Outcome == OutcomeFailed
}

// NewDriver validates the configuration and builds a Driver.
func NewDriver(cfg DriverConfig) (*Driver, error) {
	if cfg.Reconciler == nil {
		return nil, errMissingReconciler
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		reconciler: cfg.Reconciler,
		replicas:   cfg.Replicas,
		notifier:   cfg.Notifier,
		retry:      cfg.Retry.normalized(),
		logger:     logger,
	}, nil
}

// Apply reconciles every record of the batch in order. A failing record does not stop
// the ones after it. Only an invalid source or a cancelled context fails the whole call.
func (d *Driver) Apply(ctx context.Context, rawSourceID string, batch Batch) ([]Result, error) {
	sourceID, err := syncupdate.NewSourceID(rawSourceID)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.replicas != nil {
		if err := d.replicas.Touch(ctx, sourceID.String()); err != nil {
			d.logger.Warn("replica registry update failed", zap.String("source_id", sourceID.String()), zap.Error(err))
		}
	}

	results := make([]Result, 0, len(batch.Records))
	for index, record := range batch.Records {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, d.applyRecord(ctx, index, record, sourceID))
	}
	return results, nil
}

func (d *Driver) applyRecord(ctx context.Context, index int, record Record, sourceID syncupdate.SourceID) Result {
	result := Result{Index: index, EntityName: record.EntityName}

	decoded, err := decodeRecord(record)
	result.EntityID = decoded.entityID
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Error = err.Error()
		d.logger.Warn("sync record rejected",
			zap.Int("index", index),
			zap.String("entity", record.EntityName),
			zap.String("source_id", sourceID.String()),
			zap.Error(err),
		)
		return result
	}

	var outcome syncupdate.Outcome
	attempt := 0
	err = retry.Do(ctx, d.retry.backoff(), func(ctx context.Context) error {
		attempt++
		var applyErr error
		outcome, applyErr = d.dispatch(ctx, decoded, sourceID)
		if applyErr == nil {
			return nil
		}
		if errors.Is(applyErr, syncupdate.ErrMalformedRecord) {
			return applyErr
		}
		d.logger.Warn("sync record failed, retrying",
			zap.Int("attempt", attempt),
			zap.String("entity", string(decoded.kind)),
			zap.String("entity_id", decoded.entityID),
			zap.Error(applyErr),
		)
		return retry.RetryableError(applyErr)
	})
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Error = errorCode(err)
		return result
	}

	result.Outcome = string(outcome.Decision)
	if outcome.Accepted() && d.notifier != nil {
		d.notifier.NotifyAccepted(sourceID, outcome)
	}
	return result
}

func (d *Driver) dispatch(ctx context.Context, record decodedRecord, sourceID syncupdate.SourceID) (syncupdate.Outcome, error) {
	switch record.kind {
	case syncupdate.EntityNote:
		return d.reconciler.UpdateNote(ctx, record.note, record.links, sourceID)
	case syncupdate.EntityNoteTree:
		return d.reconciler.UpdateNoteTree(ctx, record.tree, sourceID)
	case syncupdate.EntityNoteHistory:
		return d.reconciler.UpdateNoteHistory(ctx, record.history, sourceID)
	case syncupdate.EntityNoteReordering:
		return d.reconciler.UpdateNoteReordering(ctx, record.reordering, sourceID)
	case syncupdate.EntityOption:
		return d.reconciler.UpdateOption(ctx, record.option, sourceID)
	case syncupdate.EntityRecentNote:
		return d.reconciler.UpdateRecentNote(ctx, record.recent, sourceID)
	default:
		return syncupdate.Outcome{}, fmt.Errorf("%w: unknown entity %q", syncupdate.ErrMalformedRecord, record.kind)
	}
}

func errorCode(err error) string {
	var serviceErr *syncupdate.ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return err.Error()
}
