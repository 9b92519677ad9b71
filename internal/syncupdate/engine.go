package syncupdate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable code of the form operation.reason.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opEngineNew            = "syncupdate.engine.new"
	opUpdateNote           = "syncupdate.update_note"
	opUpdateNoteTree       = "syncupdate.update_note_tree"
	opUpdateNoteHistory    = "syncupdate.update_note_history"
	opUpdateNoteReordering = "syncupdate.update_note_reordering"
	opUpdateOption         = "syncupdate.update_option"
	opUpdateRecentNote     = "syncupdate.update_recent_note"
	opListEvents           = "syncupdate.list_events"

	reasonMissingDatabase   = "missing_database"
	reasonMissingIDProvider = "missing_id_provider"
	reasonInvalidEntity     = "invalid_entity"
	reasonBeginFailed       = "begin_failed"
	reasonCommitFailed      = "commit_failed"
	reasonLookupFailed      = "lookup_failed"
	reasonReplaceFailed     = "replace_failed"
	reasonLinkDeleteFailed  = "link_delete_failed"
	reasonLinkInsertFailed  = "link_insert_failed"
	reasonPositionFailed    = "position_update_failed"
	reasonCursorFailed      = "cursor_failed"
	reasonAuditFailed       = "audit_failed"
	reasonEventFailed       = "event_failed"
	reasonQueryFailed       = "query_failed"

	columnNoteID        = "note_id"
	columnNoteHistoryID = "note_history_id"
	columnOptionName    = "opt_name"
	columnNotePosition  = "note_pos"

	fieldEntityID = "entity_id"
	fieldSourceID = "source_id"
	fieldLocal    = "local_version"
	fieldRemote   = "remote_version"

	defaultEventLimit = 100
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// EngineConfig describes the collaborators of an Engine.
type EngineConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	// SyncedOptions gates UpdateOption; names outside it are ignored.
	SyncedOptions OptionWhitelist
	// Precedence overrides DefaultPrecedence when non-nil.
	Precedence map[EntityKind]Precedence
	// AuditCoalesceWindow collapses repeated note audits from the same source.
	AuditCoalesceWindow time.Duration
}

// Engine applies incoming replica records to the local store.
// Calls for the same identity must not run concurrently.
type Engine struct {
	db         *gorm.DB
	gateway    *Gateway
	cursors    CursorStore
	audits     AuditSink
	events     EventLog
	options    OptionWhitelist
	precedence map[EntityKind]Precedence
	logger     *zap.Logger
}

// NewEngine validates the configuration and builds an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opEngineNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opEngineNew, reasonMissingIDProvider, errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	precedence := DefaultPrecedence()
	for kind, rule := range cfg.Precedence {
		precedence[kind] = rule
	}

	return &Engine{
		db:      cfg.Database,
		gateway: NewGateway(cfg.Database),
		cursors: CursorStore{clock: clock},
		audits: AuditSink{
			clock:          clock,
			idProvider:     cfg.IDProvider,
			coalesceWindow: cfg.AuditCoalesceWindow,
		},
		events:     EventLog{clock: clock, idProvider: cfg.IDProvider},
		options:    cfg.SyncedOptions,
		precedence: precedence,
		logger:     logger,
	}, nil
}

// Outcome reports what happened to one incoming record.
type Outcome struct {
	Kind          EntityKind
	EntityID      string
	Decision      Decision
	LocalVersion  *UnixTimestamp
	RemoteVersion UnixTimestamp
}

// Accepted reports whether local state was replaced.
func (o Outcome) Accepted() bool {
	return o.Decision == DecisionAccepted
}

// UpdateNote reconciles a note and its complete outbound link set.
// Ties are accepted, so an equal date_modified rewrites the row and its links.
func (e *Engine) UpdateNote(ctx context.Context, note Note, links []Link, sourceID SourceID) (Outcome, error) {
	remote, err := validateNote(note, links, sourceID)
	if err != nil {
		return Outcome{}, e.fail(opUpdateNote, reasonInvalidEntity, err, zap.String(fieldEntityID, note.NoteID))
	}
	fields := entityFields(note.NoteID, sourceID)
	outcome := Outcome{Kind: EntityNote, EntityID: note.NoteID, RemoteVersion: remote}

	err = e.transact(ctx, opUpdateNote, fields, func(tx *Tx) error {
		var stored Note
		found, err := tx.Get(&stored, columnNoteID, note.NoteID)
		if err != nil {
			return e.fail(opUpdateNote, reasonLookupFailed, err, fields...)
		}
		var before *Note
		if found {
			before = &stored
			outcome.LocalVersion = versionPointer(stored.DateModified)
		}

		outcome.Decision = e.precedence[EntityNote].Decide(outcome.LocalVersion, remote)
		if outcome.Decision == DecisionRejected {
			event := conflictEvent(EventNoteConflict, note.NoteID, note.NoteID, outcome.LocalVersion, remote)
			if err := e.events.AppendEvent(tx, event); err != nil {
				return e.fail(opUpdateNote, reasonEventFailed, err, fields...)
			}
			return nil
		}

		if err := tx.Replace(&note); err != nil {
			return e.fail(opUpdateNote, reasonReplaceFailed, err, fields...)
		}
		if _, err := tx.Delete(&Link{}, columnNoteID, note.NoteID); err != nil {
			return e.fail(opUpdateNote, reasonLinkDeleteFailed, err, fields...)
		}
		for _, link := range links {
			fresh := Link{
				NoteID:       note.NoteID,
				TargetNoteID: link.TargetNoteID,
				Title:        link.Title,
			}
			if err := tx.Insert(&fresh); err != nil {
				return e.fail(opUpdateNote, reasonLinkInsertFailed, err, fields...)
			}
		}
		if err := e.cursors.RecordSync(tx, EntityNote, note.NoteID, sourceID); err != nil {
			return e.fail(opUpdateNote, reasonCursorFailed, err, fields...)
		}
		if err := e.audits.AppendNoteAudits(tx, before, note, sourceID); err != nil {
			return e.fail(opUpdateNote, reasonAuditFailed, err, fields...)
		}
		if err := e.events.AppendEvent(tx, Event{Kind: EventNoteSynced, EntityID: note.NoteID, NoteID: note.NoteID}); err != nil {
			return e.fail(opUpdateNote, reasonEventFailed, err, fields...)
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	e.logOutcome(outcome, sourceID, zap.Int("links", len(links)))
	return outcome, nil
}

// UpdateNoteTree reconciles the placement of a note.
func (e *Engine) UpdateNoteTree(ctx context.Context, tree NoteTree, sourceID SourceID) (Outcome, error) {
	remote, err := validateVersioned(tree.NoteID, tree.DateModified, sourceID)
	if err != nil {
		return Outcome{}, e.fail(opUpdateNoteTree, reasonInvalidEntity, err, zap.String(fieldEntityID, tree.NoteID))
	}
	fields := entityFields(tree.NoteID, sourceID)
	outcome := Outcome{Kind: EntityNoteTree, EntityID: tree.NoteID, RemoteVersion: remote}

	err = e.transact(ctx, opUpdateNoteTree, fields, func(tx *Tx) error {
		var stored NoteTree
		found, err := tx.Get(&stored, columnNoteID, tree.NoteID)
		if err != nil {
			return e.fail(opUpdateNoteTree, reasonLookupFailed, err, fields...)
		}
		if found {
			outcome.LocalVersion = versionPointer(stored.DateModified)
		}

		outcome.Decision = e.precedence[EntityNoteTree].Decide(outcome.LocalVersion, remote)
		if outcome.Decision == DecisionRejected {
			event := conflictEvent(EventNoteTreeConflict, tree.NoteID, tree.NoteID, outcome.LocalVersion, remote)
			if err := e.events.AppendEvent(tx, event); err != nil {
				return e.fail(opUpdateNoteTree, reasonEventFailed, err, fields...)
			}
			return nil
		}

		if err := tx.Replace(&tree); err != nil {
			return e.fail(opUpdateNoteTree, reasonReplaceFailed, err, fields...)
		}
		if err := e.cursors.RecordSync(tx, EntityNoteTree, tree.NoteID, sourceID); err != nil {
			return e.fail(opUpdateNoteTree, reasonCursorFailed, err, fields...)
		}
		if err := e.audits.AppendAudit(tx, AuditUpdateTitle, sourceID, tree.NoteID); err != nil {
			return e.fail(opUpdateNoteTree, reasonAuditFailed, err, fields...)
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	e.logOutcome(outcome, sourceID)
	return outcome, nil
}

// UpdateNoteHistory reconciles a history entry by its own id, comparing interval ends.
func (e *Engine) UpdateNoteHistory(ctx context.Context, history NoteHistory, sourceID SourceID) (Outcome, error) {
	remote, err := validateVersioned(history.NoteHistoryID, history.DateModifiedTo, sourceID)
	if err == nil && history.NoteID == "" {
		err = fmt.Errorf("%w: empty note id", ErrMalformedRecord)
	}
	if err != nil {
		return Outcome{}, e.fail(opUpdateNoteHistory, reasonInvalidEntity, err, zap.String(fieldEntityID, history.NoteHistoryID))
	}
	fields := entityFields(history.NoteHistoryID, sourceID)
	outcome := Outcome{Kind: EntityNoteHistory, EntityID: history.NoteHistoryID, RemoteVersion: remote}

	err = e.transact(ctx, opUpdateNoteHistory, fields, func(tx *Tx) error {
		var stored NoteHistory
		found, err := tx.Get(&stored, columnNoteHistoryID, history.NoteHistoryID)
		if err != nil {
			return e.fail(opUpdateNoteHistory, reasonLookupFailed, err, fields...)
		}
		if found {
			outcome.LocalVersion = versionPointer(stored.DateModifiedTo)
		}

		outcome.Decision = e.precedence[EntityNoteHistory].Decide(outcome.LocalVersion, remote)
		if outcome.Decision == DecisionRejected {
			event := conflictEvent(EventNoteHistoryConflict, history.NoteHistoryID, history.NoteID, outcome.LocalVersion, remote)
			if err := e.events.AppendEvent(tx, event); err != nil {
				return e.fail(opUpdateNoteHistory, reasonEventFailed, err, fields...)
			}
			return nil
		}

		if err := tx.Replace(&history); err != nil {
			return e.fail(opUpdateNoteHistory, reasonReplaceFailed, err, fields...)
		}
		if err := e.cursors.RecordSync(tx, EntityNoteHistory, history.NoteHistoryID, sourceID); err != nil {
			return e.fail(opUpdateNoteHistory, reasonCursorFailed, err, fields...)
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	e.logOutcome(outcome, sourceID)
	return outcome, nil
}

// UpdateNoteReordering applies every position of the batch unconditionally.
// Updates run one after another in note id order and all complete before commit.
func (e *Engine) UpdateNoteReordering(ctx context.Context, reordering NoteReordering, sourceID SourceID) (Outcome, error) {
	if err := validateReordering(reordering, sourceID); err != nil {
		return Outcome{}, e.fail(opUpdateNoteReordering, reasonInvalidEntity, err, zap.String(fieldEntityID, reordering.ParentNoteID))
	}
	fields := entityFields(reordering.ParentNoteID, sourceID)

	noteIDs := make([]string, 0, len(reordering.Ordering))
	for noteID := range reordering.Ordering {
		noteIDs = append(noteIDs, noteID)
	}
	sort.Strings(noteIDs)

	err := e.transact(ctx, opUpdateNoteReordering, fields, func(tx *Tx) error {
		for _, noteID := range noteIDs {
			if _, err := tx.UpdatePositional(&NoteTree{}, columnNoteID, noteID, columnNotePosition, reordering.Ordering[noteID]); err != nil {
				return e.fail(opUpdateNoteReordering, reasonPositionFailed, err, append(fields, zap.String("child_note_id", noteID))...)
			}
		}
		if err := e.cursors.RecordSync(tx, EntityNoteReordering, reordering.ParentNoteID, sourceID); err != nil {
			return e.fail(opUpdateNoteReordering, reasonCursorFailed, err, fields...)
		}
		if err := e.audits.AppendAudit(tx, AuditChangePosition, sourceID, reordering.ParentNoteID); err != nil {
			return e.fail(opUpdateNoteReordering, reasonAuditFailed, err, fields...)
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	outcome := Outcome{Kind: EntityNoteReordering, EntityID: reordering.ParentNoteID, Decision: DecisionAccepted}
	e.logOutcome(outcome, sourceID, zap.Int("children", len(noteIDs)))
	return outcome, nil
}

// UpdateOption reconciles a whitelisted option. Other names are ignored without
// touching storage or any log.
func (e *Engine) UpdateOption(ctx context.Context, option Option, sourceID SourceID) (Outcome, error) {
	if option.Name == "" {
		return Outcome{}, e.fail(opUpdateOption, reasonInvalidEntity, fmt.Errorf("%w: empty option name", ErrMalformedRecord))
	}
	if !e.options.Allows(option.Name) {
		return Outcome{Kind: EntityOption, EntityID: option.Name, Decision: DecisionIgnored}, nil
	}
	remote, err := validateVersioned(option.Name, option.DateModified, sourceID)
	if err != nil {
		return Outcome{}, e.fail(opUpdateOption, reasonInvalidEntity, err, zap.String(fieldEntityID, option.Name))
	}
	fields := entityFields(option.Name, sourceID)
	outcome := Outcome{Kind: EntityOption, EntityID: option.Name, RemoteVersion: remote}

	err = e.transact(ctx, opUpdateOption, fields, func(tx *Tx) error {
		var stored Option
		found, err := tx.Get(&stored, columnOptionName, option.Name)
		if err != nil {
			return e.fail(opUpdateOption, reasonLookupFailed, err, fields...)
		}
		if found {
			outcome.LocalVersion = versionPointer(stored.DateModified)
		}

		outcome.Decision = e.precedence[EntityOption].Decide(outcome.LocalVersion, remote)
		if outcome.Decision == DecisionRejected {
			event := conflictEvent(EventOptionConflict, option.Name, "", outcome.LocalVersion, remote)
			if err := e.events.AppendEvent(tx, event); err != nil {
				return e.fail(opUpdateOption, reasonEventFailed, err, fields...)
			}
			return nil
		}

		if err := tx.Replace(&option); err != nil {
			return e.fail(opUpdateOption, reasonReplaceFailed, err, fields...)
		}
		if err := e.cursors.RecordSync(tx, EntityOption, option.Name, sourceID); err != nil {
			return e.fail(opUpdateOption, reasonCursorFailed, err, fields...)
		}
		if err := e.events.AppendEvent(tx, Event{Kind: EventOptionSynced, EntityID: option.Name}); err != nil {
			return e.fail(opUpdateOption, reasonEventFailed, err, fields...)
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	e.logOutcome(outcome, sourceID)
	return outcome, nil
}

// UpdateRecentNote reconciles a recent-note marker. Neither path writes audit or event rows.
func (e *Engine) UpdateRecentNote(ctx context.Context, recent RecentNote, sourceID SourceID) (Outcome, error) {
	remote, err := validateVersioned(recent.NoteID, recent.DateAccessed, sourceID)
	if err != nil {
		return Outcome{}, e.fail(opUpdateRecentNote, reasonInvalidEntity, err, zap.String(fieldEntityID, recent.NoteID))
	}
	fields := entityFields(recent.NoteID, sourceID)
	outcome := Outcome{Kind: EntityRecentNote, EntityID: recent.NoteID, RemoteVersion: remote}

	err = e.transact(ctx, opUpdateRecentNote, fields, func(tx *Tx) error {
		var stored RecentNote
		found, err := tx.Get(&stored, columnNoteID, recent.NoteID)
		if err != nil {
			return e.fail(opUpdateRecentNote, reasonLookupFailed, err, fields...)
		}
		if found {
			outcome.LocalVersion = versionPointer(stored.DateAccessed)
		}

		outcome.Decision = e.precedence[EntityRecentNote].Decide(outcome.LocalVersion, remote)
		if outcome.Decision == DecisionRejected {
			return nil
		}

		if err := tx.Replace(&recent); err != nil {
			return e.fail(opUpdateRecentNote, reasonReplaceFailed, err, fields...)
		}
		if err := e.cursors.RecordSync(tx, EntityRecentNote, recent.NoteID, sourceID); err != nil {
			return e.fail(opUpdateRecentNote, reasonCursorFailed, err, fields...)
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return outcome, nil
}

// ListEvents returns the newest event log rows first.
func (e *Engine) ListEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}
	var events []Event
	if err := e.db.WithContext(ctx).
		Order("date_added DESC").
		Order("id DESC").
		Limit(limit).
		Find(&events).Error; err != nil {
		return nil, e.fail(opListEvents, reasonQueryFailed, err)
	}
	return events, nil
}

// transact runs apply inside one transaction. The deferred rollback releases the
// handle on every exit path and does nothing after a successful commit.
func (e *Engine) transact(ctx context.Context, operation string, fields []zap.Field, apply func(tx *Tx) error) error {
	tx, err := e.gateway.Begin(ctx)
	if err != nil {
		return e.fail(operation, reasonBeginFailed, err, fields...)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := apply(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return e.fail(operation, reasonCommitFailed, err, fields...)
	}
	return nil
}

func (e *Engine) logOutcome(outcome Outcome, sourceID SourceID, extra ...zap.Field) {
	attrs := []zap.Field{
		zap.String("entity", string(outcome.Kind)),
		zap.String(fieldEntityID, outcome.EntityID),
		zap.String(fieldSourceID, sourceID.String()),
	}
	if outcome.LocalVersion != nil {
		attrs = append(attrs, zap.Int64(fieldLocal, outcome.LocalVersion.Int64()))
	}
	if outcome.RemoteVersion > 0 {
		attrs = append(attrs, zap.Int64(fieldRemote, outcome.RemoteVersion.Int64()))
	}
	attrs = append(attrs, extra...)

	switch outcome.Decision {
	case DecisionAccepted:
		e.loggerOrDefault().Info("sync update applied", attrs...)
	case DecisionRejected:
		e.loggerOrDefault().Info("sync conflict", attrs...)
	}
}

func (e *Engine) loggerOrDefault() *zap.Logger {
	if e == nil || e.logger == nil {
		return noOpLogger
	}
	return e.logger
}

// fail logs the failure and returns it as a ServiceError.
func (e *Engine) fail(operation, reason string, err error, fields ...zap.Field) error {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.loggerOrDefault().Error("sync update error", attrs...)
	return newServiceError(operation, reason, err)
}

func entityFields(entityID string, sourceID SourceID) []zap.Field {
	return []zap.Field{
		zap.String(fieldEntityID, entityID),
		zap.String(fieldSourceID, sourceID.String()),
	}
}

func versionPointer(value int64) *UnixTimestamp {
	v := UnixTimestamp(value)
	return &v
}
