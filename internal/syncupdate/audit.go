package syncupdate

import (
	"strconv"
	"time"
)

// AuditCategory classifies an audit entry.
type AuditCategory string

const (
	AuditUpdateTitle    AuditCategory = "TITLE"
	AuditUpdateContent  AuditCategory = "CONTENT"
	AuditProtected      AuditCategory = "PROTECTED"
	AuditChangePosition AuditCategory = "POSITION"
)

// AuditSink appends audit rows inside the caller's transaction.
type AuditSink struct {
	clock      func() time.Time
	idProvider IDProvider
	// coalesceWindow drops earlier note audits of the same category, source and note
	// written within the window before appending a new one. Zero keeps every row.
	coalesceWindow time.Duration
}

// AppendAudit records a change of category to noteID by source.
func (s AuditSink) AppendAudit(tx *Tx, category AuditCategory, source SourceID, noteID string) error {
	return s.appendChange(tx, category, source, noteID, nil, nil)
}

// AppendNoteAudits compares two note snapshots and appends one entry per changed aspect.
// A nil before means the note is new and every aspect is recorded.
func (s AuditSink) AppendNoteAudits(tx *Tx, before *Note, after Note, source SourceID) error {
	if before == nil || before.Title != after.Title {
		var from *string
		if before != nil {
			from = stringPointer(before.Title)
		}
		if err := s.replaceRecent(tx, AuditUpdateTitle, source, after.NoteID, from, stringPointer(after.Title)); err != nil {
			return err
		}
	}
	if before == nil || before.Text != after.Text {
		if err := s.replaceRecent(tx, AuditUpdateContent, source, after.NoteID, nil, nil); err != nil {
			return err
		}
	}
	if before == nil || before.IsProtected != after.IsProtected {
		var from *string
		if before != nil {
			from = stringPointer(strconv.FormatBool(before.IsProtected))
		}
		if err := s.replaceRecent(tx, AuditProtected, source, after.NoteID, from, stringPointer(strconv.FormatBool(after.IsProtected))); err != nil {
			return err
		}
	}
	return nil
}

func (s AuditSink) replaceRecent(tx *Tx, category AuditCategory, source SourceID, noteID string, from, to *string) error {
	if s.coalesceWindow > 0 {
		cutoff := s.clock().UTC().Add(-s.coalesceWindow).Unix()
		if _, err := tx.DeleteWhere(&AuditEntry{},
			"category = ? AND source_id = ? AND note_id = ? AND date_added >= ?",
			string(category), source.String(), noteID, cutoff); err != nil {
			return err
		}
	}
	return s.appendChange(tx, category, source, noteID, from, to)
}

func (s AuditSink) appendChange(tx *Tx, category AuditCategory, source SourceID, noteID string, from, to *string) error {
	id, err := s.idProvider.NewID()
	if err != nil {
		return err
	}
	return tx.Insert(&AuditEntry{
		ID:         id,
		DateAdded:  s.clock().UTC().Unix(),
		Category:   string(category),
		SourceID:   source.String(),
		NoteID:     noteID,
		ChangeFrom: from,
		ChangeTo:   to,
	})
}

func stringPointer(value string) *string {
	v := value
	return &v
}
