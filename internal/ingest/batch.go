package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/neocraft/trilium/internal/syncupdate"
)

// ErrEmptyBatch indicates a batch without records.
var ErrEmptyBatch = errors.New("ingest: batch contains no records")

// Record is one remote entity as delivered by a replica.
type Record struct {
	EntityName string            `json:"entity_name"`
	Entity     json.RawMessage   `json:"entity"`
	Links      []syncupdate.Link `json:"links,omitempty"`
}

// Batch is an ordered list of records from one source replica.
type Batch struct {
	Records []Record `json:"records"`
}

// DecodeBatch reads a JSON batch and rejects unknown top-level fields.
func DecodeBatch(reader io.Reader) (Batch, error) {
	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	var batch Batch
	if err := decoder.Decode(&batch); err != nil {
		return Batch{}, fmt.Errorf("ingest: decode batch: %w", err)
	}
	if len(batch.Records) == 0 {
		return Batch{}, ErrEmptyBatch
	}
	return batch, nil
}

// decodedRecord is a record whose entity has been parsed into its typed form.
type decodedRecord struct {
	kind       syncupdate.EntityKind
	entityID   string
	note       syncupdate.Note
	links      []syncupdate.Link
	tree       syncupdate.NoteTree
	history    syncupdate.NoteHistory
	reordering syncupdate.NoteReordering
	option     syncupdate.Option
	recent     syncupdate.RecentNote
}

func decodeRecord(record Record) (decodedRecord, error) {
	kind, err := syncupdate.ParseEntityKind(record.EntityName)
	if err != nil {
		return decodedRecord{}, err
	}
	if len(bytes.TrimSpace(record.Entity)) == 0 {
		return decodedRecord{kind: kind}, fmt.Errorf("%w: missing entity body", syncupdate.ErrMalformedRecord)
	}

	decoded := decodedRecord{kind: kind}
	var target any
	switch kind {
	case syncupdate.EntityNote:
		target = &decoded.note
	case syncupdate.EntityNoteTree:
		target = &decoded.tree
	case syncupdate.EntityNoteHistory:
		target = &decoded.history
	case syncupdate.EntityNoteReordering:
		target = &decoded.reordering
	case syncupdate.EntityOption:
		target = &decoded.option
	case syncupdate.EntityRecentNote:
		target = &decoded.recent
	}
	if err := json.Unmarshal(record.Entity, target); err != nil {
		return decoded, fmt.Errorf("%w: %v", syncupdate.ErrMalformedRecord, err)
	}

	switch kind {
	case syncupdate.EntityNote:
		decoded.entityID = decoded.note.NoteID
		decoded.links = record.Links
	case syncupdate.EntityNoteTree:
		decoded.entityID = decoded.tree.NoteID
	case syncupdate.EntityNoteHistory:
		decoded.entityID = decoded.history.NoteHistoryID
	case syncupdate.EntityNoteReordering:
		decoded.entityID = decoded.reordering.ParentNoteID
	case syncupdate.EntityOption:
		decoded.entityID = decoded.option.Name
	case syncupdate.EntityRecentNote:
		decoded.entityID = decoded.recent.NoteID
	}
	if len(record.Links) > 0 && kind != syncupdate.EntityNote {
		return decoded, fmt.Errorf("%w: links are only valid for notes", syncupdate.ErrMalformedRecord)
	}
	return decoded, nil
}
