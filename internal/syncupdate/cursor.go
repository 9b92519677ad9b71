package syncupdate

import "time"

// CursorStore records per-kind sync cursors inside the caller's transaction.
type CursorStore struct {
	clock func() time.Time
}

// RecordSync marks entityID of the given kind as synced from source.
func (s CursorStore) RecordSync(tx *Tx, kind EntityKind, entityID string, source SourceID) error {
	return tx.Replace(&SyncCursor{
		EntityName: string(kind),
		EntityID:   entityID,
		SourceID:   source.String(),
		SyncDate:   s.clock().UTC().Unix(),
	})
}
