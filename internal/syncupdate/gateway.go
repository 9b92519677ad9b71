package syncupdate

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errTransactionClosed = errors.New("syncupdate: transaction already closed")

// Gateway opens transactions over the replicated tables.
type Gateway struct {
	db *gorm.DB
}

// NewGateway wraps a gorm handle.
func NewGateway(db *gorm.DB) *Gateway {
	return &Gateway{db: db}
}

// Begin acquires a transaction handle. Callers must defer Rollback; it is a no-op after Commit.
func (g *Gateway) Begin(ctx context.Context) (*Tx, error) {
	handle := g.db.WithContext(ctx).Begin()
	if handle.Error != nil {
		return nil, handle.Error
	}
	return &Tx{db: handle}, nil
}

// Tx is the handle every storage primitive runs against.
type Tx struct {
	db     *gorm.DB
	closed bool
}

// Commit finalizes the transaction.
func (tx *Tx) Commit() error {
	if tx.closed {
		return errTransactionClosed
	}
	tx.closed = true
	return tx.db.Commit().Error
}

// Rollback aborts the transaction unless it was already committed or rolled back.
func (tx *Tx) Rollback() error {
	if tx.closed {
		return nil
	}
	tx.closed = true
	return tx.db.Rollback().Error
}

// Get loads the row whose keyColumn equals key into dest and reports whether it exists.
func (tx *Tx) Get(dest any, keyColumn string, key any) (bool, error) {
	err := tx.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(keyColumn+" = ?", key).
		Take(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Replace upserts the record by primary key, overwriting every column.
func (tx *Tx) Replace(record any) error {
	return tx.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(record).Error
}

// Insert creates a new row.
func (tx *Tx) Insert(record any) error {
	return tx.db.Create(record).Error
}

// Delete removes every row of model whose column equals value.
func (tx *Tx) Delete(model any, column string, value any) (int64, error) {
	result := tx.db.Where(column+" = ?", value).Delete(model)
	return result.RowsAffected, result.Error
}

// DeleteWhere removes rows of model matching an arbitrary condition.
func (tx *Tx) DeleteWhere(model any, query string, args ...any) (int64, error) {
	result := tx.db.Where(query, args...).Delete(model)
	return result.RowsAffected, result.Error
}

// UpdatePositional sets a single field on the row identified by keyColumn.
func (tx *Tx) UpdatePositional(model any, keyColumn string, key any, field string, value any) (int64, error) {
	result := tx.db.Model(model).Where(keyColumn+" = ?", key).Update(field, value)
	return result.RowsAffected, result.Error
}
