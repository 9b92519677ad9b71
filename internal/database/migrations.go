package database

import (
	"errors"
	"time"

	"github.com/neocraft/trilium/internal/syncupdate"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationRemoveOrphanLinks = "2026-10-01_remove_orphan_links"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationRemoveOrphanLinks, apply: removeOrphanLinks},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// removeOrphanLinks drops links whose owning note no longer exists.
func removeOrphanLinks(db *gorm.DB) error {
	notes := db.Model(&syncupdate.Note{}).Select("note_id")
	return db.Where("note_id NOT IN (?)", notes).Delete(&syncupdate.Link{}).Error
}
