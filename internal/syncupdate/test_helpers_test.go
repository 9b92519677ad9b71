package syncupdate

import (
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testSourceID  SourceID = "replica-a"
	otherSourceID SourceID = "replica-b"
)

var errInjectedFailure = errors.New("injected storage failure")

type sequentialIDs struct {
	next int
}

func (g *sequentialIDs) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("id-%06d", g.next), nil
}

type testEngineOption func(*EngineConfig)

func withPrecedence(kind EntityKind, rule Precedence) testEngineOption {
	return func(cfg *EngineConfig) {
		if cfg.Precedence == nil {
			cfg.Precedence = map[EntityKind]Precedence{}
		}
		cfg.Precedence[kind] = rule
	}
}

func withCoalesceWindow(window time.Duration) testEngineOption {
	return func(cfg *EngineConfig) {
		cfg.AuditCoalesceWindow = window
	}
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:syncupdate_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestEngine(t *testing.T, options ...testEngineOption) (*Engine, *gorm.DB) {
	t.Helper()

	db := newTestDatabase(t)
	cfg := EngineConfig{
		Database:      db,
		Clock:         func() time.Time { return time.Unix(1700000600, 0).UTC() },
		IDProvider:    &sequentialIDs{},
		SyncedOptions: NewOptionWhitelist(DefaultSyncedOptions...),
	}
	for _, option := range options {
		option(&cfg)
	}

	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	return engine, db
}

func failWritesTo(t *testing.T, db *gorm.DB, table string) {
	t.Helper()
	err := db.Callback().Create().Before("gorm:create").Register("test:fail_"+table, func(tx *gorm.DB) {
		if tx.Statement.Table == table {
			_ = tx.AddError(errInjectedFailure)
		}
	})
	if err != nil {
		t.Fatalf("failed to register failure callback: %v", err)
	}
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var count int64
	if err := db.Model(model).Count(&count).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return count
}

func linkTargets(t *testing.T, db *gorm.DB, noteID string) []string {
	t.Helper()
	var links []Link
	if err := db.Where("note_id = ?", noteID).Find(&links).Error; err != nil {
		t.Fatalf("failed to load links: %v", err)
	}
	targets := make([]string, 0, len(links))
	for _, link := range links {
		targets = append(targets, link.TargetNoteID)
	}
	sort.Strings(targets)
	return targets
}

func loadEvents(t *testing.T, db *gorm.DB) []Event {
	t.Helper()
	var events []Event
	if err := db.Order("id ASC").Find(&events).Error; err != nil {
		t.Fatalf("failed to load events: %v", err)
	}
	return events
}

func loadAudits(t *testing.T, db *gorm.DB) []AuditEntry {
	t.Helper()
	var audits []AuditEntry
	if err := db.Order("id ASC").Find(&audits).Error; err != nil {
		t.Fatalf("failed to load audits: %v", err)
	}
	return audits
}

func hasCursor(t *testing.T, db *gorm.DB, kind EntityKind, entityID string, source SourceID) bool {
	t.Helper()
	var count int64
	err := db.Model(&SyncCursor{}).
		Where("entity_name = ? AND entity_id = ? AND source_id = ?", string(kind), entityID, source.String()).
		Count(&count).Error
	if err != nil {
		t.Fatalf("failed to query cursor: %v", err)
	}
	return count == 1
}

func equalStrings(left, right []string) bool {
	if len(left) != len(right) {
		return false
	}
	for index := range left {
		if left[index] != right[index] {
			return false
		}
	}
	return true
}
