package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const migrateLockID int64 = 51505150

// batchSize bounds the rows written per statement by SaveAll.
const batchSize = 500

// collections maps families to document collection names.
var collections = map[Family]string{
	FamilySessions:  "sb_session_storage",
	FamilySummaries: "sb_summary_storage",
	FamilyProgress:  "sb_learning_progress",
}

// CollectionName returns the document collection for a family.
func CollectionName(family Family) (string, error) {
	name, ok := collections[family]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownFamily, family)
	}
	return name, nil
}

// DocumentBackend stores documents in Postgres via GORM, one row per key.
type DocumentBackend struct {
	db *gorm.DB
}

// NewDocumentBackend opens the DB and runs auto-migrations.
func NewDocumentBackend(dsn string) (*DocumentBackend, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&DocumentModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &DocumentBackend{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Name implements Backend.
func (b *DocumentBackend) Name() string { return "document" }

func upsertClause() clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"body", "updated_at"}),
	}
}

// Save upserts one document.
func (b *DocumentBackend) Save(ctx context.Context, family Family, key Key, doc []byte) error {
	collection, err := CollectionName(family)
	if err != nil {
		return err
	}
	model := DocumentModel{
		Collection: collection,
		Key:        key.String(),
		Body:       datatypes.JSON(doc),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := b.db.WithContext(ctx).Clauses(upsertClause()).Create(&model).Error; err != nil {
		return fmt.Errorf("save %s/%s: %w", collection, key, err)
	}
	return nil
}

// Load returns one document.
func (b *DocumentBackend) Load(ctx context.Context, family Family, key Key) ([]byte, bool, error) {
	collection, err := CollectionName(family)
	if err != nil {
		return nil, false, err
	}
	var model DocumentModel
	err = b.db.WithContext(ctx).
		Where("collection = ? AND key = ?", collection, key.String()).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load %s/%s: %w", collection, key, err)
	}
	return []byte(model.Body), true, nil
}

// SaveAll upserts every document in batches inside one transaction.
func (b *DocumentBackend) SaveAll(ctx context.Context, family Family, docs map[string][]byte) error {
	collection, err := CollectionName(family)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	models := make([]DocumentModel, 0, len(docs))
	for key, doc := range docs {
		models = append(models, DocumentModel{
			Collection: collection,
			Key:        key,
			Body:       datatypes.JSON(doc),
			UpdatedAt:  now,
		})
	}
	err = b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(upsertClause()).CreateInBatches(&models, batchSize).Error
	})
	if err != nil {
		return fmt.Errorf("save %s: %w", collection, err)
	}
	return nil
}

// LoadAll returns every document in the collection.
func (b *DocumentBackend) LoadAll(ctx context.Context, family Family) (map[string][]byte, bool, error) {
	collection, err := CollectionName(family)
	if err != nil {
		return nil, false, err
	}
	var models []DocumentModel
	if err := b.db.WithContext(ctx).Where("collection = ?", collection).Find(&models).Error; err != nil {
		return nil, false, fmt.Errorf("load %s: %w", collection, err)
	}
	if len(models) == 0 {
		return nil, false, nil
	}
	out := make(map[string][]byte, len(models))
	for _, m := range models {
		out[m.Key] = []byte(m.Body)
	}
	return out, true, nil
}

// Close releases the underlying connection pool.
func (b *DocumentBackend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
