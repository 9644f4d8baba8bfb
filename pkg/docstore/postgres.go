package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/trialbridge/portal/pkg/common/apperr"
	"github.com/trialbridge/portal/pkg/common/config"
	"github.com/trialbridge/portal/pkg/common/database"
	"github.com/trialbridge/portal/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type documentModel struct {
	ID         string            `gorm:"primaryKey;column:id"`
	Collection string            `gorm:"column:collection;index"`
	Data       datatypes.JSONMap `gorm:"column:data"`
	CreatedAt  time.Time         `gorm:"column:created_at"`
	UpdatedAt  time.Time         `gorm:"column:updated_at"`
}

func (documentModel) TableName() string { return "documents" }

// PostgresStore keeps every collection in one JSONB table.
type PostgresStore struct {
	db *gorm.DB
}

func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func OpenPostgres(cfg config.Config) (*PostgresStore, error) {
	db, err := database.OpenPostgres(cfg)
	if err != nil {
		return nil, err
	}
	return NewPostgresStore(db), nil
}

func (s *PostgresStore) AutoMigrate() error {
	return s.db.AutoMigrate(&documentModel{})
}

func (s *PostgresStore) Close() error {
	return database.ClosePostgres(s.db)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// scoped selects the documents of collection matching every equality filter.
// Each filter compiles to json_extract_path_text on the data column.
func (s *PostgresStore) scoped(ctx context.Context, collection string, filters map[string]interface{}) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&documentModel{}).Where("collection = ?", collection)
	for _, f := range BuildFilters(filters) {
		query = query.Where(datatypes.JSONQuery("data").Equals(f.Value, f.Field))
	}
	return query
}

func (s *PostgresStore) List(ctx context.Context, collection string, filters map[string]interface{}) ([]models.Document, int, error) {
	var total int64
	if err := s.scoped(ctx, collection, filters).Count(&total).Error; err != nil {
		return nil, 0, apperr.Internal(fmt.Errorf("counting %s: %w", collection, err))
	}

	var rows []documentModel
	if err := s.scoped(ctx, collection, filters).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, 0, apperr.Internal(fmt.Errorf("listing %s: %w", collection, err))
	}

	docs := make([]models.Document, 0, len(rows))
	for _, row := range rows {
		docs = append(docs, toDocument(row))
	}
	return docs, int(total), nil
}

func (s *PostgresStore) Get(ctx context.Context, collection, id string) (models.Document, error) {
	row, err := s.find(s.db.WithContext(ctx), collection, id)
	if err != nil {
		return nil, err
	}
	return toDocument(*row), nil
}

func (s *PostgresStore) Create(ctx context.Context, collection string, data models.Document) (models.Document, error) {
	fields, err := data.Fields().Clone()
	if err != nil {
		return nil, apperr.Internal(err)
	}
	now := time.Now().UTC()
	row := documentModel{
		ID:         uuid.NewString(),
		Collection: collection,
		Data:       datatypes.JSONMap(fields),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, apperr.Internal(fmt.Errorf("creating document in %s: %w", collection, err))
	}
	return toDocument(row), nil
}

func (s *PostgresStore) Update(ctx context.Context, collection, id string, data models.Document) (models.Document, error) {
	patch, err := data.Fields().Clone()
	if err != nil {
		return nil, apperr.Internal(err)
	}

	var updated documentModel
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.find(tx, collection, id)
		if err != nil {
			return err
		}
		if row.Data == nil {
			row.Data = datatypes.JSONMap{}
		}
		for k, v := range patch {
			row.Data[k] = v
		}
		row.UpdatedAt = time.Now().UTC()
		if err := tx.Model(&documentModel{}).
			Where("id = ? AND collection = ?", id, collection).
			Updates(map[string]interface{}{"data": row.Data, "updated_at": row.UpdatedAt}).Error; err != nil {
			return apperr.Internal(fmt.Errorf("updating %s/%s: %w", collection, id, err))
		}
		updated = *row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return toDocument(updated), nil
}

func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	result := s.db.WithContext(ctx).Where("id = ? AND collection = ?", id, collection).Delete(&documentModel{})
	if result.Error != nil {
		return apperr.Internal(fmt.Errorf("deleting %s/%s: %w", collection, id, result.Error))
	}
	if result.RowsAffected == 0 {
		return notFound(collection, id)
	}
	return nil
}

func (s *PostgresStore) find(db *gorm.DB, collection, id string) (*documentModel, error) {
	var row documentModel
	err := db.Where("id = ? AND collection = ?", id, collection).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(collection, id)
	}
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("loading %s/%s: %w", collection, id, err))
	}
	return &row, nil
}

func toDocument(row documentModel) models.Document {
	doc := models.Document{}
	for k, v := range row.Data {
		doc[k] = v
	}
	doc[models.FieldID] = row.ID
	doc[models.FieldCreatedAt] = row.CreatedAt.Format(time.RFC3339Nano)
	doc[models.FieldUpdatedAt] = row.UpdatedAt.Format(time.RFC3339Nano)
	return doc
}
