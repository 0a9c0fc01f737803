// persistence/gorm_postgresql.go
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/wfunc/roomsync/models"
)

// versionSequence feeds store-wide increasing versions to both Postgres
// stores.
const versionSequence = "room_state_versions"

// RoomStateModel is one room's canonical document.
type RoomStateModel struct {
	ID        uint   `gorm:"primaryKey"`
	RoomID    string `gorm:"uniqueIndex:idx_room_states_key;not null"`
	GameKind  string `gorm:"uniqueIndex:idx_room_states_key;not null"`
	Document  []byte `gorm:"type:jsonb;not null"`
	Version   int64  `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time `gorm:"index"`
}

func (RoomStateModel) TableName() string {
	return "room_states"
}

func (m *RoomStateModel) snapshot() (*models.Snapshot, error) {
	var doc models.Document
	if err := models.DecodeJSON(m.Document, &doc); err != nil {
		return nil, fmt.Errorf("decode room document: %w", err)
	}
	return &models.Snapshot{
		Exists:    true,
		Document:  doc,
		Version:   uint64(m.Version),
		UpdatedAt: m.UpdatedAt,
	}, nil
}

// GormPostgreSQL 使用GORM的PostgreSQL实现
type GormPostgreSQL struct {
	db *gorm.DB
}

// NewGormPostgreSQL opens a pooled connection and migrates the schema.
func NewGormPostgreSQL(dsn string) (*GormPostgreSQL, error) {
	// 配置GORM日志
	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold: time.Second,
			LogLevel:      logger.Silent,
			Colorful:      false,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// 设置连接池
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := autoMigrate(db); err != nil {
		return nil, err
	}

	return &GormPostgreSQL{db: db}, nil
}

func autoMigrate(db *gorm.DB) error {
	if err := db.Exec("CREATE SEQUENCE IF NOT EXISTS " + versionSequence).Error; err != nil {
		return err
	}
	return db.AutoMigrate(&RoomStateModel{})
}

func (p *GormPostgreSQL) Read(ctx context.Context, key models.RoomKey) (*models.Snapshot, error) {
	var m RoomStateModel
	err := p.db.WithContext(ctx).
		Where("room_id = ? AND game_kind = ?", key.RoomID, key.GameKind).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.Snapshot{Exists: false}, nil
	}
	if err != nil {
		return nil, err
	}
	return m.snapshot()
}

func (p *GormPostgreSQL) Replace(ctx context.Context, key models.RoomKey, doc models.Document) (*models.Snapshot, error) {
	return p.Update(ctx, key, func(*models.Snapshot) (models.Document, error) {
		return doc, nil
	})
}

// Update locks the room row (if any) for the duration of fn.
func (p *GormPostgreSQL) Update(ctx context.Context, key models.RoomKey, fn UpdateFunc) (*models.Snapshot, error) {
	var result *models.Snapshot

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current := &models.Snapshot{Exists: false}

		var m RoomStateModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("room_id = ? AND game_kind = ?", key.RoomID, key.GameKind).
			First(&m).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		default:
			if current, err = m.snapshot(); err != nil {
				return err
			}
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			result = current
			return nil
		}

		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode room document: %w", err)
		}

		var version int64
		if err := tx.Raw("SELECT nextval(?::regclass)", versionSequence).Scan(&version).Error; err != nil {
			return err
		}

		row := RoomStateModel{
			RoomID:   key.RoomID,
			GameKind: key.GameKind,
			Document: data,
			Version:  version,
		}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room_id"}, {Name: "game_kind"}},
			DoUpdates: clause.AssignmentColumns([]string{"document", "version", "updated_at"}),
		}).Create(&row).Error
		if err != nil {
			return err
		}

		result, err = row.snapshot()
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Sweep deletes rooms not written since idleSince.
func (p *GormPostgreSQL) Sweep(ctx context.Context, idleSince time.Time) (int, error) {
	res := p.db.WithContext(ctx).Where("updated_at < ?", idleSince).Delete(&RoomStateModel{})
	return int(res.RowsAffected), res.Error
}

// Close 关闭数据库连接
func (p *GormPostgreSQL) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var (
	_ Store   = (*GormPostgreSQL)(nil)
	_ Sweeper = (*GormPostgreSQL)(nil)
)
