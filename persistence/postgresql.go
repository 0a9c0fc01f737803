// persistence/postgresql.go
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wfunc/roomsync/models"
)

// PgxStore is the raw-SQL store on a pgx pool. It shares its schema with
// GormPostgreSQL, so either can serve the same database.
type PgxStore struct {
	pool *pgxpool.Pool
}

// NewPgxStore connects, pings and creates the schema if needed.
func NewPgxStore(ctx context.Context, url string) (*PgxStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	cfg.MaxConns = 25
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// 测试连接
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := initTables(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PgxStore{pool: pool}, nil
}

func initTables(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
        CREATE SEQUENCE IF NOT EXISTS `+versionSequence+`;
        CREATE TABLE IF NOT EXISTS room_states (
            id BIGSERIAL PRIMARY KEY,
            room_id TEXT NOT NULL,
            game_kind TEXT NOT NULL,
            document JSONB NOT NULL,
            version BIGINT NOT NULL,
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
            updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        );
        CREATE UNIQUE INDEX IF NOT EXISTS idx_room_states_key ON room_states(room_id, game_kind);
        CREATE INDEX IF NOT EXISTS idx_room_states_updated_at ON room_states(updated_at);
    `)
	return err
}

const upsertRoomState = `
    INSERT INTO room_states (room_id, game_kind, document, version)
    VALUES ($1, $2, $3, nextval('` + versionSequence + `'))
    ON CONFLICT (room_id, game_kind)
    DO UPDATE SET document = EXCLUDED.document, version = EXCLUDED.version, updated_at = CURRENT_TIMESTAMP
    RETURNING version, updated_at
`

const selectRoomState = `
    SELECT document, version, updated_at FROM room_states
    WHERE room_id = $1 AND game_kind = $2
`

func (p *PgxStore) Read(ctx context.Context, key models.RoomKey) (*models.Snapshot, error) {
	return readRow(p.pool.QueryRow(ctx, selectRoomState, key.RoomID, key.GameKind))
}

func readRow(row pgx.Row) (*models.Snapshot, error) {
	var (
		data      []byte
		version   int64
		updatedAt time.Time
	)
	err := row.Scan(&data, &version, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &models.Snapshot{Exists: false}, nil
	}
	if err != nil {
		return nil, err
	}

	var doc models.Document
	if err := models.DecodeJSON(data, &doc); err != nil {
		return nil, fmt.Errorf("decode room document: %w", err)
	}
	return &models.Snapshot{Exists: true, Document: doc, Version: uint64(version), UpdatedAt: updatedAt}, nil
}

func (p *PgxStore) Replace(ctx context.Context, key models.RoomKey, doc models.Document) (*models.Snapshot, error) {
	return upsert(ctx, p.pool, key, doc)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func upsert(ctx context.Context, q queryRower, key models.RoomKey, doc models.Document) (*models.Snapshot, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode room document: %w", err)
	}

	var (
		version   int64
		updatedAt time.Time
	)
	if err := q.QueryRow(ctx, upsertRoomState, key.RoomID, key.GameKind, string(data)).Scan(&version, &updatedAt); err != nil {
		return nil, err
	}
	return &models.Snapshot{Exists: true, Document: doc.Clone(), Version: uint64(version), UpdatedAt: updatedAt}, nil
}

// Update holds a row lock on the room for the duration of fn.
func (p *PgxStore) Update(ctx context.Context, key models.RoomKey, fn UpdateFunc) (*models.Snapshot, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	current, err := readRow(tx.QueryRow(ctx, selectRoomState+" FOR UPDATE", key.RoomID, key.GameKind))
	if err != nil {
		return nil, err
	}

	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current, tx.Commit(ctx)
	}

	snap, err := upsert(ctx, tx, key, next)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return snap, nil
}

func (p *PgxStore) Sweep(ctx context.Context, idleSince time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM room_states WHERE updated_at < $1`, idleSince)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (p *PgxStore) Close() error {
	p.pool.Close()
	return nil
}

var (
	_ Store   = (*PgxStore)(nil)
	_ Sweeper = (*PgxStore)(nil)
)
