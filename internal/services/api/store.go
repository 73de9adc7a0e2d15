package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/LeonardoBeccarini/pasture_project/internal/model/entities"
)

var (
	// ErrFieldNotFound is returned when a configured store has no such field.
	ErrFieldNotFound = errors.New("field not found")
	// ErrStoreUnavailable wraps every backend failure; handlers map it to 503.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// FieldStore keeps field documents.
type FieldStore interface {
	ListFields(ctx context.Context) ([]entities.Field, error)
	// FieldsBelowNDVI lists fields whose latest NDVI is under below, lowest first.
	FieldsBelowNDVI(ctx context.Context, below float64) ([]entities.Field, error)
	GetField(ctx context.Context, id string) (entities.Field, error)
	UpsertField(ctx context.Context, f entities.Field) error
}

// PostgresFieldStore stores each field as a JSONB document keyed by its id.
type PostgresFieldStore struct {
	db *sql.DB
}

func NewPostgresFieldStore(db *sql.DB) *PostgresFieldStore {
	return &PostgresFieldStore{db: db}
}

// OpenPostgres opens a database/sql pool over the pgx driver and pings it.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sql connection: %w", err)
	}
	return db, nil
}

const (
	listFieldsSQL  = `SELECT doc FROM fields ORDER BY id`
	lowNDVISQL     = `SELECT doc FROM fields WHERE (doc->'latest_metrics'->>'ndvi')::double precision < $1
ORDER BY (doc->'latest_metrics'->>'ndvi')::double precision, id`
	getFieldSQL    = `SELECT doc FROM fields WHERE id = $1`
	upsertFieldSQL = `INSERT INTO fields (id, farm_id, doc, updated_at) VALUES ($1, $2, $3, now())
ON CONFLICT (id) DO UPDATE SET farm_id = EXCLUDED.farm_id, doc = EXCLUDED.doc, updated_at = now()`
)

func (s *PostgresFieldStore) ListFields(ctx context.Context) ([]entities.Field, error) {
	return s.queryFields(ctx, "list fields", listFieldsSQL)
}

func (s *PostgresFieldStore) FieldsBelowNDVI(ctx context.Context, below float64) ([]entities.Field, error) {
	return s.queryFields(ctx, "low ndvi fields", lowNDVISQL, below)
}

func (s *PostgresFieldStore) queryFields(ctx context.Context, op, query string, args ...any) ([]entities.Field, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
	}
	defer rows.Close()

	out := []entities.Field{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("%w: scan field: %v", ErrStoreUnavailable, err)
		}
		f, err := decodeField(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
	}
	return out, nil
}

func (s *PostgresFieldStore) GetField(ctx context.Context, id string) (entities.Field, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, getFieldSQL, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return entities.Field{}, ErrFieldNotFound
	}
	if err != nil {
		return entities.Field{}, fmt.Errorf("%w: get field %s: %v", ErrStoreUnavailable, id, err)
	}
	return decodeField(raw)
}

func (s *PostgresFieldStore) UpsertField(ctx context.Context, f entities.Field) error {
	doc, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode field %s: %w", f.ID, err)
	}
	if _, err := s.db.ExecContext(ctx, upsertFieldSQL, f.ID, f.FarmID, doc); err != nil {
		return fmt.Errorf("%w: upsert field %s: %v", ErrStoreUnavailable, f.ID, err)
	}
	return nil
}

func decodeField(raw []byte) (entities.Field, error) {
	var f entities.Field
	if err := json.Unmarshal(raw, &f); err != nil {
		return entities.Field{}, fmt.Errorf("decode field document: %w", err)
	}
	if f.Notes == nil {
		f.Notes = []string{}
	}
	return f, nil
}
