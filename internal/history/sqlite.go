package history

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/zombor/nutriscan/internal/nutrition"
)

//go:embed schema.sql
var schema string

const scanColumns = `id, user_id, product_name, calories, sugar, sodium, total_fat,
	saturated_fat, fiber, protein, allergens, watchlist_ingredients, timestamp, image_key`

// SQLiteStore implements Store on a SQLite database file
type SQLiteStore struct {
	db  *sql.DB
	ids IDGenerator
}

// NewSQLiteStore opens (or creates) a SQLite database at path
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithIDs(path, uuidGenerator{})
}

// NewSQLiteStoreWithIDs opens a SQLiteStore with a custom ID generator
func NewSQLiteStoreWithIDs(path string, ids IDGenerator) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// A single connection serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	slog.Debug("SQLite schema initialized", "path", path)

	return &SQLiteStore{db: db, ids: ids}, nil
}

// Save stores record for userID
func (s *SQLiteStore) Save(ctx context.Context, userID string, record nutrition.Record) (string, error) {
	if userID == "" {
		return "", ErrMissingUser
	}
	id := s.ids.Generate()
	doc := newDocument(userID, record)

	allergens, err := json.Marshal(doc.Allergens)
	if err != nil {
		return "", fmt.Errorf("marshaling allergens: %w", err)
	}
	watchlist, err := json.Marshal(doc.WatchlistIngredients)
	if err != nil {
		return "", fmt.Errorf("marshaling watchlist: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO scans (`+scanColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, doc.UserID, doc.ProductName,
		nullInt(doc.Calories), nullInt(doc.Sugar), nullInt(doc.Sodium), nullInt(doc.TotalFat),
		nullInt(doc.SaturatedFat), nullInt(doc.Fiber), nullInt(doc.Protein),
		string(allergens), string(watchlist), doc.Timestamp, doc.ImageKey,
	)
	if err != nil {
		return "", fmt.Errorf("inserting scan: %w", err)
	}
	return id, nil
}

// ListForUser returns the user's scans, newest first
func (s *SQLiteStore) ListForUser(ctx context.Context, userID string, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scanColumns+` FROM scans
		WHERE user_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`, userID, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying scans: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Get retrieves a scan by ID
func (s *SQLiteStore) Get(ctx context.Context, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scanColumns+` FROM scans WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return entry, err
}

// Delete removes a scan
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scans WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting scan: %w", err)
	}
	return expectAffected(res, id)
}

// DeleteAllForUser removes every scan for userID in one transaction
func (s *SQLiteStore) DeleteAllForUser(ctx context.Context, userID string) ([]Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT `+scanColumns+` FROM scans
		WHERE user_id = ? ORDER BY timestamp ASC, id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying scans: %w", err)
	}
	deleted := make([]Entry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		deleted = append(deleted, entry)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM scans WHERE user_id = ?`, userID); err != nil {
		return nil, fmt.Errorf("deleting scans: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing: %w", err)
	}
	return deleted, nil
}

// SetImageKey records the archived image key on a scan
func (s *SQLiteStore) SetImageKey(ctx context.Context, id, key string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scans SET image_key = ? WHERE id = ?`, key, id)
	if err != nil {
		return fmt.Errorf("updating image key: %w", err)
	}
	return expectAffected(res, id)
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var id, allergens, watchlist string
	var doc document
	var calories, sugar, sodium, totalFat, saturatedFat, fiber, protein sql.NullInt64
	err := row.Scan(&id, &doc.UserID, &doc.ProductName,
		&calories, &sugar, &sodium, &totalFat, &saturatedFat, &fiber, &protein,
		&allergens, &watchlist, &doc.Timestamp, &doc.ImageKey)
	if err != nil {
		return Entry{}, err
	}

	doc.Calories = intPtr(calories)
	doc.Sugar = intPtr(sugar)
	doc.Sodium = intPtr(sodium)
	doc.TotalFat = intPtr(totalFat)
	doc.SaturatedFat = intPtr(saturatedFat)
	doc.Fiber = intPtr(fiber)
	doc.Protein = intPtr(protein)
	if err := json.Unmarshal([]byte(allergens), &doc.Allergens); err != nil {
		return Entry{}, fmt.Errorf("unmarshaling allergens for %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(watchlist), &doc.WatchlistIngredients); err != nil {
		return Entry{}, fmt.Errorf("unmarshaling watchlist for %s: %w", id, err)
	}
	return doc.entry(id), nil
}

func expectAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
