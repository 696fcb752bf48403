package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (and if needed creates) the store at the given file path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// modernc.org/sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY under concurrent merges.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			path TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection);
	`)
	if err != nil {
		return fmt.Errorf("migrate documents table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, path string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT data, created_at_ms, updated_at_ms FROM documents WHERE path = ?`, path)

	var raw string
	doc := &Document{Path: path}
	if err := row.Scan(&raw, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", path, err)
	}

	if err := json.Unmarshal([]byte(raw), &doc.Data); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return doc, nil
}

func (s *SQLiteStore) Set(ctx context.Context, path string, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (path, collection, data, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET data = excluded.data, updated_at_ms = excluded.updated_at_ms
	`, path, Collection(path), string(raw), now, now)
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return nil
}

func (s *SQLiteStore) Merge(ctx context.Context, path string, fields map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("merge %s: %w", path, err)
	}
	defer tx.Rollback()

	var raw string
	var createdAt int64
	data := map[string]any{}
	exists := true

	row := tx.QueryRowContext(ctx,
		`SELECT data, created_at_ms FROM documents WHERE path = ?`, path)
	if err := row.Scan(&raw, &createdAt); err != nil {
		if err != sql.ErrNoRows {
			return fmt.Errorf("merge %s: %w", path, err)
		}
		exists = false
	} else if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}

	for key, value := range fields {
		applyField(data, key, value)
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	now := time.Now().UnixMilli()
	if exists {
		_, err = tx.ExecContext(ctx,
			`UPDATE documents SET data = ?, updated_at_ms = ? WHERE path = ?`,
			string(encoded), now, path)
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO documents (path, collection, data, created_at_ms, updated_at_ms)
			VALUES (?, ?, ?, ?, ?)
		`, path, Collection(path), string(encoded), now, now)
	}
	if err != nil {
		return fmt.Errorf("merge %s: %w", path, err)
	}
	return tx.Commit()
}

// applyField sets a dotted field path inside data, creating intermediate
// maps as needed. A nil value removes the field.
func applyField(data map[string]any, key string, value any) {
	parts := strings.Split(key, ".")
	cur := data
	for i, part := range parts {
		if i == len(parts)-1 {
			if value == nil {
				delete(cur, part)
			} else {
				cur[part] = value
			}
			return
		}
		next, ok := cur[part].(map[string]any)
		if !ok {
			if value == nil {
				return
			}
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
}

func (s *SQLiteStore) Delete(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE path = ?`, path); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteCollection(ctx context.Context, collection string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = ?`, collection); err != nil {
		return fmt.Errorf("delete collection %s: %w", collection, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, collection string) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, data, created_at_ms, updated_at_ms FROM documents
		WHERE collection = ? ORDER BY created_at_ms, rowid
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		var raw string
		doc := &Document{}
		if err := rows.Scan(&doc.Path, &raw, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("list %s: %w", collection, err)
		}
		if err := json.Unmarshal([]byte(raw), &doc.Data); err != nil {
			return nil, fmt.Errorf("decode %s: %w", doc.Path, err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *SQLiteStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	pattern := strings.ReplaceAll(prefix, `%`, `\%`)
	pattern = strings.ReplaceAll(pattern, `_`, `\_`)
	rows, err := s.db.QueryContext(ctx,
		`SELECT path FROM documents WHERE path LIKE ? ESCAPE '\' ORDER BY path`,
		pattern+"%")
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan %s: %w", prefix, err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}
