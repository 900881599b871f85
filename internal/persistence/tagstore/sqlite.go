package tagstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS container_tags (
			container_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (container_id, key)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (map[string]map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT container_id, key, value FROM container_tags`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]map[string]string{}
	for rows.Next() {
		var id, k, v string
		if err := rows.Scan(&id, &k, &v); err != nil {
			return nil, err
		}
		m := out[id]
		if m == nil {
			m = map[string]string{}
			out[id] = m
		}
		m[k] = v
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Save(ctx context.Context, containerID string, tags map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM container_tags WHERE container_id = ?`, containerID); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO container_tags(container_id,key,value) VALUES(?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for k, v := range tags {
		if _, err := stmt.ExecContext(ctx, containerID, k, v); err != nil {
			return fmt.Errorf("tag %s: %w", k, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Delete(ctx context.Context, containerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM container_tags WHERE container_id = ?`, containerID)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
