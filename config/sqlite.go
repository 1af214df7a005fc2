package config

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// OpenDB opens the node database, creating its directory when needed.
func OpenDB(dsn string) (*sql.DB, error) {
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// SQLitePersister stores one JSON document per category.
type SQLitePersister struct {
	db *sql.DB
}

func NewSQLitePersister(db *sql.DB) (*SQLitePersister, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			category TEXT PRIMARY KEY,
			body TEXT NOT NULL,
			updated DATETIME NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("create documents table: %w", err)
	}
	return &SQLitePersister{db: db}, nil
}

func (p *SQLitePersister) LoadDocument(category Category) ([]byte, error) {
	var body string
	err := p.db.QueryRow("SELECT body FROM documents WHERE category = ?", string(category)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoDocument
	}
	if err != nil {
		return nil, err
	}
	return []byte(body), nil
}

func (p *SQLitePersister) SaveDocument(category Category, body []byte) error {
	_, err := p.db.Exec(`
		INSERT OR REPLACE INTO documents (category, body, updated)
		VALUES (?, ?, ?)
	`, string(category), string(body), time.Now().UTC())
	return err
}

func (p *SQLitePersister) DeleteDocument(category Category) error {
	_, err := p.db.Exec("DELETE FROM documents WHERE category = ?", string(category))
	return err
}
