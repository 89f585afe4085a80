package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// Blobs is the key-value table that shares the records database.
type Blobs struct {
	db *sql.DB
}

func (s *SQLiteSyncStorage) Blobs() *Blobs {
	return &Blobs{db: s.db}
}

func (b *Blobs) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := b.db.QueryRowContext(ctx, "SELECT value FROM blobs WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get blob: %w", err)
	}
	return value, true, nil
}

func (b *Blobs) Set(ctx context.Context, key string, value []byte) error {
	if _, err := b.db.ExecContext(ctx, "INSERT OR REPLACE INTO blobs (key, value) VALUES (?, ?)", key, value); err != nil {
		return fmt.Errorf("failed to set blob: %w", err)
	}
	return nil
}

func (b *Blobs) Delete(ctx context.Context, key string) error {
	if _, err := b.db.ExecContext(ctx, "DELETE FROM blobs WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

func (b *Blobs) Clear(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, "DELETE FROM blobs"); err != nil {
		return fmt.Errorf("failed to clear blobs: %w", err)
	}
	return nil
}
