package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/breez/field-sync/revision"
	"github.com/breez/field-sync/store"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLiteSyncStorage keeps the Dirty Record Store and the persisted blobs of
// the sync core in a single SQLite file.
type SQLiteSyncStorage struct {
	db    *sql.DB
	clock *store.Clock
}

var _ store.DirtyStore = (*SQLiteSyncStorage)(nil)

func NewSQLiteSyncStorage(file string) (*SQLiteSyncStorage, error) {
	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 database %w", err)
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}

	migrationDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", migrationDriver, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}

	// a single connection serializes writers, which keeps per-id writes atomic
	db.SetMaxOpenConns(1)

	s := &SQLiteSyncStorage{db: db, clock: store.NewClock(nil)}
	var lastWrite, lastSync sql.NullInt64
	err = db.QueryRow("SELECT MAX(written_at), MAX(synced_at) FROM records").Scan(&lastWrite, &lastSync)
	if err != nil {
		return nil, fmt.Errorf("failed to read last write time: %w", err)
	}
	if lastWrite.Valid {
		s.clock.Observe(time.Unix(0, lastWrite.Int64))
	}
	if lastSync.Valid {
		s.clock.Observe(time.Unix(0, lastSync.Int64))
	}
	return s, nil
}

func (s *SQLiteSyncStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteSyncStorage) Now() time.Time {
	return s.clock.Now()
}

const selectRecord = "SELECT id, content, revision, synced_revision, is_dirty, written_at, synced_at FROM records"

type scanner interface {
	Scan(dest ...any) error
}

func scanDatum(row scanner) (string, store.Datum, error) {
	var (
		id             string
		d              store.Datum
		rev, syncedRev sql.NullInt64
		writtenAt      int64
		syncedAt       sql.NullInt64
		content        []byte
	)
	if err := row.Scan(&id, &content, &rev, &syncedRev, &d.IsDirty, &writtenAt, &syncedAt); err != nil {
		return "", store.Datum{}, err
	}
	d.Content = content
	d.Revision = fromNull(rev)
	d.SyncedRevision = fromNull(syncedRev)
	d.WrittenAt = time.Unix(0, writtenAt)
	if syncedAt.Valid {
		at := time.Unix(0, syncedAt.Int64)
		d.SyncedAt = &at
	}
	return id, d, nil
}

func fromNull(n sql.NullInt64) revision.ID {
	if !n.Valid {
		return revision.None
	}
	return revision.Of(uint64(n.Int64))
}

func toNull(id revision.ID) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(id.Value), Valid: id.Valid}
}

// contentBytes maps empty content to a JSON null so the column stays NOT NULL.
func contentBytes(content json.RawMessage) []byte {
	if len(content) == 0 {
		return []byte("null")
	}
	return content
}

func (s *SQLiteSyncStorage) Get(ctx context.Context, id string) (store.Datum, bool, error) {
	_, d, err := scanDatum(s.db.QueryRowContext(ctx, selectRecord+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return store.Datum{}, false, nil
	}
	if err != nil {
		return store.Datum{}, false, fmt.Errorf("failed to get record: %w", err)
	}
	return d, true, nil
}

func (s *SQLiteSyncStorage) ReadAll(ctx context.Context) (map[string]store.Datum, error) {
	return s.query(ctx, selectRecord)
}

func (s *SQLiteSyncStorage) ReadDirty(ctx context.Context) (map[string]store.Datum, error) {
	return s.query(ctx, selectRecord+" WHERE is_dirty = 1")
}

func (s *SQLiteSyncStorage) query(ctx context.Context, query string) (map[string]store.Datum, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := make(map[string]store.Datum)
	for rows.Next() {
		id, d, err := scanDatum(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records[id] = d
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return records, nil
}

func (s *SQLiteSyncStorage) Write(ctx context.Context, id string, content json.RawMessage) (store.Datum, error) {
	var d store.Datum
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		d, err = s.write(ctx, tx, id, content)
		return err
	})
	return d, err
}

func (s *SQLiteSyncStorage) WriteAll(ctx context.Context, records map[string]json.RawMessage) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for id, content := range records {
			if _, err := s.write(ctx, tx, id, content); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteSyncStorage) write(ctx context.Context, tx *sql.Tx, id string, content json.RawMessage) (store.Datum, error) {
	_, d, err := scanDatum(tx.QueryRowContext(ctx, selectRecord+" WHERE id = ?", id))
	if err != nil && err != sql.ErrNoRows {
		return store.Datum{}, fmt.Errorf("failed to get record's latest revision: %w", err)
	}
	d.Content = append(json.RawMessage(nil), content...)
	d.Revision = revision.Next(d.Revision)
	d.IsDirty = true
	d.WrittenAt = s.clock.Now()

	var syncedAt sql.NullInt64
	if d.SyncedAt != nil {
		syncedAt = sql.NullInt64{Int64: d.SyncedAt.UnixNano(), Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO records (id, content, revision, synced_revision, is_dirty, written_at, synced_at) VALUES (?, ?, ?, ?, 1, ?, ?)",
		id, contentBytes(d.Content), toNull(d.Revision), toNull(d.SyncedRevision), d.WrittenAt.UnixNano(), syncedAt)
	if err != nil {
		return store.Datum{}, fmt.Errorf("failed to insert record: %w", err)
	}
	return d, nil
}

func (s *SQLiteSyncStorage) MarkSynced(ctx context.Context, ids []string, syncedAt time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			// the written_at guard keeps records edited after the snapshot dirty
			_, err := tx.ExecContext(ctx,
				"UPDATE records SET is_dirty = 0, synced_at = ? WHERE id = ? AND (written_at <= ? OR revision IS synced_revision)",
				syncedAt.UnixNano(), id, syncedAt.UnixNano())
			if err != nil {
				return fmt.Errorf("failed to mark record synced: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLiteSyncStorage) SetSyncedRevisions(ctx context.Context, revisions map[string]revision.ID) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for id, rev := range revisions {
			if _, err := tx.ExecContext(ctx, "UPDATE records SET synced_revision = ? WHERE id = ?", toNull(rev), id); err != nil {
				return fmt.Errorf("failed to set synced revision: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLiteSyncStorage) MergeRemote(ctx context.Context, incoming []store.Incoming) ([]string, []string, error) {
	var applied, deferred []string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, in := range incoming {
			_, existing, err := scanDatum(tx.QueryRowContext(ctx, selectRecord+" WHERE id = ?", in.ID))
			if err != nil && err != sql.ErrNoRows {
				return fmt.Errorf("failed to get record: %w", err)
			}
			switch store.DecideMerge(existing, err == nil, in) {
			case store.MergeDefer:
				deferred = append(deferred, in.ID)
			case store.MergeApply:
				now := s.clock.Now().UnixNano()
				_, err := tx.ExecContext(ctx,
					"INSERT OR REPLACE INTO records (id, content, revision, synced_revision, is_dirty, written_at, synced_at) VALUES (?, ?, ?, ?, 0, ?, ?)",
					in.ID, contentBytes(in.Content), toNull(in.Revision), toNull(in.Revision), now, now)
				if err != nil {
					return fmt.Errorf("failed to merge record: %w", err)
				}
				applied = append(applied, in.ID)
			case store.MergeRemove:
				if _, err := tx.ExecContext(ctx, "DELETE FROM records WHERE id = ?", in.ID); err != nil {
					return fmt.Errorf("failed to remove record: %w", err)
				}
				applied = append(applied, in.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return applied, deferred, nil
}

func (s *SQLiteSyncStorage) Remove(ctx context.Context, ids []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, "DELETE FROM records WHERE id = ?", id); err != nil {
				return fmt.Errorf("failed to delete record: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLiteSyncStorage) Reset(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM records"); err != nil {
			return fmt.Errorf("failed to delete records: %w", err)
		}
		return nil
	})
}

func (s *SQLiteSyncStorage) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
