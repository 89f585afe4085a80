package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/breez/field-sync/remote"
	"github.com/breez/field-sync/revision"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type PgClient struct {
	db *pgxpool.Pool
}

func NewPgClient(databaseURL string) (*PgClient, error) {

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database %w", err)
	}
	defer db.Close()
	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}

	migrationDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}

	m, err := migrate.NewWithInstance(
		"iofs", migrationDriver,
		"field-sync", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}

	pgxPool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New(%v): %w", databaseURL, err)
	}
	return &PgClient{db: pgxPool}, nil
}

func (s *PgClient) Close() {
	s.db.Close()
}

func (s *PgClient) nextSeq(ctx context.Context, tx pgx.Tx, userID string) (uint64, error) {
	var seq int64
	err := tx.QueryRow(ctx, "INSERT INTO user_revisions (user_id, revision) VALUES ($1, 1) ON CONFLICT(user_id) DO UPDATE SET revision=user_revisions.revision + 1 RETURNING revision", userID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to set user's latest sequence: %w", err)
	}
	return uint64(seq), nil
}

func (s *PgClient) SetRecord(ctx context.Context, userID string, rec remote.Record) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel: pgx.Serializable,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(context.Background())

	stored := revision.None
	var storedRevision int64
	var deleted bool
	err = tx.QueryRow(ctx, "SELECT revision, deleted FROM records WHERE user_id = $1 AND id = $2", userID, rec.ID).Scan(&storedRevision, &deleted)
	if err != pgx.ErrNoRows {
		if err != nil {
			return 0, fmt.Errorf("failed to get record's latest revision: %w", err)
		}
		stored = revision.Of(uint64(storedRevision))
	}
	if err := remote.CheckBase(stored, deleted, rec.BaseRevision); err != nil {
		return 0, err
	}

	seq, err := s.nextSeq(ctx, tx, userID)
	if err != nil {
		return 0, err
	}

	_, err = tx.Exec(ctx, `INSERT INTO records (user_id, id, kind, data, revision, seq, signature, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)
		ON CONFLICT (user_id, id) DO UPDATE SET kind=EXCLUDED.kind, data=EXCLUDED.data, revision=EXCLUDED.revision,
		seq=EXCLUDED.seq, signature=EXCLUDED.signature, deleted=FALSE`,
		userID, rec.ID, rec.Kind, []byte(rec.Data), int64(rec.Revision), int64(seq), rec.Signature)
	if err != nil {
		return 0, fmt.Errorf("failed to insert record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return seq, nil
}

func (s *PgClient) ListChanges(ctx context.Context, userID string, sinceSeq uint64) ([]remote.Record, error) {

	rows, err := s.db.Query(ctx, "SELECT id, kind, data, revision, seq, signature, deleted FROM records WHERE user_id = $1 AND seq > $2 ORDER BY seq", userID, int64(sinceSeq))
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := make([]remote.Record, 0)
	for rows.Next() {
		var (
			record   remote.Record
			data     []byte
			rev, seq int64
		)
		err = rows.Scan(&record.ID, &record.Kind, &data, &rev, &seq, &record.Signature, &record.Deleted)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		record.Data = data
		record.Revision = uint64(rev)
		record.Seq = uint64(seq)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	return records, nil
}

func (s *PgClient) DeleteRecord(ctx context.Context, userID, id string) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel: pgx.Serializable,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(context.Background())

	var deleted bool
	err = tx.QueryRow(ctx, "SELECT deleted FROM records WHERE user_id = $1 AND id = $2", userID, id).Scan(&deleted)
	if err == pgx.ErrNoRows || (err == nil && deleted) {
		return remote.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get record: %w", err)
	}

	seq, err := s.nextSeq(ctx, tx, userID)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, "UPDATE records SET deleted=TRUE, seq=$3 WHERE user_id = $1 AND id = $2", userID, id, int64(seq))
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
