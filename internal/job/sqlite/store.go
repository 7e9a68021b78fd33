package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/uscmining/relay-worker/internal/job"

	_ "modernc.org/sqlite"
)

var ErrInvalidConfig = errors.New("job/sqlite: invalid config")

const selectColumns = `
	id,
	source_tx_hash,
	block_number,
	tx_index,
	log_index,
	epoch,
	miner,
	nonce,
	work_units,
	digest,
	status,
	proof_bundle,
	destination_tx_hash,
	error_message,
	created_at,
	updated_at
`

// Store is a job.Store on a local SQLite file. All access goes through a single
// connection so writes are serialized.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and ensures the schema exists.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidConfig)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("job/sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		return fmt.Errorf("job/sqlite: busy timeout: %w", err)
	}
	// WAL lets API readers run alongside the worker's writes. In-memory
	// databases stay in "memory" mode.
	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode = WAL`); err != nil {
		return fmt.Errorf("job/sqlite: journal mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("job/sqlite: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Create(ctx context.Context, in job.Solve) (job.Job, bool, error) {
	if s == nil || s.db == nil {
		return job.Job{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := job.ValidateSolve(in); err != nil {
		return job.Job{}, false, err
	}

	now := s.now().UTC().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO relay_jobs (
			source_tx_hash,
			block_number,
			tx_index,
			log_index,
			epoch,
			miner,
			nonce,
			work_units,
			digest,
			status,
			created_at,
			updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (source_tx_hash) DO NOTHING
	`,
		hashText(in.SourceTxHash),
		int64(in.BlockNumber),
		int64(in.TxIndex),
		int64(in.LogIndex),
		int64(in.Epoch),
		addrText(in.Miner),
		in.Nonce,
		int64(in.WorkUnits),
		hashText(in.Digest),
		job.StatusSeen.String(),
		now,
		now,
	)
	if err != nil {
		return job.Job{}, false, fmt.Errorf("job/sqlite: insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return job.Job{}, false, fmt.Errorf("job/sqlite: rows affected: %w", err)
	}

	j, err := s.GetByTxHash(ctx, in.SourceTxHash)
	if err != nil {
		return job.Job{}, false, err
	}
	return j, n == 1, nil
}

func (s *Store) GetByTxHash(ctx context.Context, txHash common.Hash) (job.Job, error) {
	if s == nil || s.db == nil {
		return job.Job{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM relay_jobs WHERE source_tx_hash = ?`, hashText(txHash))
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return job.Job{}, job.ErrNotFound
		}
		return job.Job{}, fmt.Errorf("job/sqlite: get: %w", err)
	}
	return j, nil
}

func (s *Store) ListByStatus(ctx context.Context, status job.Status, limit int) ([]job.Job, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM relay_jobs
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, status.String(), sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("job/sqlite: list by status: %w", err)
	}
	return collect(rows)
}

func (s *Store) ListAll(ctx context.Context, limit int) ([]job.Job, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM relay_jobs
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("job/sqlite: list all: %w", err)
	}
	return collect(rows)
}

func (s *Store) UpdateStatus(ctx context.Context, id int64, to job.Status, u job.Update) (job.Job, error) {
	if s == nil || s.db == nil {
		return job.Job{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return job.Job{}, fmt.Errorf("job/sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM relay_jobs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return job.Job{}, job.ErrNotFound
		}
		return job.Job{}, fmt.Errorf("job/sqlite: get for update: %w", err)
	}
	if err := job.CheckTransition(j.Status, to); err != nil {
		return job.Job{}, err
	}

	j.Status = to
	if u.ProofBundle != nil {
		j.ProofBundle = append([]byte(nil), u.ProofBundle...)
	}
	if u.DestinationTxHash != nil {
		j.DestinationTxHash = *u.DestinationTxHash
	}
	if u.ErrorMessage != nil {
		j.ErrorMessage = *u.ErrorMessage
	}
	j.UpdatedAt = time.UnixMilli(s.now().UTC().UnixMilli()).UTC()

	_, err = tx.ExecContext(ctx, `
		UPDATE relay_jobs
		SET
			status = ?,
			proof_bundle = ?,
			destination_tx_hash = ?,
			error_message = ?,
			updated_at = ?
		WHERE id = ?
	`,
		to.String(),
		nullBytes(j.ProofBundle),
		nullHash(j.DestinationTxHash),
		nullString(j.ErrorMessage),
		j.UpdatedAt.UnixMilli(),
		id,
	)
	if err != nil {
		return job.Job{}, fmt.Errorf("job/sqlite: update status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return job.Job{}, fmt.Errorf("job/sqlite: commit: %w", err)
	}
	return j, nil
}

func (s *Store) MaxBlockNumber(ctx context.Context) (uint64, bool, error) {
	if s == nil || s.db == nil {
		return 0, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(block_number) FROM relay_jobs`).Scan(&max); err != nil {
		return 0, false, fmt.Errorf("job/sqlite: max block: %w", err)
	}
	if !max.Valid || max.Int64 < 0 {
		return 0, false, nil
	}
	return uint64(max.Int64), true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (job.Job, error) {
	var (
		id                           int64
		txHash, miner, nonce, digest string
		status                       string
		block, txIndex, logIndex     int64
		epoch, workUnits             int64
		bundle, destTx, errMsg       sql.NullString
		createdMs, updatedMs         int64
	)
	if err := row.Scan(
		&id,
		&txHash,
		&block,
		&txIndex,
		&logIndex,
		&epoch,
		&miner,
		&nonce,
		&workUnits,
		&digest,
		&status,
		&bundle,
		&destTx,
		&errMsg,
		&createdMs,
		&updatedMs,
	); err != nil {
		return job.Job{}, err
	}
	if block < 0 || txIndex < 0 || logIndex < 0 || epoch < 0 || workUnits < 0 {
		return job.Job{}, fmt.Errorf("job/sqlite: negative values in db")
	}
	st, err := job.ParseStatus(status)
	if err != nil {
		return job.Job{}, err
	}

	j := job.Job{
		ID: id,
		Solve: job.Solve{
			SourceTxHash: common.HexToHash(txHash),
			BlockNumber:  uint64(block),
			TxIndex:      uint64(txIndex),
			LogIndex:     uint64(logIndex),
			Epoch:        uint64(epoch),
			Miner:        common.HexToAddress(miner),
			Nonce:        nonce,
			WorkUnits:    uint64(workUnits),
			Digest:       common.HexToHash(digest),
		},
		Status:    st,
		CreatedAt: time.UnixMilli(createdMs).UTC(),
		UpdatedAt: time.UnixMilli(updatedMs).UTC(),
	}
	if bundle.Valid {
		j.ProofBundle = []byte(bundle.String)
	}
	if destTx.Valid {
		j.DestinationTxHash = common.HexToHash(destTx.String)
	}
	if errMsg.Valid {
		j.ErrorMessage = errMsg.String
	}
	return j, nil
}

func collect(rows *sql.Rows) ([]job.Job, error) {
	defer rows.Close()

	var out []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("job/sqlite: scan row: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job/sqlite: rows: %w", err)
	}
	return out, nil
}

// sqlLimit maps "no limit" onto SQLite's LIMIT -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func hashText(h common.Hash) string    { return strings.ToLower(h.Hex()) }
func addrText(a common.Address) string { return strings.ToLower(a.Hex()) }

func nullBytes(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func nullHash(h common.Hash) sql.NullString {
	if (h == common.Hash{}) {
		return sql.NullString{}
	}
	return sql.NullString{String: hashText(h), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ job.Store = (*Store)(nil)
