package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/uscmining/relay-worker/internal/job"
)

var ErrInvalidConfig = errors.New("job/postgres: invalid config")

const selectColumns = `
	id,
	source_tx_hash,
	block_number,
	tx_index,
	log_index,
	epoch,
	miner,
	nonce::text,
	work_units,
	digest,
	status,
	proof_bundle::text,
	destination_tx_hash,
	error_message,
	created_at,
	updated_at
`

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("job/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, in job.Solve) (job.Job, bool, error) {
	if s == nil || s.pool == nil {
		return job.Job{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := job.ValidateSolve(in); err != nil {
		return job.Job{}, false, err
	}

	tag, err := s.pool.Exec(ctx, `
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
		) VALUES ($1,$2,$3,$4,$5,$6,$7::numeric,$8,$9,$10,now(),now())
		ON CONFLICT (source_tx_hash) DO NOTHING
	`,
		in.SourceTxHash[:],
		int64(in.BlockNumber),
		int64(in.TxIndex),
		int64(in.LogIndex),
		int64(in.Epoch),
		in.Miner[:],
		in.Nonce,
		int64(in.WorkUnits),
		in.Digest[:],
		int16(job.StatusSeen),
	)
	if err != nil {
		return job.Job{}, false, fmt.Errorf("job/postgres: insert: %w", err)
	}

	j, err := s.GetByTxHash(ctx, in.SourceTxHash)
	if err != nil {
		return job.Job{}, false, err
	}
	return j, tag.RowsAffected() == 1, nil
}

func (s *Store) GetByTxHash(ctx context.Context, txHash common.Hash) (job.Job, error) {
	if s == nil || s.pool == nil {
		return job.Job{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM relay_jobs WHERE source_tx_hash = $1`, txHash[:])
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return job.Job{}, job.ErrNotFound
		}
		return job.Job{}, fmt.Errorf("job/postgres: get: %w", err)
	}
	return j, nil
}

func (s *Store) getByID(ctx context.Context, id int64) (job.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM relay_jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return job.Job{}, job.ErrNotFound
		}
		return job.Job{}, fmt.Errorf("job/postgres: get by id: %w", err)
	}
	return j, nil
}

func (s *Store) ListByStatus(ctx context.Context, status job.Status, limit int) ([]job.Job, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+selectColumns+`
		FROM relay_jobs
		WHERE status = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, int16(status), pgLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("job/postgres: list by status: %w", err)
	}
	return collect(rows)
}

func (s *Store) ListAll(ctx context.Context, limit int) ([]job.Job, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+selectColumns+`
		FROM relay_jobs
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, pgLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("job/postgres: list all: %w", err)
	}
	return collect(rows)
}

func (s *Store) UpdateStatus(ctx context.Context, id int64, to job.Status, u job.Update) (job.Job, error) {
	if s == nil || s.pool == nil {
		return job.Job{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	cur, err := s.getByID(ctx, id)
	if err != nil {
		return job.Job{}, err
	}
	if err := job.CheckTransition(cur.Status, to); err != nil {
		return job.Job{}, err
	}

	var bundle *string
	if u.ProofBundle != nil {
		v := string(u.ProofBundle)
		bundle = &v
	}
	var destTx []byte
	if u.DestinationTxHash != nil {
		destTx = u.DestinationTxHash[:]
	}

	// Guard on the status we validated against; a concurrent writer makes this a no-op.
	row := s.pool.QueryRow(ctx, `
		UPDATE relay_jobs
		SET
			status = $2,
			proof_bundle = COALESCE($3::jsonb, proof_bundle),
			destination_tx_hash = COALESCE($4::bytea, destination_tx_hash),
			error_message = COALESCE($5::text, error_message),
			updated_at = now()
		WHERE id = $1 AND status = $6
		RETURNING `+selectColumns,
		id,
		int16(to),
		bundle,
		destTx,
		u.ErrorMessage,
		int16(cur.Status),
	)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return job.Job{}, fmt.Errorf("%w: status changed concurrently", job.ErrInvalidTransition)
		}
		return job.Job{}, fmt.Errorf("job/postgres: update status: %w", err)
	}
	return j, nil
}

func (s *Store) MaxBlockNumber(ctx context.Context) (uint64, bool, error) {
	if s == nil || s.pool == nil {
		return 0, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var max *int64
	if err := s.pool.QueryRow(ctx, `SELECT MAX(block_number) FROM relay_jobs`).Scan(&max); err != nil {
		return 0, false, fmt.Errorf("job/postgres: max block: %w", err)
	}
	if max == nil || *max < 0 {
		return 0, false, nil
	}
	return uint64(*max), true, nil
}

func scanJob(row pgx.Row) (job.Job, error) {
	var (
		j job.Job

		txHashRaw  []byte
		minerRaw   []byte
		digestRaw  []byte
		destTxRaw  []byte
		block      int64
		txIndex    int64
		logIndex   int64
		epoch      int64
		workUnits  int64
		status     int16
		bundle     *string
		errMessage *string
	)
	if err := row.Scan(
		&j.ID,
		&txHashRaw,
		&block,
		&txIndex,
		&logIndex,
		&epoch,
		&minerRaw,
		&j.Nonce,
		&workUnits,
		&digestRaw,
		&status,
		&bundle,
		&destTxRaw,
		&errMessage,
		&j.CreatedAt,
		&j.UpdatedAt,
	); err != nil {
		return job.Job{}, err
	}
	if block < 0 || txIndex < 0 || logIndex < 0 || epoch < 0 || workUnits < 0 {
		return job.Job{}, fmt.Errorf("job/postgres: negative values in db")
	}

	var err error
	if j.SourceTxHash, err = to32(txHashRaw); err != nil {
		return job.Job{}, err
	}
	if j.Digest, err = to32(digestRaw); err != nil {
		return job.Job{}, err
	}
	miner, err := to20(minerRaw)
	if err != nil {
		return job.Job{}, err
	}
	j.Miner = miner
	if destTxRaw != nil {
		if j.DestinationTxHash, err = to32(destTxRaw); err != nil {
			return job.Job{}, err
		}
	}

	j.BlockNumber = uint64(block)
	j.TxIndex = uint64(txIndex)
	j.LogIndex = uint64(logIndex)
	j.Epoch = uint64(epoch)
	j.WorkUnits = uint64(workUnits)
	j.Status = job.Status(status)
	if !j.Status.Valid() {
		return job.Job{}, fmt.Errorf("job/postgres: invalid status %d in db", status)
	}
	if bundle != nil {
		j.ProofBundle = []byte(*bundle)
	}
	if errMessage != nil {
		j.ErrorMessage = *errMessage
	}
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return j, nil
}

func collect(rows pgx.Rows) ([]job.Job, error) {
	defer rows.Close()

	var out []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("job/postgres: scan row: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job/postgres: rows: %w", err)
	}
	return out, nil
}

// pgLimit maps "no limit" onto LIMIT NULL.
func pgLimit(limit int) *int64 {
	if limit <= 0 {
		return nil
	}
	v := int64(limit)
	return &v
}

func to32(b []byte) (common.Hash, error) {
	var out common.Hash
	if len(b) != 32 {
		return out, fmt.Errorf("job/postgres: expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func to20(b []byte) (common.Address, error) {
	var out common.Address
	if len(b) != 20 {
		return out, fmt.Errorf("job/postgres: expected 20 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

var _ job.Store = (*Store)(nil)
