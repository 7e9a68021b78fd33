package job

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotFound          = errors.New("job: not found")
	ErrInvalidJob        = errors.New("job: invalid job")
	ErrInvalidStatus     = errors.New("job: invalid status")
	ErrInvalidTransition = errors.New("job: invalid transition")
)

// Store persists relay jobs. Jobs are never deleted.
//
// List methods return every matching job when limit <= 0.
type Store interface {
	// Create inserts a job in StatusSeen keyed by SourceTxHash. When a job with the
	// same hash already exists it is returned unchanged with created=false.
	Create(ctx context.Context, s Solve) (j Job, created bool, err error)
	GetByTxHash(ctx context.Context, txHash common.Hash) (Job, error)
	// ListByStatus returns jobs oldest-created first.
	ListByStatus(ctx context.Context, status Status, limit int) ([]Job, error)
	// ListAll returns jobs newest-created first.
	ListAll(ctx context.Context, limit int) ([]Job, error)
	// UpdateStatus moves one job along the transition graph and applies u atomically.
	UpdateStatus(ctx context.Context, id int64, to Status, u Update) (Job, error)
	// MaxBlockNumber returns the highest source block seen by any job.
	MaxBlockNumber(ctx context.Context) (uint64, bool, error)
}

// ValidateSolve checks the fields every store requires before insert.
func ValidateSolve(s Solve) error {
	if (s.SourceTxHash == common.Hash{}) {
		return fmt.Errorf("%w: missing source tx hash", ErrInvalidJob)
	}
	if (s.Miner == common.Address{}) {
		return fmt.Errorf("%w: missing miner", ErrInvalidJob)
	}
	n, ok := new(big.Int).SetString(s.Nonce, 10)
	if !ok || n.Sign() < 0 || n.BitLen() > 256 {
		return fmt.Errorf("%w: nonce must be a decimal uint256", ErrInvalidJob)
	}
	if s.BlockNumber > math.MaxInt64 || s.TxIndex > math.MaxInt64 || s.LogIndex > math.MaxInt64 ||
		s.Epoch > math.MaxInt64 || s.WorkUnits > math.MaxInt64 {
		return fmt.Errorf("%w: value out of range", ErrInvalidJob)
	}
	return nil
}

// CheckTransition returns ErrInvalidTransition when from -> to is not an edge of
// the job state graph.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
