package job

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[int64]Job
	byHash map[common.Hash]int64
	order  []int64
	nextID int64

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[int64]Job),
		byHash: make(map[common.Hash]int64),
		nextID: 1,
		now:    time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, in Solve) (Job, bool, error) {
	if err := ValidateSolve(in); err != nil {
		return Job{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byHash[in.SourceTxHash]; ok {
		return s.jobs[id].clone(), false, nil
	}

	now := s.now().UTC()
	j := Job{
		ID:        s.nextID,
		Solve:     in,
		Status:    StatusSeen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.nextID++
	s.jobs[j.ID] = j
	s.byHash[in.SourceTxHash] = j.ID
	s.order = append(s.order, j.ID)
	return j, true, nil
}

func (s *MemoryStore) GetByTxHash(_ context.Context, txHash common.Hash) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[txHash]
	if !ok {
		return Job{}, ErrNotFound
	}
	return s.jobs[id].clone(), nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Job
	for _, id := range s.order {
		j := s.jobs[id]
		if j.Status != status {
			continue
		}
		out = append(out, j.clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ListAll(_ context.Context, limit int) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.order)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Job, 0, n)
	for i := len(s.order) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.jobs[s.order[i]].clone())
	}
	return out, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id int64, to Status, u Update) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	if err := CheckTransition(j.Status, to); err != nil {
		return Job{}, err
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
	j.UpdatedAt = s.now().UTC()
	s.jobs[id] = j
	return j.clone(), nil
}

func (s *MemoryStore) MaxBlockNumber(_ context.Context) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		max uint64
		ok  bool
	)
	for _, j := range s.jobs {
		if !ok || j.BlockNumber > max {
			max = j.BlockNumber
			ok = true
		}
	}
	return max, ok, nil
}

var _ Store = (*MemoryStore)(nil)
