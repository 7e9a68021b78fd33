package eth

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type PendingNoncer interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager hands out nonces for the worker's single destination account.
//
// The first Next reads the pending nonce from the node; later calls count
// locally so several signed-but-unmined record txs never share a nonce.
type NonceManager struct {
	backend PendingNoncer
	addr    common.Address

	mu   sync.Mutex
	next uint64
	have bool
}

func NewNonceManager(backend PendingNoncer, addr common.Address) *NonceManager {
	return &NonceManager{
		backend: backend,
		addr:    addr,
	}
}

// Next returns the next nonce and increments the internal counter.
func (m *NonceManager) Next(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.have {
		n, err := m.backend.PendingNonceAt(ctx, m.addr)
		if err != nil {
			return 0, err
		}
		m.next = n
		m.have = true
	}

	n := m.next
	m.next++
	return n, nil
}

// Reset drops the local counter. The following Next re-reads the node's
// pending nonce.
func (m *NonceManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.have = false
	m.next = 0
}

// Release hands back n, a nonce whose tx will never reach the node. When n is
// the most recent nonce handed out the next Next returns it again; otherwise
// the counter is dropped and re-read from the node.
func (m *NonceManager) Release(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.have && n+1 == m.next {
		m.next = n
		return
	}
	m.have = false
	m.next = 0
}
