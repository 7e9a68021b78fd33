package proof

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// FixtureProvider serves pre-registered bundles by source tx hash and the
// Placeholder bundle for everything else. It is meant for tests and demo
// deployments whose destination contract runs in demo decode mode.
type FixtureProvider struct {
	mu       sync.RWMutex
	fixtures map[common.Hash]Bundle
}

func NewFixtureProvider() *FixtureProvider {
	return &FixtureProvider{fixtures: make(map[common.Hash]Bundle)}
}

func (p *FixtureProvider) Add(txHash common.Hash, b Bundle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fixtures[txHash] = b
}

func (p *FixtureProvider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.fixtures)
}

func (p *FixtureProvider) GetProof(ctx context.Context, req Request) (Bundle, error) {
	if err := ctx.Err(); err != nil {
		return Bundle{}, err
	}
	p.mu.RLock()
	b, ok := p.fixtures[req.TxHash]
	p.mu.RUnlock()
	if !ok {
		return Placeholder(), nil
	}
	return b, nil
}

// LoadFixtures reads a JSON object mapping tx hashes to bundles.
func (p *FixtureProvider) LoadFixtures(r io.Reader) (int, error) {
	var raw map[string]Bundle
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return 0, fmt.Errorf("proof: decode fixtures: %w", err)
	}
	for k, b := range raw {
		if !isHash(k) {
			return 0, fmt.Errorf("%w: fixture key %q is not a tx hash", ErrInvalidConfig, k)
		}
		p.Add(common.HexToHash(k), b)
	}
	return len(raw), nil
}

func (p *FixtureProvider) LoadFixturesFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("proof: open fixtures: %w", err)
	}
	defer f.Close()
	return p.LoadFixtures(f)
}

func isHash(s string) bool {
	if len(s) != 66 || s[0] != '0' || (s[1] != 'x' && s[1] != 'X') {
		return false
	}
	for _, c := range s[2:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

var _ Provider = (*FixtureProvider)(nil)
