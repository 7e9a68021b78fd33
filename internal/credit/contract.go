// Package credit binds the destination credit contract: it reads the decode
// mode and builds the record transactions that carry proof bundles on chain.
package credit

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/uscmining/relay-worker/internal/eth"
	"github.com/uscmining/relay-worker/internal/proof"
	"github.com/uscmining/relay-worker/internal/solveabi"
)

var (
	ErrInvalidConfig = errors.New("credit: invalid config")
	ErrReverted      = errors.New("credit: destination tx reverted")
)

const DefaultGasLimit uint64 = 500_000

// QuerySubmission is the argument set of recordMiningFromQuery.
type QuerySubmission struct {
	ChainKey    uint64
	BlockHeight uint64
	Bundle      proof.Bundle
}

// DemoSubmission adds the solve fields the demo entry point trusts from the
// caller instead of decoding them from the transaction.
type DemoSubmission struct {
	QuerySubmission

	Miner     common.Address
	Epoch     uint64
	WorkUnits *big.Int
}

// TxSender is implemented by *eth.Sender.
type TxSender interface {
	SignTx(ctx context.Context, req eth.TxRequest) (*types.Transaction, error)
	Broadcast(ctx context.Context, tx *types.Transaction) error
	Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	ReleaseNonce(nonce uint64)
	ResyncNonce()
}

type Config struct {
	Address  common.Address
	GasLimit uint64
}

type Contract struct {
	cfg    Config
	sender TxSender
}

func New(cfg Config, sender TxSender) (*Contract, error) {
	if sender == nil {
		return nil, fmt.Errorf("%w: nil sender", ErrInvalidConfig)
	}
	if (cfg.Address == common.Address{}) {
		return nil, fmt.Errorf("%w: missing contract address", ErrInvalidConfig)
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = DefaultGasLimit
	}
	return &Contract{cfg: cfg, sender: sender}, nil
}

func (c *Contract) Address() common.Address { return c.cfg.Address }

// StrictDecode reports whether the contract decodes solves from the encoded
// transaction (true) or accepts caller-supplied fields (demo mode).
func (c *Contract) StrictDecode(ctx context.Context) (bool, error) {
	data, err := solveabi.PackStrictDecode()
	if err != nil {
		return false, err
	}
	out, err := c.sender.Call(ctx, c.cfg.Address, data)
	if err != nil {
		return false, fmt.Errorf("credit: call strictDecode: %w", err)
	}
	return solveabi.UnpackStrictDecode(out)
}

func (c *Contract) BuildRecordFromQuery(ctx context.Context, sub QuerySubmission) (*types.Transaction, error) {
	data, err := solveabi.PackRecordMiningFromQuery(queryCall(sub))
	if err != nil {
		return nil, err
	}
	return c.sign(ctx, data)
}

func (c *Contract) BuildRecordDemoMode(ctx context.Context, sub DemoSubmission) (*types.Transaction, error) {
	work := sub.WorkUnits
	if work == nil {
		work = new(big.Int)
	}
	data, err := solveabi.PackRecordMiningDemoMode(queryCall(sub.QuerySubmission), sub.Miner, sub.Epoch, work)
	if err != nil {
		return nil, err
	}
	return c.sign(ctx, data)
}

func (c *Contract) Broadcast(ctx context.Context, tx *types.Transaction) error {
	return c.sender.Broadcast(ctx, tx)
}

// Release hands back the nonce of a signed record tx that was never broadcast.
func (c *Contract) Release(tx *types.Transaction) {
	if tx != nil {
		c.sender.ReleaseNonce(tx.Nonce())
	}
}

// Resync makes the next record tx take its nonce from the node's pending state.
func (c *Contract) Resync() { c.sender.ResyncNonce() }

func (c *Contract) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return c.sender.Receipt(ctx, txHash)
}

// DecodeCredit checks a mined receipt. A non-success status yields ErrReverted.
// The bool reports whether a MiningCredited event from this contract was found.
func (c *Contract) DecodeCredit(r *types.Receipt) (solveabi.MiningCredited, bool, error) {
	if r == nil {
		return solveabi.MiningCredited{}, false, fmt.Errorf("credit: nil receipt")
	}
	if r.Status != types.ReceiptStatusSuccessful {
		return solveabi.MiningCredited{}, false, fmt.Errorf("%w: %s", ErrReverted, r.TxHash.Hex())
	}
	return solveabi.FindMiningCredited(r.Logs, c.cfg.Address)
}

func (c *Contract) sign(ctx context.Context, data []byte) (*types.Transaction, error) {
	tx, err := c.sender.SignTx(ctx, eth.TxRequest{
		To:       c.cfg.Address,
		Data:     data,
		GasLimit: c.cfg.GasLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("credit: sign record tx: %w", err)
	}
	return tx, nil
}

func queryCall(sub QuerySubmission) solveabi.QueryCall {
	b := sub.Bundle
	siblings := make([]solveabi.Sibling, len(b.Siblings))
	for i, s := range b.Siblings {
		siblings[i] = solveabi.Sibling{Hash: s.Hash, IsLeft: s.IsLeft}
	}
	return solveabi.QueryCall{
		ChainKey:            sub.ChainKey,
		BlockHeight:         sub.BlockHeight,
		EncodedTransaction:  b.EncodedTransaction,
		MerkleRoot:          b.MerkleRoot,
		Siblings:            siblings,
		LowerEndpointDigest: b.LowerEndpointDigest,
		ContinuityRoots:     append([]common.Hash(nil), b.ContinuityRoots...),
	}
}
