package solveabi

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// MiningSolved mirrors the source contract's solve event plus the coordinates of
// the log that carried it.
type MiningSolved struct {
	Epoch     uint64
	Miner     common.Address
	Nonce     *big.Int
	WorkUnits *big.Int
	Digest    common.Hash

	TxHash      common.Hash
	BlockNumber uint64
	TxIndex     uint64
	LogIndex    uint64
}

// MiningSolvedTopic returns topic0 of MiningSolved(uint64,address,uint256,uint256,bytes32).
func MiningSolvedTopic() (common.Hash, error) {
	if err := initABI(); err != nil {
		return common.Hash{}, err
	}
	return sourceABI.Events["MiningSolved"].ID, nil
}

func DecodeMiningSolved(lg types.Log) (MiningSolved, error) {
	if err := initABI(); err != nil {
		return MiningSolved{}, err
	}
	ev := sourceABI.Events["MiningSolved"]

	if len(lg.Topics) != 3 {
		return MiningSolved{}, fmt.Errorf("%w: MiningSolved expects 3 topics, got %d", ErrInvalidInput, len(lg.Topics))
	}
	if lg.Topics[0] != ev.ID {
		return MiningSolved{}, fmt.Errorf("%w: unexpected topic0 %s", ErrInvalidInput, lg.Topics[0])
	}

	epoch := new(big.Int).SetBytes(lg.Topics[1].Bytes())
	if !epoch.IsUint64() {
		return MiningSolved{}, fmt.Errorf("%w: epoch overflows uint64", ErrInvalidInput)
	}
	minerTopic := lg.Topics[2].Bytes()
	for _, b := range minerTopic[:12] {
		if b != 0 {
			return MiningSolved{}, fmt.Errorf("%w: miner topic has dirty high bytes", ErrInvalidInput)
		}
	}

	vals, err := ev.Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil {
		return MiningSolved{}, fmt.Errorf("%w: unpack MiningSolved data: %v", ErrInvalidInput, err)
	}
	if len(vals) != 3 {
		return MiningSolved{}, fmt.Errorf("%w: MiningSolved data has %d fields", ErrInvalidInput, len(vals))
	}
	nonce, ok1 := vals[0].(*big.Int)
	work, ok2 := vals[1].(*big.Int)
	digest, ok3 := vals[2].([32]byte)
	if !ok1 || !ok2 || !ok3 {
		return MiningSolved{}, fmt.Errorf("%w: MiningSolved data has unexpected types", ErrInvalidInput)
	}

	return MiningSolved{
		Epoch:       epoch.Uint64(),
		Miner:       common.BytesToAddress(minerTopic[12:]),
		Nonce:       nonce,
		WorkUnits:   work,
		Digest:      common.Hash(digest),
		TxHash:      lg.TxHash,
		BlockNumber: lg.BlockNumber,
		TxIndex:     uint64(lg.TxIndex),
		LogIndex:    uint64(lg.Index),
	}, nil
}

// EncodeMiningSolvedData packs the non-indexed MiningSolved fields. Used to build
// fixture logs.
func EncodeMiningSolvedData(nonce, workUnits *big.Int, digest common.Hash) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if nonce == nil || workUnits == nil || nonce.Sign() < 0 || workUnits.Sign() < 0 {
		return nil, fmt.Errorf("%w: nonce and workUnits must be >= 0", ErrInvalidInput)
	}
	b, err := sourceABI.Events["MiningSolved"].Inputs.NonIndexed().Pack(nonce, workUnits, [32]byte(digest))
	if err != nil {
		return nil, fmt.Errorf("solveabi: pack MiningSolved data: %w", err)
	}
	return b, nil
}
