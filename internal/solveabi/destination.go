package solveabi

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Sibling field names must match the Solidity tuple components (see destinationABIJSON).
type Sibling struct {
	Hash   common.Hash
	IsLeft bool
}

// QueryCall holds the arguments shared by both record entry points.
type QueryCall struct {
	ChainKey            uint64
	BlockHeight         uint64
	EncodedTransaction  []byte
	MerkleRoot          common.Hash
	Siblings            []Sibling
	LowerEndpointDigest common.Hash
	ContinuityRoots     []common.Hash
}

func (c QueryCall) validate() error {
	if c.ChainKey == 0 {
		return fmt.Errorf("%w: chainKey must be non-zero", ErrInvalidInput)
	}
	if len(c.EncodedTransaction) == 0 {
		return fmt.Errorf("%w: empty encoded transaction", ErrInvalidInput)
	}
	return nil
}

func (c QueryCall) args() []any {
	siblings := c.Siblings
	if siblings == nil {
		siblings = []Sibling{}
	}
	roots := c.ContinuityRoots
	if roots == nil {
		roots = []common.Hash{}
	}
	return []any{
		c.ChainKey,
		c.BlockHeight,
		c.EncodedTransaction,
		c.MerkleRoot,
		siblings,
		c.LowerEndpointDigest,
		roots,
	}
}

func PackRecordMiningFromQuery(c QueryCall) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	b, err := destinationABI.Pack("recordMiningFromQuery", c.args()...)
	if err != nil {
		return nil, fmt.Errorf("solveabi: pack recordMiningFromQuery calldata: %w", err)
	}
	return b, nil
}

func PackRecordMiningDemoMode(c QueryCall, miner common.Address, epoch uint64, workUnits *big.Int) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	if (miner == common.Address{}) {
		return nil, fmt.Errorf("%w: miner must be non-zero", ErrInvalidInput)
	}
	if workUnits == nil || workUnits.Sign() < 0 {
		return nil, fmt.Errorf("%w: workUnits must be >= 0", ErrInvalidInput)
	}
	args := append(c.args(), miner, epoch, workUnits)
	b, err := destinationABI.Pack("recordMiningDemoMode", args...)
	if err != nil {
		return nil, fmt.Errorf("solveabi: pack recordMiningDemoMode calldata: %w", err)
	}
	return b, nil
}

func PackStrictDecode() ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	return destinationABI.Pack("strictDecode")
}

func UnpackStrictDecode(out []byte) (bool, error) {
	if err := initABI(); err != nil {
		return false, err
	}
	vals, err := destinationABI.Unpack("strictDecode", out)
	if err != nil {
		return false, fmt.Errorf("%w: unpack strictDecode: %v", ErrInvalidInput, err)
	}
	if len(vals) != 1 {
		return false, fmt.Errorf("%w: strictDecode returned %d values", ErrInvalidInput, len(vals))
	}
	v, ok := vals[0].(bool)
	if !ok {
		return false, fmt.Errorf("%w: strictDecode returned %T", ErrInvalidInput, vals[0])
	}
	return v, nil
}

// MethodID returns the 4-byte selector for a destination method.
func MethodID(name string) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	m, ok := destinationABI.Methods[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown method %q", ErrInvalidInput, name)
	}
	return append([]byte(nil), m.ID...), nil
}

// UnpackQueryCall decodes recordMiningFromQuery or recordMiningDemoMode calldata.
// For the demo entry point the trailing miner/epoch/workUnits are returned too.
func UnpackQueryCall(calldata []byte) (method string, c QueryCall, demo *DemoArgs, err error) {
	if err := initABI(); err != nil {
		return "", QueryCall{}, nil, err
	}
	if len(calldata) < 4 {
		return "", QueryCall{}, nil, fmt.Errorf("%w: calldata too short", ErrInvalidInput)
	}
	m, err := destinationABI.MethodById(calldata[:4])
	if err != nil {
		return "", QueryCall{}, nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	vals, err := m.Inputs.Unpack(calldata[4:])
	if err != nil {
		return "", QueryCall{}, nil, fmt.Errorf("%w: unpack %s: %v", ErrInvalidInput, m.Name, err)
	}

	var decoded struct {
		ChainKey            uint64
		BlockHeight         uint64
		EncodedTransaction  []byte
		MerkleRoot          [32]byte
		Siblings            []Sibling
		LowerEndpointDigest [32]byte
		ContinuityRoots     [][32]byte
		Miner               common.Address
		Epoch               uint64
		WorkUnits           *big.Int
	}
	if err := m.Inputs.Copy(&decoded, vals); err != nil {
		return "", QueryCall{}, nil, fmt.Errorf("%w: copy %s: %v", ErrInvalidInput, m.Name, err)
	}

	c = QueryCall{
		ChainKey:            decoded.ChainKey,
		BlockHeight:         decoded.BlockHeight,
		EncodedTransaction:  decoded.EncodedTransaction,
		MerkleRoot:          decoded.MerkleRoot,
		Siblings:            decoded.Siblings,
		LowerEndpointDigest: decoded.LowerEndpointDigest,
	}
	for _, r := range decoded.ContinuityRoots {
		c.ContinuityRoots = append(c.ContinuityRoots, r)
	}
	if m.Name == "recordMiningDemoMode" {
		demo = &DemoArgs{Miner: decoded.Miner, Epoch: decoded.Epoch, WorkUnits: decoded.WorkUnits}
	}
	return m.Name, c, demo, nil
}

type DemoArgs struct {
	Miner     common.Address
	Epoch     uint64
	WorkUnits *big.Int
}

// MiningCredited mirrors the destination credit event.
type MiningCredited struct {
	Miner             common.Address
	Epoch             uint64
	WorkUnits         *big.Int
	NewTotalWorkUnits *big.Int
	QueryKey          common.Hash
}

// FindMiningCredited returns the first MiningCredited event emitted by contract in logs.
func FindMiningCredited(logs []*types.Log, contract common.Address) (MiningCredited, bool, error) {
	if err := initABI(); err != nil {
		return MiningCredited{}, false, err
	}
	ev := destinationABI.Events["MiningCredited"]
	for _, lg := range logs {
		if lg == nil || lg.Address != contract || len(lg.Topics) != 4 || lg.Topics[0] != ev.ID {
			continue
		}
		out, err := decodeMiningCredited(ev, lg)
		if err != nil {
			return MiningCredited{}, false, err
		}
		return out, true, nil
	}
	return MiningCredited{}, false, nil
}

func decodeMiningCredited(ev abi.Event, lg *types.Log) (MiningCredited, error) {
	epoch := new(big.Int).SetBytes(lg.Topics[2].Bytes())
	if !epoch.IsUint64() {
		return MiningCredited{}, fmt.Errorf("%w: epoch overflows uint64", ErrInvalidInput)
	}
	vals, err := ev.Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil {
		return MiningCredited{}, fmt.Errorf("%w: unpack MiningCredited data: %v", ErrInvalidInput, err)
	}
	if len(vals) != 2 {
		return MiningCredited{}, fmt.Errorf("%w: MiningCredited data has %d fields", ErrInvalidInput, len(vals))
	}
	work, ok1 := vals[0].(*big.Int)
	total, ok2 := vals[1].(*big.Int)
	if !ok1 || !ok2 {
		return MiningCredited{}, fmt.Errorf("%w: MiningCredited data has unexpected types", ErrInvalidInput)
	}
	return MiningCredited{
		Miner:             common.BytesToAddress(lg.Topics[1].Bytes()[12:]),
		Epoch:             epoch.Uint64(),
		WorkUnits:         work,
		NewTotalWorkUnits: total,
		QueryKey:          lg.Topics[3],
	}, nil
}

// EncodeMiningCreditedData packs the non-indexed MiningCredited fields. Used to
// build fixture receipts.
func EncodeMiningCreditedData(workUnits, newTotal *big.Int) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	return destinationABI.Events["MiningCredited"].Inputs.NonIndexed().Pack(workUnits, newTotal)
}

// MiningCreditedTopic returns topic0 of the destination credit event.
func MiningCreditedTopic() (common.Hash, error) {
	if err := initABI(); err != nil {
		return common.Hash{}, err
	}
	return destinationABI.Events["MiningCredited"].ID, nil
}
