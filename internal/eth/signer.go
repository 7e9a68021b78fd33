package eth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidSigner = errors.New("eth: invalid signer")

// Signer signs destination record txs for the worker account.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// LocalSigner holds the worker key in process memory.
type LocalSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func NewLocalSigner(key *ecdsa.PrivateKey) *LocalSigner {
	s := &LocalSigner{key: key}
	if key != nil {
		s.addr = crypto.PubkeyToAddress(key.PublicKey)
	}
	return s
}

// LocalSignerFromHex builds a signer from the hex secret resolved at startup.
// Errors never include key material.
func LocalSignerFromHex(secret string) (*LocalSigner, error) {
	key, err := ParsePrivateKeyHex(secret)
	if err != nil {
		return nil, err
	}
	return NewLocalSigner(key), nil
}

func (s *LocalSigner) Address() common.Address { return s.addr }

// SignTx signs tx for chainID. A tx built for another chain is refused rather
// than re-signed.
func (s *LocalSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	switch {
	case s.key == nil:
		return nil, fmt.Errorf("%w: no key loaded", ErrInvalidSigner)
	case tx == nil:
		return nil, fmt.Errorf("%w: nil tx", ErrInvalidSigner)
	case chainID == nil || chainID.Sign() <= 0:
		return nil, fmt.Errorf("%w: chain id must be > 0", ErrInvalidSigner)
	}
	if id := tx.ChainId(); id != nil && id.Sign() > 0 && id.Cmp(chainID) != 0 {
		return nil, fmt.Errorf("%w: tx for chain %s, signing for chain %s", ErrInvalidSigner, id, chainID)
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("eth: sign tx for %s: %w", s.addr, err)
	}
	return signed, nil
}
