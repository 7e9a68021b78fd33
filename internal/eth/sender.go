package eth

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var ErrInvalidSenderConfig = errors.New("eth: invalid sender config")

// Backend is the subset of ethclient.Client the sender needs.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type SenderConfig struct {
	ChainID   *big.Int
	MinTipCap *big.Int
}

// Sender builds, signs and broadcasts EIP-1559 transactions from one account.
// Signing and broadcasting are separate steps so callers can persist the tx
// hash before the tx leaves the process.
type Sender struct {
	backend Backend
	signer  Signer
	nonces  *NonceManager
	cfg     SenderConfig
}

type TxRequest struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
}

func NewSender(backend Backend, signer Signer, cfg SenderConfig) (*Sender, error) {
	if backend == nil || signer == nil {
		return nil, ErrInvalidSenderConfig
	}
	if (signer.Address() == common.Address{}) {
		return nil, fmt.Errorf("%w: signer has zero address", ErrInvalidSenderConfig)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: chain id must be > 0", ErrInvalidSenderConfig)
	}
	if cfg.MinTipCap == nil {
		cfg.MinTipCap = big.NewInt(0)
	}
	if cfg.MinTipCap.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative min tip", ErrInvalidSenderConfig)
	}
	return &Sender{
		backend: backend,
		signer:  signer,
		nonces:  NewNonceManager(backend, signer.Address()),
		cfg:     cfg,
	}, nil
}

func (s *Sender) From() common.Address { return s.signer.Address() }

func (s *Sender) ChainID() *big.Int { return new(big.Int).Set(s.cfg.ChainID) }

// SignTx allocates a nonce and returns a signed tx. Nothing is sent.
func (s *Sender) SignTx(ctx context.Context, req TxRequest) (*types.Transaction, error) {
	if req.GasLimit == 0 {
		return nil, fmt.Errorf("%w: gas limit must be > 0", ErrInvalidSenderConfig)
	}
	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}

	suggestedTip, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("eth: suggest tip: %w", err)
	}
	header, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("eth: latest header: %w", err)
	}
	if header.BaseFee == nil || header.BaseFee.Sign() < 0 {
		return nil, fmt.Errorf("eth: missing baseFee in latest header")
	}
	tipCap, feeCap, err := Calc1559Fees(header.BaseFee, suggestedTip, s.cfg.MinTipCap)
	if err != nil {
		return nil, err
	}

	nonce, err := s.nonces.Next(ctx)
	if err != nil {
		return nil, fmt.Errorf("eth: pending nonce: %w", err)
	}

	to := req.To
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       req.GasLimit,
		To:        &to,
		Value:     value,
		Data:      req.Data,
	})
	return s.signer.SignTx(tx, s.cfg.ChainID)
}

// Broadcast submits a signed tx. A node that already holds the tx counts as
// success, so rebroadcasting is safe.
func (s *Sender) Broadcast(ctx context.Context, tx *types.Transaction) error {
	if tx == nil {
		return fmt.Errorf("%w: nil tx", ErrInvalidSenderConfig)
	}
	err := s.backend.SendTransaction(ctx, tx)
	if err == nil || IsAlreadyKnown(err) {
		return nil
	}
	if IsNonceTooLow(err) {
		s.nonces.Reset()
	}
	return fmt.Errorf("eth: broadcast %s: %w", tx.Hash(), err)
}

// ReleaseNonce returns the nonce of a signed tx that was dropped before
// broadcast, so later txs do not queue behind the gap.
func (s *Sender) ReleaseNonce(nonce uint64) { s.nonces.Release(nonce) }

// ResyncNonce makes the next SignTx re-read the pending nonce from the node.
func (s *Sender) ResyncNonce() { s.nonces.Reset() }

// Receipt returns ethereum.NotFound while the tx is pending.
func (s *Sender) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return s.backend.TransactionReceipt(ctx, txHash)
}

// Call runs a read-only call against the latest block.
func (s *Sender) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return s.backend.CallContract(ctx, ethereum.CallMsg{From: s.From(), To: &to, Data: data}, nil)
}

func IsAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

func IsNonceTooLow(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}
