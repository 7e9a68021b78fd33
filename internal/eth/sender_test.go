package eth

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type fakeBackend struct {
	mu sync.Mutex

	pendingNonce uint64
	nonceCalls   int

	suggestTip *big.Int
	baseFee    *big.Int

	sent     []*types.Transaction
	sendErr  error
	receipts map[common.Hash]*types.Receipt

	callOut []byte
	calls   []ethereum.CallMsg
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		suggestTip: big.NewInt(2),
		baseFee:    big.NewInt(100),
		receipts:   make(map[common.Hash]*types.Receipt),
	}
}

func (b *fakeBackend) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nonceCalls++
	return b.pendingNonce, nil
}

func (b *fakeBackend) SuggestGasTipCap(_ context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.suggestTip), nil
}

func (b *fakeBackend) HeaderByNumber(_ context.Context, _ *big.Int) (*types.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &types.Header{BaseFee: new(big.Int).Set(b.baseFee)}, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, tx)
	return b.sendErr
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.receipts[h]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (b *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, msg)
	return b.callOut, nil
}

func newTestSender(t *testing.T, backend *fakeBackend) *Sender {
	t.Helper()
	s, err := NewSender(backend, testSigner(t), SenderConfig{
		ChainID:   big.NewInt(102035),
		MinTipCap: big.NewInt(1_000_000_000),
	})
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	return s
}

func TestSender_SignTx_FixedGasAndFees(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.pendingNonce = 4
	s := newTestSender(t, backend)

	to := common.HexToAddress("0xc0ffee0000000000000000000000000000000000")
	tx, err := s.SignTx(context.Background(), TxRequest{To: to, Data: []byte{0x01, 0x02}, GasLimit: 500_000})
	if err != nil {
		t.Fatalf("SignTx: %v", err)
	}
	if tx.Type() != types.DynamicFeeTxType {
		t.Fatalf("tx type: got %d", tx.Type())
	}
	if tx.Gas() != 500_000 || tx.Nonce() != 4 {
		t.Fatalf("gas/nonce: got %d/%d", tx.Gas(), tx.Nonce())
	}
	if tx.GasTipCap().Cmp(big.NewInt(1_000_000_000)) != 0 {
		t.Fatalf("tip: got %s", tx.GasTipCap())
	}
	if tx.GasFeeCap().Cmp(big.NewInt(1_000_000_200)) != 0 {
		t.Fatalf("feeCap: got %s", tx.GasFeeCap())
	}
	if *tx.To() != to {
		t.Fatalf("to: got %s", tx.To())
	}
	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(102035)), tx)
	if err != nil || from != s.From() {
		t.Fatalf("sender: got %s err=%v", from, err)
	}

	backend.mu.Lock()
	sent := len(backend.sent)
	backend.mu.Unlock()
	if sent != 0 {
		t.Fatalf("SignTx must not broadcast")
	}

	tx2, err := s.SignTx(context.Background(), TxRequest{To: to, GasLimit: 500_000})
	if err != nil {
		t.Fatalf("SignTx: %v", err)
	}
	if tx2.Nonce() != 5 {
		t.Fatalf("second nonce: got %d want 5", tx2.Nonce())
	}
}

func TestSender_SignTx_RequiresGasLimit(t *testing.T) {
	t.Parallel()

	s := newTestSender(t, newFakeBackend())
	if _, err := s.SignTx(context.Background(), TxRequest{To: common.HexToAddress("0x01")}); !errors.Is(err, ErrInvalidSenderConfig) {
		t.Fatalf("expected ErrInvalidSenderConfig, got %v", err)
	}
}

func TestSender_Broadcast_AlreadyKnownIsSuccess(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	s := newTestSender(t, backend)
	tx, err := s.SignTx(context.Background(), TxRequest{To: common.HexToAddress("0x01"), GasLimit: 21_000})
	if err != nil {
		t.Fatalf("SignTx: %v", err)
	}

	backend.sendErr = errors.New("already known")
	if err := s.Broadcast(context.Background(), tx); err != nil {
		t.Fatalf("Broadcast already known: %v", err)
	}

	backend.sendErr = errors.New("insufficient funds for gas * price + value")
	if err := s.Broadcast(context.Background(), tx); err == nil {
		t.Fatalf("expected broadcast error")
	}
}

func TestSender_Broadcast_NonceTooLowResetsNonces(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	s := newTestSender(t, backend)
	tx, err := s.SignTx(context.Background(), TxRequest{To: common.HexToAddress("0x01"), GasLimit: 21_000})
	if err != nil {
		t.Fatalf("SignTx: %v", err)
	}

	backend.sendErr = errors.New("nonce too low: next nonce 9, tx nonce 0")
	if err := s.Broadcast(context.Background(), tx); err == nil {
		t.Fatalf("expected error")
	}

	backend.pendingNonce = 9
	tx2, err := s.SignTx(context.Background(), TxRequest{To: common.HexToAddress("0x01"), GasLimit: 21_000})
	if err != nil {
		t.Fatalf("SignTx: %v", err)
	}
	if tx2.Nonce() != 9 {
		t.Fatalf("nonce after reset: got %d want 9", tx2.Nonce())
	}
}

func TestSender_ReceiptAndCall(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.callOut = []byte{0x01}
	s := newTestSender(t, backend)

	h := common.HexToHash("0xabc")
	if _, err := s.Receipt(context.Background(), h); !errors.Is(err, ethereum.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	backend.receipts[h] = &types.Receipt{Status: types.ReceiptStatusSuccessful}
	r, err := s.Receipt(context.Background(), h)
	if err != nil || r.Status != types.ReceiptStatusSuccessful {
		t.Fatalf("Receipt: %v %v", r, err)
	}

	to := common.HexToAddress("0x02")
	out, err := s.Call(context.Background(), to, []byte{0xaa})
	if err != nil || len(out) != 1 {
		t.Fatalf("Call: %x %v", out, err)
	}
	if len(backend.calls) != 1 || *backend.calls[0].To != to || backend.calls[0].From != s.From() {
		t.Fatalf("unexpected call msg: %+v", backend.calls)
	}
}

func TestNewSender_RejectsBadConfig(t *testing.T) {
	t.Parallel()

	signer := testSigner(t)
	if _, err := NewSender(nil, signer, SenderConfig{ChainID: big.NewInt(1)}); !errors.Is(err, ErrInvalidSenderConfig) {
		t.Fatalf("nil backend: %v", err)
	}
	if _, err := NewSender(newFakeBackend(), signer, SenderConfig{}); !errors.Is(err, ErrInvalidSenderConfig) {
		t.Fatalf("missing chain id: %v", err)
	}
	if _, err := NewSender(newFakeBackend(), NewLocalSigner(nil), SenderConfig{ChainID: big.NewInt(1)}); !errors.Is(err, ErrInvalidSenderConfig) {
		t.Fatalf("zero signer: %v", err)
	}
}
