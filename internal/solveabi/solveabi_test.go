package solveabi

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

func miningSolvedLog(t *testing.T, epoch uint64, miner common.Address, nonce, work int64, digest common.Hash) types.Log {
	t.Helper()
	topic, err := MiningSolvedTopic()
	if err != nil {
		t.Fatalf("MiningSolvedTopic: %v", err)
	}
	data, err := EncodeMiningSolvedData(big.NewInt(nonce), big.NewInt(work), digest)
	if err != nil {
		t.Fatalf("EncodeMiningSolvedData: %v", err)
	}
	return types.Log{
		Topics: []common.Hash{
			topic,
			common.BigToHash(new(big.Int).SetUint64(epoch)),
			common.BytesToHash(miner.Bytes()),
		},
		Data:        data,
		TxHash:      common.HexToHash("0xaa"),
		BlockNumber: 100,
		TxIndex:     2,
		Index:       5,
	}
}

func TestMiningSolvedTopic_MatchesSignature(t *testing.T) {
	t.Parallel()

	got, err := MiningSolvedTopic()
	if err != nil {
		t.Fatalf("MiningSolvedTopic: %v", err)
	}
	want := crypto.Keccak256Hash([]byte("MiningSolved(uint64,address,uint256,uint256,bytes32)"))
	if got != want {
		t.Fatalf("topic: got %s want %s", got, want)
	}
}

func TestDecodeMiningSolved(t *testing.T) {
	t.Parallel()

	miner := common.HexToAddress("0x00000000000000000000000000000000000000Ee")
	lg := miningSolvedLog(t, 7, miner, 123456, 3, common.HexToHash("0xd1"))

	ev, err := DecodeMiningSolved(lg)
	if err != nil {
		t.Fatalf("DecodeMiningSolved: %v", err)
	}
	if ev.Epoch != 7 || ev.Miner != miner || ev.Nonce.Int64() != 123456 || ev.WorkUnits.Int64() != 3 {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Digest != common.HexToHash("0xd1") || ev.TxHash != common.HexToHash("0xaa") {
		t.Fatalf("unexpected digest/tx: %+v", ev)
	}
	if ev.BlockNumber != 100 || ev.TxIndex != 2 || ev.LogIndex != 5 {
		t.Fatalf("unexpected coordinates: %+v", ev)
	}
}

func TestDecodeMiningSolved_RejectsMalformed(t *testing.T) {
	t.Parallel()

	miner := common.HexToAddress("0x01")
	good := miningSolvedLog(t, 1, miner, 1, 1, common.Hash{})

	wrongTopic := good
	wrongTopic.Topics = append([]common.Hash{common.HexToHash("0x01")}, good.Topics[1:]...)

	missingTopic := good
	missingTopic.Topics = good.Topics[:2]

	shortData := good
	shortData.Data = good.Data[:40]

	dirtyMiner := good
	dirtyMiner.Topics = []common.Hash{good.Topics[0], good.Topics[1], common.HexToHash("0xff00000000000000000000000000000000000000000000000000000000000001")}

	for name, lg := range map[string]types.Log{
		"wrong topic":   wrongTopic,
		"missing topic": missingTopic,
		"short data":    shortData,
		"dirty miner":   dirtyMiner,
	} {
		if _, err := DecodeMiningSolved(lg); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", name, err)
		}
	}
}

func testQueryCall() QueryCall {
	return QueryCall{
		ChainKey:           11155111,
		BlockHeight:        100,
		EncodedTransaction: []byte{0x02, 0xf8, 0x01},
		MerkleRoot:         common.HexToHash("0x11"),
		Siblings: []Sibling{
			{Hash: common.HexToHash("0x22"), IsLeft: true},
			{Hash: common.HexToHash("0x33"), IsLeft: false},
		},
		LowerEndpointDigest: common.HexToHash("0x44"),
		ContinuityRoots:     []common.Hash{common.HexToHash("0x55"), common.HexToHash("0x66")},
	}
}

func TestPackRecordMiningFromQuery_SelectorAndRoundTrip(t *testing.T) {
	t.Parallel()

	in := testQueryCall()
	data, err := PackRecordMiningFromQuery(in)
	if err != nil {
		t.Fatalf("PackRecordMiningFromQuery: %v", err)
	}
	sel := crypto.Keccak256([]byte("recordMiningFromQuery(uint64,uint64,bytes,bytes32,(bytes32,bool)[],bytes32,bytes32[])"))[:4]
	if !bytes.Equal(data[:4], sel) {
		t.Fatalf("selector: got %x want %x", data[:4], sel)
	}

	method, got, demo, err := UnpackQueryCall(data)
	if err != nil {
		t.Fatalf("UnpackQueryCall: %v", err)
	}
	if method != "recordMiningFromQuery" || demo != nil {
		t.Fatalf("method: got %q demo=%v", method, demo)
	}
	assertQueryCallEqual(t, got, in)
}

func TestPackRecordMiningDemoMode_SelectorAndRoundTrip(t *testing.T) {
	t.Parallel()

	in := testQueryCall()
	miner := common.HexToAddress("0x00000000000000000000000000000000000000Ab")
	data, err := PackRecordMiningDemoMode(in, miner, 9, big.NewInt(4))
	if err != nil {
		t.Fatalf("PackRecordMiningDemoMode: %v", err)
	}
	sel := crypto.Keccak256([]byte("recordMiningDemoMode(uint64,uint64,bytes,bytes32,(bytes32,bool)[],bytes32,bytes32[],address,uint64,uint256)"))[:4]
	if !bytes.Equal(data[:4], sel) {
		t.Fatalf("selector: got %x want %x", data[:4], sel)
	}

	method, got, demo, err := UnpackQueryCall(data)
	if err != nil {
		t.Fatalf("UnpackQueryCall: %v", err)
	}
	if method != "recordMiningDemoMode" || demo == nil {
		t.Fatalf("method: got %q demo=%v", method, demo)
	}
	if demo.Miner != miner || demo.Epoch != 9 || demo.WorkUnits.Int64() != 4 {
		t.Fatalf("demo args: %+v", demo)
	}
	assertQueryCallEqual(t, got, in)
}

func TestPackRecord_RejectsInvalid(t *testing.T) {
	t.Parallel()

	c := testQueryCall()
	c.ChainKey = 0
	if _, err := PackRecordMiningFromQuery(c); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	c = testQueryCall()
	c.EncodedTransaction = nil
	if _, err := PackRecordMiningFromQuery(c); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := PackRecordMiningDemoMode(testQueryCall(), common.Address{}, 1, big.NewInt(1)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero miner, got %v", err)
	}
}

func TestStrictDecode_PackUnpack(t *testing.T) {
	t.Parallel()

	data, err := PackStrictDecode()
	if err != nil {
		t.Fatalf("PackStrictDecode: %v", err)
	}
	if !bytes.Equal(data, crypto.Keccak256([]byte("strictDecode()"))[:4]) {
		t.Fatalf("selector: %x", data)
	}

	var word [32]byte
	word[31] = 1
	v, err := UnpackStrictDecode(word[:])
	if err != nil || !v {
		t.Fatalf("UnpackStrictDecode(true): %v %v", v, err)
	}
	v, err = UnpackStrictDecode(make([]byte, 32))
	if err != nil || v {
		t.Fatalf("UnpackStrictDecode(false): %v %v", v, err)
	}
	if _, err := UnpackStrictDecode(nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty output, got %v", err)
	}
}

func TestFindMiningCredited(t *testing.T) {
	t.Parallel()

	contract := common.HexToAddress("0xc0")
	miner := common.HexToAddress("0xab")
	topic, err := MiningCreditedTopic()
	if err != nil {
		t.Fatalf("MiningCreditedTopic: %v", err)
	}
	if topic != crypto.Keccak256Hash([]byte("MiningCredited(address,uint64,uint256,uint256,bytes32)")) {
		t.Fatalf("unexpected MiningCredited topic %s", topic)
	}
	data, err := EncodeMiningCreditedData(big.NewInt(2), big.NewInt(10))
	if err != nil {
		t.Fatalf("EncodeMiningCreditedData: %v", err)
	}
	credited := &types.Log{
		Address: contract,
		Topics: []common.Hash{
			topic,
			common.BytesToHash(miner.Bytes()),
			common.BigToHash(big.NewInt(3)),
			common.HexToHash("0x9999"),
		},
		Data: data,
	}
	other := &types.Log{Address: common.HexToAddress("0xdead"), Topics: credited.Topics, Data: data}

	if _, ok, err := FindMiningCredited([]*types.Log{other}, contract); err != nil || ok {
		t.Fatalf("expected no match for foreign contract: ok=%v err=%v", ok, err)
	}

	ev, ok, err := FindMiningCredited([]*types.Log{other, credited}, contract)
	if err != nil || !ok {
		t.Fatalf("FindMiningCredited: ok=%v err=%v", ok, err)
	}
	if ev.Miner != miner || ev.Epoch != 3 || ev.WorkUnits.Int64() != 2 || ev.NewTotalWorkUnits.Int64() != 10 {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.QueryKey != common.HexToHash("0x9999") {
		t.Fatalf("query key: %s", ev.QueryKey)
	}
}

func assertQueryCallEqual(t *testing.T, got, want QueryCall) {
	t.Helper()
	if got.ChainKey != want.ChainKey || got.BlockHeight != want.BlockHeight {
		t.Fatalf("chainKey/blockHeight: got %d/%d want %d/%d", got.ChainKey, got.BlockHeight, want.ChainKey, want.BlockHeight)
	}
	if !bytes.Equal(got.EncodedTransaction, want.EncodedTransaction) {
		t.Fatalf("encoded tx: got %x want %x", got.EncodedTransaction, want.EncodedTransaction)
	}
	if got.MerkleRoot != want.MerkleRoot || got.LowerEndpointDigest != want.LowerEndpointDigest {
		t.Fatalf("roots mismatch: %+v", got)
	}
	if len(got.Siblings) != len(want.Siblings) {
		t.Fatalf("siblings len: got %d want %d", len(got.Siblings), len(want.Siblings))
	}
	for i := range want.Siblings {
		if got.Siblings[i] != want.Siblings[i] {
			t.Fatalf("sibling %d: got %+v want %+v", i, got.Siblings[i], want.Siblings[i])
		}
	}
	if len(got.ContinuityRoots) != len(want.ContinuityRoots) {
		t.Fatalf("continuity roots len: got %d want %d", len(got.ContinuityRoots), len(want.ContinuityRoots))
	}
	for i := range want.ContinuityRoots {
		if got.ContinuityRoots[i] != want.ContinuityRoots[i] {
			t.Fatalf("continuity root %d mismatch", i)
		}
	}
}
