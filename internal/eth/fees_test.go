package eth

import (
	"errors"
	"math/big"
	"testing"
)

func bi(v int64) *big.Int { return big.NewInt(v) }

func TestCalc1559Fees_UsesMinTipAndTwoXBaseFee(t *testing.T) {
	t.Parallel()

	tip, fee, err := Calc1559Fees(bi(100), bi(2), bi(5))
	if err != nil {
		t.Fatalf("Calc1559Fees: %v", err)
	}
	if tip.Cmp(bi(5)) != 0 {
		t.Fatalf("tip: got %s want %s", tip, bi(5))
	}
	// feeCap = 2*baseFee + tip = 205
	if fee.Cmp(bi(205)) != 0 {
		t.Fatalf("fee: got %s want %s", fee, bi(205))
	}
}

func TestCalc1559Fees_KeepsHigherSuggestedTip(t *testing.T) {
	t.Parallel()

	tip, fee, err := Calc1559Fees(bi(7), bi(9), bi(1))
	if err != nil {
		t.Fatalf("Calc1559Fees: %v", err)
	}
	if tip.Cmp(bi(9)) != 0 || fee.Cmp(bi(23)) != 0 {
		t.Fatalf("got tip=%s fee=%s want 9/23", tip, fee)
	}
}

func TestCalc1559Fees_RejectsInvalidArgs(t *testing.T) {
	t.Parallel()

	if _, _, err := Calc1559Fees(nil, bi(1), bi(1)); !errors.Is(err, ErrInvalidFeeArgs) {
		t.Fatalf("nil baseFee: %v", err)
	}
	if _, _, err := Calc1559Fees(bi(1), bi(-1), bi(1)); !errors.Is(err, ErrInvalidFeeArgs) {
		t.Fatalf("negative tip: %v", err)
	}
}
