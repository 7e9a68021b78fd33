package proof

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/uscmining/relay-worker/internal/idempotency"
)

var (
	ErrInvalidConfig = errors.New("proof: invalid config")
	ErrNotReady      = errors.New("proof: not ready")
	ErrTransient     = errors.New("proof: transient failure")
	ErrPermanent     = errors.New("proof: permanent failure")
	ErrExhausted     = errors.New("proof: retries exhausted")
)

// Request identifies the source transaction a proof is wanted for. TxHash is an
// optional hint for the attestation service.
type Request struct {
	ChainKey    uint64
	BlockHeight uint64
	TxIndex     uint64
	TxHash      common.Hash
}

type Provider interface {
	GetProof(ctx context.Context, req Request) (Bundle, error)
}

type Sibling struct {
	Hash   common.Hash `json:"hash"`
	IsLeft bool        `json:"isLeft"`
}

// Bundle is the inclusion and continuity evidence for one source transaction.
// The relay treats it as opaque; the destination contract verifies it.
type Bundle struct {
	EncodedTransaction  hexutil.Bytes `json:"encodedTransaction"`
	MerkleRoot          common.Hash   `json:"merkleRoot"`
	Siblings            []Sibling     `json:"siblings"`
	LowerEndpointDigest common.Hash   `json:"lowerEndpointDigest"`
	ContinuityRoots     []common.Hash `json:"continuityRoots"`
}

// Placeholder returns the deterministic bundle the fixture provider serves for
// unknown transactions.
func Placeholder() Bundle {
	return Bundle{
		EncodedTransaction: hexutil.Bytes{0x00},
		Siblings:           []Sibling{},
		ContinuityRoots:    []common.Hash{},
	}
}

// Validate checks structural consistency of b against the request it answers.
func (b Bundle) Validate(req Request) error {
	if len(b.EncodedTransaction) == 0 {
		return permanent(0, "bundle missing encodedTransaction", nil)
	}
	if n := len(b.Siblings); n > 0 {
		bits := make([]bool, n)
		for i, s := range b.Siblings {
			bits[i] = s.IsLeft
		}
		want := req.TxIndex
		if n < 64 {
			want &= (uint64(1) << uint(n)) - 1
		}
		if got := idempotency.DeriveTxIndex(bits); got != want {
			return permanent(0, fmt.Sprintf("merkle path encodes tx index %d, want %d", got, req.TxIndex), nil)
		}
	}
	return nil
}

func (b Bundle) Encode() ([]byte, error) {
	if b.Siblings == nil {
		b.Siblings = []Sibling{}
	}
	if b.ContinuityRoots == nil {
		b.ContinuityRoots = []common.Hash{}
	}
	return json.Marshal(b)
}

func DecodeBundle(raw []byte) (Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return Bundle{}, fmt.Errorf("proof: decode bundle: %w", err)
	}
	return b, nil
}

// FailureError is a classified attestation service failure.
type FailureError struct {
	StatusCode int
	Retryable  bool
	Message    string
	Err        error
}

func (e *FailureError) Error() string {
	if e == nil {
		return ""
	}
	msg := strings.TrimSpace(e.Message)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("HTTP %d: %s", e.StatusCode, msg)
	}
	if e.Err != nil {
		if msg == "" {
			return e.Err.Error()
		}
		return msg + ": " + e.Err.Error()
	}
	if msg == "" {
		if e.Retryable {
			return ErrTransient.Error()
		}
		return ErrPermanent.Error()
	}
	return msg
}

func (e *FailureError) Unwrap() []error {
	kind := ErrPermanent
	if e.Retryable {
		kind = ErrTransient
	}
	if e.Err != nil {
		return []error{kind, e.Err}
	}
	return []error{kind}
}

// IsRetryable reports whether another attempt could succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNotReady) || errors.Is(err, ErrTransient)
}

func permanent(status int, msg string, err error) error {
	return &FailureError{StatusCode: status, Message: msg, Err: err}
}

func transient(status int, msg string, err error) error {
	return &FailureError{StatusCode: status, Retryable: true, Message: msg, Err: err}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
