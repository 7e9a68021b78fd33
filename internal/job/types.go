package job

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Status uint8

const (
	StatusUnknown Status = iota
	StatusSeen
	StatusAttesting
	StatusProofReady
	StatusSubmitted
	StatusCredited
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSeen:
		return "SEEN"
	case StatusAttesting:
		return "ATTESTING"
	case StatusProofReady:
		return "PROOF_READY"
	case StatusSubmitted:
		return "SUBMITTED"
	case StatusCredited:
		return "CREDITED"
	case StatusFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCredited || s == StatusFailed
}

func (s Status) Valid() bool {
	return s >= StatusSeen && s <= StatusFailed
}

// AllStatuses returns every valid status in pipeline order.
func AllStatuses() []Status {
	return []Status{
		StatusSeen,
		StatusAttesting,
		StatusProofReady,
		StatusSubmitted,
		StatusCredited,
		StatusFailed,
	}
}

func ParseStatus(v string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "SEEN":
		return StatusSeen, nil
	case "ATTESTING":
		return StatusAttesting, nil
	case "PROOF_READY":
		return StatusProofReady, nil
	case "SUBMITTED":
		return StatusSubmitted, nil
	case "CREDITED":
		return StatusCredited, nil
	case "FAILED":
		return StatusFailed, nil
	default:
		return StatusUnknown, fmt.Errorf("%w: %q", ErrInvalidStatus, v)
	}
}

// CanTransition reports whether a job may move from one status to another.
//
//	SEEN -> ATTESTING
//	ATTESTING -> PROOF_READY | FAILED
//	PROOF_READY -> SUBMITTED
//	SUBMITTED -> CREDITED | FAILED
func CanTransition(from, to Status) bool {
	switch from {
	case StatusSeen:
		return to == StatusAttesting
	case StatusAttesting:
		return to == StatusProofReady || to == StatusFailed
	case StatusProofReady:
		return to == StatusSubmitted
	case StatusSubmitted:
		return to == StatusCredited || to == StatusFailed
	default:
		return false
	}
}

// Solve is the source-chain provenance of one accepted mining solution.
type Solve struct {
	SourceTxHash common.Hash
	BlockNumber  uint64
	TxIndex      uint64
	LogIndex     uint64

	Epoch     uint64
	Miner     common.Address
	Nonce     string // decimal uint256
	WorkUnits uint64
	Digest    common.Hash
}

type Job struct {
	ID int64
	Solve

	Status Status

	// ProofBundle is the JSON-encoded proof bundle once attestation succeeded.
	ProofBundle       []byte
	DestinationTxHash common.Hash
	ErrorMessage      string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Update carries the optional fields written together with a status change.
// Nil fields are left untouched.
type Update struct {
	ProofBundle       []byte
	DestinationTxHash *common.Hash
	ErrorMessage      *string
}

func (j Job) clone() Job {
	if j.ProofBundle != nil {
		j.ProofBundle = append([]byte(nil), j.ProofBundle...)
	}
	return j
}
