package solveabi

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

var ErrInvalidInput = errors.New("solveabi: invalid input")

var (
	initOnce sync.Once
	initErr  error

	sourceABI      abi.ABI
	destinationABI abi.ABI
)

func initABI() error {
	initOnce.Do(func() {
		var err error

		sourceABI, err = abi.JSON(strings.NewReader(sourceABIJSON))
		if err != nil {
			initErr = fmt.Errorf("solveabi: parse source ABI: %w", err)
			return
		}
		destinationABI, err = abi.JSON(strings.NewReader(destinationABIJSON))
		if err != nil {
			initErr = fmt.Errorf("solveabi: parse destination ABI: %w", err)
			return
		}
	})
	return initErr
}

const sourceABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "uint64", "name": "epoch", "type": "uint64"},
      {"indexed": true, "internalType": "address", "name": "miner", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "nonce", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "workUnits", "type": "uint256"},
      {"indexed": false, "internalType": "bytes32", "name": "digest", "type": "bytes32"}
    ],
    "name": "MiningSolved",
    "type": "event"
  }
]`

const siblingComponents = `[
  {"internalType": "bytes32", "name": "hash", "type": "bytes32"},
  {"internalType": "bool", "name": "isLeft", "type": "bool"}
]`

const queryInputs = `
  {"internalType": "uint64", "name": "chainKey", "type": "uint64"},
  {"internalType": "uint64", "name": "blockHeight", "type": "uint64"},
  {"internalType": "bytes", "name": "encodedTransaction", "type": "bytes"},
  {"internalType": "bytes32", "name": "merkleRoot", "type": "bytes32"},
  {"components": ` + siblingComponents + `, "internalType": "struct MerkleSibling[]", "name": "siblings", "type": "tuple[]"},
  {"internalType": "bytes32", "name": "lowerEndpointDigest", "type": "bytes32"},
  {"internalType": "bytes32[]", "name": "continuityRoots", "type": "bytes32[]"}`

const destinationABIJSON = `[
  {
    "inputs": [` + queryInputs + `
    ],
    "name": "recordMiningFromQuery",
    "outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [` + queryInputs + `,
      {"internalType": "address", "name": "miner", "type": "address"},
      {"internalType": "uint64", "name": "epoch", "type": "uint64"},
      {"internalType": "uint256", "name": "workUnits", "type": "uint256"}
    ],
    "name": "recordMiningDemoMode",
    "outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "strictDecode",
    "outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "miner", "type": "address"},
      {"indexed": true, "internalType": "uint64", "name": "epoch", "type": "uint64"},
      {"indexed": false, "internalType": "uint256", "name": "workUnits", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "newTotalWorkUnits", "type": "uint256"},
      {"indexed": true, "internalType": "bytes32", "name": "queryKey", "type": "bytes32"}
    ],
    "name": "MiningCredited",
    "type": "event"
  }
]`
